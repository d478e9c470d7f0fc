// Package remote implements both ends of the remote store: the server-side
// store over the account database and the clients that reach it.
package remote

import (
	"encoding/json"
	"fmt"

	"github.com/ilyaizen/habistat/internal/repo"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
)

// Record is the kind-independent wire form of a syncable row. The envelope
// fields are authoritative; Payload carries the entity's own columns.
type Record struct {
	ID              int64           `json:"id,omitempty"`
	LocalUUID       string          `json:"localUuid" validate:"required,uuid"`
	UserID          *string         `json:"userId,omitempty"`
	ClientUpdatedAt int64           `json:"clientUpdatedAt" validate:"gt=0"`
	UpdatedAt       int64           `json:"updatedAt,omitempty"`
	Deleted         bool            `json:"deleted"`
	Payload         json.RawMessage `json:"payload"`
}

// Encode converts a stored row into its wire form.
func Encode[T any, P repo.EntityPtr[T]](row P) (Record, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s: %w", row.Kind(), err)
	}
	fields := row.Sync()
	return Record{
		ID:              fields.ID,
		LocalUUID:       fields.LocalUUID,
		UserID:          fields.UserID,
		ClientUpdatedAt: fields.ClientUpdatedAt,
		UpdatedAt:       fields.UpdatedAt,
		Deleted:         fields.Deleted,
		Payload:         payload,
	}, nil
}

// Decode rebuilds a row from its wire form. The result is detached from any
// store: Dirty is false and RemoteID is unset.
func Decode[T any, P repo.EntityPtr[T]](rec Record) (P, error) {
	var row T
	out := P(&row)
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, out); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeIntegrity, err, fmt.Sprintf("malformed %s payload", out.Kind()))
		}
	}
	fields := out.Sync()
	fields.ID = rec.ID
	fields.LocalUUID = rec.LocalUUID
	fields.UserID = rec.UserID
	fields.ClientUpdatedAt = rec.ClientUpdatedAt
	fields.UpdatedAt = rec.UpdatedAt
	fields.Deleted = rec.Deleted
	fields.Dirty = false
	fields.RemoteID = nil
	return out, nil
}
