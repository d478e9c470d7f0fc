package remote

import (
	"context"

	"github.com/ilyaizen/habistat/internal/auth"
	"github.com/ilyaizen/habistat/pkg/db/models"
)

// Filter scopes a pull. UpdatedSince is compared against the server's receive
// time of each row, in epoch milliseconds.
type Filter struct {
	UpdatedSince int64
	Cursor       string
	Limit        int
}

// Page is one keyset page of a pull. An empty NextCursor ends the pull.
//
// ServerTime is the server's own high watermark, read before the page was
// queried: every row committed with an updatedAt at or below it is visible to
// this pull. Clients persist it as their next UpdatedSince instead of a
// device-clock reading.
type Page struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"nextCursor,omitempty"`
	ServerTime int64    `json:"serverTime"`
}

// MutateResult acknowledges a push. When the server kept a version at least
// as new as the pushed one, Applied is false and Current carries that version.
type MutateResult struct {
	ID      int64   `json:"id"`
	Applied bool    `json:"applied"`
	Current *Record `json:"current,omitempty"`
}

// MutateRequest is the body of a push.
type MutateRequest struct {
	Record Record `json:"record" validate:"required"`
}

// Store is the remote store as the sync client sees it. Every call carries
// the caller's bearer credential.
type Store interface {
	Query(ctx context.Context, cred *auth.Credential, kind models.Kind, filter Filter) (Page, error)
	Mutate(ctx context.Context, cred *auth.Credential, kind models.Kind, rec Record) (MutateResult, error)
}
