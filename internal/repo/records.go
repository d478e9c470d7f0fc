package repo

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/ilyaizen/habistat/internal/identity"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/ilyaizen/habistat/pkg/pagination"
	"gorm.io/gorm"
)

// EntityPtr constrains P to be the pointer form of a syncable model T.
type EntityPtr[T any] interface {
	*T
	models.Entity
}

// Records is the store adapter for one syncable table. The same type serves
// the embedded client store and the remote server store; which columns matter
// differs (dirty/remote_id are client-only), the queries do not.
type Records[T any, P EntityPtr[T]] struct {
	Base
	now func() time.Time
}

func NewRecords[T any, P EntityPtr[T]](db *gorm.DB) *Records[T, P] {
	return &Records[T, P]{Base: NewBase(db), now: time.Now}
}

// WithClock swaps the time source; tests pin it.
func (r *Records[T, P]) WithClock(now func() time.Time) *Records[T, P] {
	return &Records[T, P]{Base: r.Base, now: now}
}

// WithTx returns a copy bound to an open transaction.
func (r *Records[T, P]) WithTx(tx *gorm.DB) *Records[T, P] {
	return &Records[T, P]{Base: NewBase(tx), now: r.now}
}

func (r *Records[T, P]) Kind() models.Kind {
	var zero T
	return P(&zero).Kind()
}

// Create inserts a row produced by a local user action.
func (r *Records[T, P]) Create(ctx context.Context, row P) error {
	identity.Stamp(row, r.now())
	if err := r.DB(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("create %s: %w", r.Kind(), err)
	}
	return nil
}

// Update persists a local mutation, advancing clientUpdatedAt.
func (r *Records[T, P]) Update(ctx context.Context, row P) error {
	if row.Sync().ID == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "update requires a persisted row")
	}
	identity.Touch(row, r.now())
	if err := r.DB(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("update %s: %w", r.Kind(), err)
	}
	return nil
}

// Delete tombstones the row so the deletion syncs like any other write.
func (r *Records[T, P]) Delete(ctx context.Context, localUUID string) error {
	row, err := r.FindByLocalUUID(ctx, localUUID)
	if err != nil {
		return err
	}
	if row == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("%s %s not found", r.Kind(), localUUID))
	}
	if row.Sync().Deleted {
		return nil
	}
	row.Sync().Deleted = true
	return r.Update(ctx, row)
}

// Put writes the row exactly as given. Merge paths use it because they carry
// a clientUpdatedAt from elsewhere that must not be re-stamped.
func (r *Records[T, P]) Put(ctx context.Context, row P) error {
	if err := r.DB(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("put %s: %w", r.Kind(), err)
	}
	return nil
}

// FindByLocalUUID returns nil without error when no row matches.
func (r *Records[T, P]) FindByLocalUUID(ctx context.Context, localUUID string) (P, error) {
	var row T
	err := r.DB(ctx).Where("local_uuid = ?", localUUID).Take(&row).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s by local uuid: %w", r.Kind(), err)
	}
	return P(&row), nil
}

// List returns live rows, optionally restricted to one owner.
func (r *Records[T, P]) List(ctx context.Context, ownerID *string) ([]T, error) {
	query := r.DB(ctx).Where("deleted = ?", false)
	if ownerID != nil {
		query = query.Where("user_id = ?", *ownerID)
	}
	var rows []T
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", r.Kind(), err)
	}
	return rows, nil
}

// ListDirty returns rows awaiting push, oldest write first.
func (r *Records[T, P]) ListDirty(ctx context.Context, limit int) ([]T, error) {
	query := r.DB(ctx).Where("dirty = ?", true).Order("client_updated_at ASC").Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []T
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list dirty %s: %w", r.Kind(), err)
	}
	return rows, nil
}

// CountDirty reports the push backlog.
func (r *Records[T, P]) CountDirty(ctx context.Context) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(new(T)).Where("dirty = ?", true).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count dirty %s: %w", r.Kind(), err)
	}
	return count, nil
}

// ListUpdatedSince pages through an owner's rows written after since, in
// (updated_at, id) order. Tombstones are included so deletes propagate.
func (r *Records[T, P]) ListUpdatedSince(ctx context.Context, ownerID string, since int64, after *pagination.Cursor, limit int) ([]T, error) {
	query := r.DB(ctx).
		Where("user_id = ?", ownerID).
		Where("updated_at > ?", since)
	if after != nil {
		query = query.Where("(updated_at > ? OR (updated_at = ? AND id > ?))", after.UpdatedAt, after.UpdatedAt, after.ID)
	}
	var rows []T
	err := query.
		Order("updated_at ASC").
		Order("id ASC").
		Limit(pagination.LimitWithBuffer(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list %s updated since: %w", r.Kind(), err)
	}
	return rows, nil
}

// MarkPushed records a remote acknowledgement. The row stays dirty if it was
// written again after the pushed version was read.
func (r *Records[T, P]) MarkPushed(ctx context.Context, id, pushedClientUpdatedAt, remoteID int64) (bool, error) {
	res := r.DB(ctx).Model(new(T)).
		Where("id = ? AND client_updated_at = ?", id, pushedClientUpdatedAt).
		Updates(map[string]any{"remote_id": remoteID, "dirty": false})
	if res.Error != nil {
		return false, fmt.Errorf("mark %s pushed: %w", r.Kind(), res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ClaimLocalOnly hands every unowned row to userID and queues it for push.
func (r *Records[T, P]) ClaimLocalOnly(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, nil
	}
	res := r.DB(ctx).Model(new(T)).
		Where("user_id IS NULL OR user_id = ''").
		Updates(map[string]any{
			"user_id":    userID,
			"dirty":      true,
			"updated_at": identity.Millis(r.now()),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("claim %s: %w", r.Kind(), res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeTombstones physically removes tombstones last written before the
// cutoff. With acknowledgedOnly, only tombstones the remote has acknowledged
// go: clean and carrying a remote id.
func (r *Records[T, P]) PurgeTombstones(ctx context.Context, before int64, acknowledgedOnly bool) (int64, error) {
	query := r.DB(ctx).Where("deleted = ? AND updated_at < ?", true, before)
	if acknowledgedOnly {
		query = query.Where("dirty = ? AND remote_id IS NOT NULL", false)
	}
	res := query.Delete(new(T))
	if res.Error != nil {
		return 0, fmt.Errorf("purge %s tombstones: %w", r.Kind(), res.Error)
	}
	return res.RowsAffected, nil
}

// Table is the kind-agnostic slice of Records used by maintenance code that
// walks every syncable table.
type Table interface {
	Kind() models.Kind
	CountDirty(ctx context.Context) (int64, error)
	ClaimLocalOnly(ctx context.Context, userID string) (int64, error)
	PurgeTombstones(ctx context.Context, before int64, acknowledgedOnly bool) (int64, error)
}

// Tables returns one Table per syncable kind, parents first.
func Tables(db *gorm.DB) []Table {
	return []Table{
		NewRecords[models.Calendar](db),
		NewRecords[models.Habit](db),
		NewRecords[models.Completion](db),
		NewRecords[models.ActivityHistory](db),
		NewRecords[models.ActiveTimer](db),
		NewRecords[models.UserProfile](db),
	}
}
