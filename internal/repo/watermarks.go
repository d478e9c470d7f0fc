package repo

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/ilyaizen/habistat/pkg/db/models"
	"gorm.io/gorm"
)

// Watermarks persists sync progress: the global lastSyncTimestamp row plus a
// row per kind for partial syncs.
type Watermarks struct {
	Base
}

func NewWatermarks(db *gorm.DB) *Watermarks {
	return &Watermarks{Base: NewBase(db)}
}

// Global returns the persisted watermark, or 0 before the first full sync.
func (w *Watermarks) Global(ctx context.Context) (int64, error) {
	var row models.SyncMetadata
	err := w.DB(ctx).Where("id = ?", models.SyncMetadataID).Take(&row).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load sync watermark: %w", err)
	}
	return row.LastSyncTimestamp, nil
}

func (w *Watermarks) SetGlobal(ctx context.Context, ts int64) error {
	row := models.SyncMetadata{ID: models.SyncMetadataID, LastSyncTimestamp: ts}
	if err := w.upsert(ctx, &row, "id", "last_sync_timestamp"); err != nil {
		return fmt.Errorf("save sync watermark: %w", err)
	}
	return nil
}

func (w *Watermarks) Entity(ctx context.Context, kind models.Kind) (int64, error) {
	var row models.EntityWatermark
	err := w.DB(ctx).Where("kind = ?", kind).Take(&row).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load %s watermark: %w", kind, err)
	}
	return row.LastSyncTimestamp, nil
}

func (w *Watermarks) SetEntity(ctx context.Context, kind models.Kind, ts int64) error {
	row := models.EntityWatermark{Kind: kind, LastSyncTimestamp: ts}
	if err := w.upsert(ctx, &row, "kind", "last_sync_timestamp"); err != nil {
		return fmt.Errorf("save %s watermark: %w", kind, err)
	}
	return nil
}

// Effective is the pull boundary for one kind: whichever of the global and
// per-kind watermarks is further along.
func (w *Watermarks) Effective(ctx context.Context, kind models.Kind) (int64, error) {
	global, err := w.Global(ctx)
	if err != nil {
		return 0, err
	}
	entity, err := w.Entity(ctx, kind)
	if err != nil {
		return 0, err
	}
	return max(global, entity), nil
}
