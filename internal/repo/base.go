package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Base holds the connection shared by every store adapter. Both SQLite and
// Postgres accept the same ON CONFLICT form, so helpers here stay dialect-free.
type Base struct {
	db *gorm.DB
}

func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the connection bound to ctx; a nil ctx yields the raw handle.
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// upsert inserts row, or overwrites the listed columns when key collides.
func (b Base) upsert(ctx context.Context, row any, key string, columns ...string) error {
	return b.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: key}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(row).Error
}
