package dedup

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/ilyaizen/habistat/internal/identity"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"gorm.io/gorm"
)

// KeyedPtr constrains P to the pointer form of a keyed model T.
type KeyedPtr[T any] interface {
	*T
	models.Keyed
}

// Result describes what UpsertByKey did. ID is the surviving row's primary
// key and is identical across calls for the same (owner, key).
type Result struct {
	ID          int64
	Inserted    bool
	Overwritten bool
}

// Applied reports whether the candidate's payload is now stored.
func (r Result) Applied() bool {
	return r.Inserted || r.Overwritten
}

// Option adjusts a single UpsertByKey call.
type Option func(*upsertOptions)

type upsertOptions struct {
	stamp func() int64
}

// WithStamp sets UpdatedAt (and CreatedAt on insert) from stamp once the key
// lock is held, so the stored time is never earlier than the write it marks.
func WithStamp(stamp func() int64) Option {
	return func(o *upsertOptions) { o.stamp = stamp }
}

// UpsertByKey stores candidate as the single row for (owner, key) unless an
// existing row is at least as new. The read-check-write runs in one
// transaction: Postgres serializes writers on the key with an advisory lock,
// SQLite connections begin immediate transactions and so hold the write lock
// from the first read.
//
// On overwrite the existing row keeps its ID, LocalUUID and CreatedAt;
// candidate is updated in place to mirror what was stored.
func UpsertByKey[T any, P KeyedPtr[T]](ctx context.Context, db *gorm.DB, owner, key string, candidate P, opts ...Option) (Result, error) {
	var o upsertOptions
	for _, opt := range opts {
		opt(&o)
	}
	spec, ok := SpecFor(candidate.Kind())
	if !ok {
		return Result{}, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("%s has no business key", candidate.Kind()))
	}
	if candidate.DedupKey() != key {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("candidate key %q does not match %q", candidate.DedupKey(), key))
	}
	fields := candidate.Sync()
	if owner != "" {
		fields.UserID = &owner
	} else if !fields.LocalOnly() {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "candidate owner does not match")
	}

	var result Result
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockKey(tx, spec, owner, key); err != nil {
			return err
		}

		existing, err := winner[T, P](tx, spec, owner, key)
		if err != nil {
			return err
		}
		if o.stamp != nil {
			fields.UpdatedAt = o.stamp()
		}
		if existing == nil {
			fields.ID = 0
			if o.stamp != nil {
				fields.CreatedAt = fields.UpdatedAt
			}
			if err := tx.Create(candidate).Error; err != nil {
				return fmt.Errorf("insert %s: %w", spec.Table, err)
			}
			result = Result{ID: fields.ID, Inserted: true}
			return nil
		}

		current := existing.Sync()
		if !identity.Newer(fields.ClientUpdatedAt, current.ClientUpdatedAt) {
			result = Result{ID: current.ID}
			return nil
		}

		fields.ID = current.ID
		fields.LocalUUID = current.LocalUUID
		fields.CreatedAt = current.CreatedAt
		if fields.RemoteID == nil {
			fields.RemoteID = current.RemoteID
		}
		if err := tx.Save(candidate).Error; err != nil {
			return fmt.Errorf("overwrite %s: %w", spec.Table, err)
		}
		result = Result{ID: current.ID, Overwritten: true}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// winner loads the row that currently represents (owner, key): the newest
// clientUpdatedAt, larger id on ties. Duplicates left by racing writers are
// tolerated here and collapsed later by DedupeAll.
func winner[T any, P KeyedPtr[T]](tx *gorm.DB, spec Spec, owner, key string) (P, error) {
	ownerSQL, ownerArgs := spec.ownerClause(owner)
	query := tx.Where(ownerSQL, ownerArgs...)
	if spec.KeyColumn != "" {
		query = query.Where(spec.KeyColumn+" = ?", key)
	}
	var row T
	err := query.Order("client_updated_at DESC").Order("id DESC").Take(&row).Error
	if stdErrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s winner: %w", spec.Table, err)
	}
	return P(&row), nil
}

func lockKey(tx *gorm.DB, spec Spec, owner, key string) error {
	if tx.Dialector.Name() != config.DriverPostgres {
		return nil
	}
	lockName := spec.Table + "|" + owner + "|" + key
	if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", lockName).Error; err != nil {
		return fmt.Errorf("lock %s key: %w", spec.Table, err)
	}
	return nil
}

// Current returns the row that represents (owner, key) right now, or nil.
func Current[T any, P KeyedPtr[T]](ctx context.Context, db *gorm.DB, owner, key string) (P, error) {
	var zero T
	kind := P(&zero).Kind()
	spec, ok := SpecFor(kind)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("%s has no business key", kind))
	}
	return winner[T, P](db.WithContext(ctx), spec, owner, key)
}
