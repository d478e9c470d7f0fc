package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/ilyaizen/habistat/internal/dedup"
	"github.com/ilyaizen/habistat/internal/identity"
	"github.com/ilyaizen/habistat/internal/integrity"
	"github.com/ilyaizen/habistat/internal/repo"
	"github.com/ilyaizen/habistat/pkg/db"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/ilyaizen/habistat/pkg/pagination"
	"gorm.io/gorm"
)

// Server is the account-side store behind the sync API. It applies the same
// last-write-wins rule as the client: a pushed row replaces the stored one
// only when strictly newer, and keyed kinds go through UpsertByKey so a
// second device cannot create a duplicate business key.
type Server struct {
	db     *gorm.DB
	now    func() time.Time
	settle time.Duration
	kinds  map[models.Kind]kindStore
}

// DefaultWriteSettle is held back from the reported ServerTime. A write is
// stamped inside its transaction but only becomes visible at commit; rows
// stamped within this window of a pull are served again by the next one.
const DefaultWriteSettle = 2 * time.Second

func NewServer(conn *gorm.DB) *Server {
	return &Server{
		db:     conn,
		now:    time.Now,
		settle: DefaultWriteSettle,
		kinds: map[models.Kind]kindStore{
			models.KindCalendars:       plainStore[models.Calendar, *models.Calendar]{},
			models.KindHabits:          plainStore[models.Habit, *models.Habit]{},
			models.KindCompletions:     plainStore[models.Completion, *models.Completion]{},
			models.KindActiveTimers:    plainStore[models.ActiveTimer, *models.ActiveTimer]{},
			models.KindActivityHistory: keyedStore[models.ActivityHistory, *models.ActivityHistory]{},
			models.KindUserProfile:     keyedStore[models.UserProfile, *models.UserProfile]{},
		},
	}
}

// WithClock swaps the time source; tests pin it.
func (s *Server) WithClock(now func() time.Time) *Server {
	clone := *s
	clone.now = now
	return &clone
}

// WithWriteSettle overrides DefaultWriteSettle.
func (s *Server) WithWriteSettle(d time.Duration) *Server {
	clone := *s
	clone.settle = d
	return &clone
}

func (s *Server) stamp() int64 {
	return identity.Millis(s.now())
}

// Query returns one page of the owner's rows received after filter.UpdatedSince.
func (s *Server) Query(ctx context.Context, ownerID string, kind models.Kind, filter Filter) (Page, error) {
	store, err := s.store(kind)
	if err != nil {
		return Page{}, err
	}
	if ownerID == "" {
		return Page{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "owner required")
	}
	cursor, err := pagination.ParseCursor(filter.Cursor)
	if err != nil {
		return Page{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	high := s.stamp() - s.settle.Milliseconds()
	page, err := store.query(ctx, s.db, ownerID, filter.UpdatedSince, cursor, filter.Limit)
	if err != nil {
		return Page{}, err
	}
	page.ServerTime = high
	return page, nil
}

// Mutate applies one pushed record on behalf of ownerID.
func (s *Server) Mutate(ctx context.Context, ownerID string, kind models.Kind, rec Record) (MutateResult, error) {
	store, err := s.store(kind)
	if err != nil {
		return MutateResult{}, err
	}
	if ownerID == "" {
		return MutateResult{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "owner required")
	}
	if rec.UserID != nil && *rec.UserID != "" && *rec.UserID != ownerID {
		return MutateResult{}, pkgerrors.New(pkgerrors.CodeForbidden, "record belongs to another account")
	}
	return store.mutate(ctx, s.db, ownerID, rec, s.stamp)
}

func (s *Server) store(kind models.Kind) (kindStore, error) {
	store, ok := s.kinds[kind]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("unknown entity kind %q", kind))
	}
	return store, nil
}

type kindStore interface {
	query(ctx context.Context, conn *gorm.DB, owner string, since int64, after *pagination.Cursor, limit int) (Page, error)
	mutate(ctx context.Context, conn *gorm.DB, owner string, rec Record, stamp func() int64) (MutateResult, error)
}

type plainStore[T any, P repo.EntityPtr[T]] struct{}

func (plainStore[T, P]) query(ctx context.Context, conn *gorm.DB, owner string, since int64, after *pagination.Cursor, limit int) (Page, error) {
	rows, err := repo.NewRecords[T, P](conn).ListUpdatedSince(ctx, owner, since, after, limit)
	if err != nil {
		return Page{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "query failed")
	}

	limit = pagination.NormalizeLimit(limit)
	var page Page
	if len(rows) > limit {
		rows = rows[:limit]
		last := P(&rows[limit-1]).Sync()
		page.NextCursor = pagination.EncodeCursor(pagination.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID})
	}
	page.Records = make([]Record, 0, len(rows))
	for i := range rows {
		rec, err := Encode[T, P](P(&rows[i]))
		if err != nil {
			return Page{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode failed")
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (plainStore[T, P]) mutate(ctx context.Context, conn *gorm.DB, owner string, rec Record, stamp func() int64) (MutateResult, error) {
	incoming, err := decodeIncoming[T, P](rec, owner)
	if err != nil {
		return MutateResult{}, err
	}

	var result MutateResult
	err = conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := repo.NewRecords[T, P](tx).FindByLocalUUID(ctx, rec.LocalUUID)
		if err != nil {
			return err
		}
		fields := incoming.Sync()

		if existing == nil {
			fields.UpdatedAt = stamp()
			fields.CreatedAt = fields.UpdatedAt
			if err := tx.Create(incoming).Error; err != nil {
				return err
			}
			result = MutateResult{ID: fields.ID, Applied: true}
			return nil
		}

		if models.Owner(existing) != owner {
			return pkgerrors.New(pkgerrors.CodeForbidden, "record belongs to another account")
		}
		current := existing.Sync()
		if !identity.Newer(fields.ClientUpdatedAt, current.ClientUpdatedAt) {
			result, err = kept[T, P](existing)
			return err
		}

		fields.ID = current.ID
		fields.CreatedAt = current.CreatedAt
		fields.UpdatedAt = stamp()
		if err := tx.Save(incoming).Error; err != nil {
			return err
		}
		result = MutateResult{ID: current.ID, Applied: true}
		return nil
	})
	if err != nil {
		return MutateResult{}, classify(err)
	}
	return result, nil
}

type keyedStore[T any, P dedup.KeyedPtr[T]] struct {
	plainStore[T, P]
}

func (keyedStore[T, P]) mutate(ctx context.Context, conn *gorm.DB, owner string, rec Record, stamp func() int64) (MutateResult, error) {
	incoming, err := decodeIncoming[T, P](rec, owner)
	if err != nil {
		return MutateResult{}, err
	}

	claimed, err := repo.NewRecords[T, P](conn).FindByLocalUUID(ctx, rec.LocalUUID)
	if err != nil {
		return MutateResult{}, classify(err)
	}
	if claimed != nil && models.Owner(claimed) != owner {
		return MutateResult{}, pkgerrors.New(pkgerrors.CodeForbidden, "record belongs to another account")
	}

	res, err := dedup.UpsertByKey(ctx, conn, owner, incoming.DedupKey(), incoming, dedup.WithStamp(stamp))
	if err != nil {
		return MutateResult{}, classify(err)
	}
	if res.Applied() {
		return MutateResult{ID: res.ID, Applied: true}, nil
	}

	var stored T
	if err := conn.WithContext(ctx).Take(&stored, res.ID).Error; err != nil {
		return MutateResult{}, classify(err)
	}
	return kept[T, P](P(&stored))
}

// decodeIncoming turns a pushed record into a row for owner. Receive-time
// columns are left for the write transaction to stamp.
func decodeIncoming[T any, P repo.EntityPtr[T]](rec Record, owner string) (P, error) {
	row, err := Decode[T, P](rec)
	if err != nil {
		return nil, err
	}
	fields := row.Sync()
	fields.ID = 0
	fields.UserID = &owner
	fields.CreatedAt = 0
	fields.UpdatedAt = 0
	if err := integrity.Check(row); err != nil {
		return nil, err
	}
	return row, nil
}

func kept[T any, P repo.EntityPtr[T]](stored P) (MutateResult, error) {
	current, err := Encode[T, P](stored)
	if err != nil {
		return MutateResult{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode failed")
	}
	return MutateResult{ID: stored.Sync().ID, Applied: false, Current: &current}, nil
}

func classify(err error) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	if db.IsUniqueViolation(err, "") {
		return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "record identity already in use")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store write failed")
}
