package sync

import (
	"context"
	"fmt"

	"github.com/ilyaizen/habistat/internal/dedup"
	"github.com/ilyaizen/habistat/internal/identity"
	"github.com/ilyaizen/habistat/internal/integrity"
	"github.com/ilyaizen/habistat/internal/remote"
	"github.com/ilyaizen/habistat/internal/repo"
	"github.com/ilyaizen/habistat/pkg/db/models"
	"gorm.io/gorm"
)

// mergeOutcome says what merging one incoming record did to the local store.
type mergeOutcome struct {
	applied  bool
	conflict bool
}

// pending is a dirty local row ready to push.
type pending struct {
	id              int64
	clientUpdatedAt int64
	owner           string
	record          remote.Record
}

// entitySyncer is the per-kind half of the service: it knows the Go type
// behind a kind, the service knows the protocol.
type entitySyncer interface {
	kind() models.Kind
	merge(ctx context.Context, local *gorm.DB, rec remote.Record, now int64) (mergeOutcome, error)
	dirty(ctx context.Context, local *gorm.DB, limit int) ([]pending, error)
	markPushed(ctx context.Context, local *gorm.DB, p pending, remoteID int64) (bool, error)
}

func defaultEntities() map[models.Kind]entitySyncer {
	return map[models.Kind]entitySyncer{
		models.KindCalendars:       table[models.Calendar, *models.Calendar]{},
		models.KindHabits:          table[models.Habit, *models.Habit]{},
		models.KindCompletions:     table[models.Completion, *models.Completion]{},
		models.KindActiveTimers:    table[models.ActiveTimer, *models.ActiveTimer]{},
		models.KindActivityHistory: keyedTable[models.ActivityHistory, *models.ActivityHistory]{},
		models.KindUserProfile:     keyedTable[models.UserProfile, *models.UserProfile]{},
	}
}

// table syncs kinds whose only identity is LocalUUID.
type table[T any, P repo.EntityPtr[T]] struct{}

func (table[T, P]) kind() models.Kind {
	var zero T
	return P(&zero).Kind()
}

// incoming decodes and validates a pulled record into a row ready to store
// locally: clean, linked to its remote ID, stamped with the local write time.
func incoming[T any, P repo.EntityPtr[T]](rec remote.Record, now int64) (P, error) {
	row, err := remote.Decode[T, P](rec)
	if err != nil {
		return nil, err
	}
	if err := integrity.Check(row); err != nil {
		return nil, err
	}
	fields := row.Sync()
	remoteID := rec.ID
	fields.RemoteID = &remoteID
	fields.ID = 0
	fields.Dirty = false
	fields.UpdatedAt = now
	if fields.CreatedAt == 0 {
		fields.CreatedAt = now
	}
	return row, nil
}

// merge applies last-write-wins by LocalUUID. The incoming version replaces
// the local one only when strictly newer; on equal timestamps the local row stays.
func (t table[T, P]) merge(ctx context.Context, local *gorm.DB, rec remote.Record, now int64) (mergeOutcome, error) {
	row, err := incoming[T, P](rec, now)
	if err != nil {
		return mergeOutcome{}, err
	}

	records := repo.NewRecords[T, P](local)
	existing, err := records.FindByLocalUUID(ctx, rec.LocalUUID)
	if err != nil {
		return mergeOutcome{}, err
	}
	if existing == nil {
		if err := records.Put(ctx, row); err != nil {
			return mergeOutcome{}, err
		}
		return mergeOutcome{applied: true}, nil
	}

	current := existing.Sync()
	outcome := mergeOutcome{conflict: current.Dirty}
	if !identity.Newer(row.Sync().ClientUpdatedAt, current.ClientUpdatedAt) {
		return outcome, nil
	}

	fields := row.Sync()
	fields.ID = current.ID
	fields.CreatedAt = current.CreatedAt
	if err := records.Put(ctx, row); err != nil {
		return mergeOutcome{}, err
	}
	outcome.applied = true
	return outcome, nil
}

func (t table[T, P]) dirty(ctx context.Context, local *gorm.DB, limit int) ([]pending, error) {
	rows, err := repo.NewRecords[T, P](local).ListDirty(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]pending, 0, len(rows))
	for i := range rows {
		row := P(&rows[i])
		rec, err := remote.Encode[T, P](row)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", t.kind(), row.Sync().LocalUUID, err)
		}
		fields := row.Sync()
		rec.ID = 0
		if fields.RemoteID != nil {
			rec.ID = *fields.RemoteID
		}
		out = append(out, pending{
			id:              fields.ID,
			clientUpdatedAt: fields.ClientUpdatedAt,
			owner:           models.Owner(row),
			record:          rec,
		})
	}
	return out, nil
}

func (table[T, P]) markPushed(ctx context.Context, local *gorm.DB, p pending, remoteID int64) (bool, error) {
	return repo.NewRecords[T, P](local).MarkPushed(ctx, p.id, p.clientUpdatedAt, remoteID)
}

// keyedTable syncs kinds with a business key. Incoming rows are merged by
// (owner, key) so a row created independently on another device lands on the
// local row for the same key instead of beside it.
type keyedTable[T any, P dedup.KeyedPtr[T]] struct {
	table[T, P]
}

func (keyedTable[T, P]) merge(ctx context.Context, local *gorm.DB, rec remote.Record, now int64) (mergeOutcome, error) {
	row, err := incoming[T, P](rec, now)
	if err != nil {
		return mergeOutcome{}, err
	}
	owner := models.Owner(row)
	key := row.DedupKey()

	current, err := dedup.Current[T, P](ctx, local, owner, key)
	if err != nil {
		return mergeOutcome{}, err
	}
	outcome := mergeOutcome{conflict: current != nil && current.Sync().Dirty}

	res, err := dedup.UpsertByKey(ctx, local, owner, key, row)
	if err != nil {
		return mergeOutcome{}, err
	}
	outcome.applied = res.Applied()
	return outcome, nil
}
