package dedup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/ilyaizen/habistat/pkg/db"
	"github.com/ilyaizen/habistat/pkg/db/dbtest"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const day = "2026-03-01"

func activity(owner string, date string, openedAt, clientUpdatedAt int64) *models.ActivityHistory {
	row := &models.ActivityHistory{Date: date, OpenedAt: openedAt, OpenCount: 1}
	row.LocalUUID = uuid.NewString()
	row.ClientUpdatedAt = clientUpdatedAt
	if owner != "" {
		row.UserID = &owner
	}
	return row
}

func countActivity(t *testing.T, db *gorm.DB, owner, date string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&models.ActivityHistory{}).Where("user_id = ? AND date = ?", owner, date).Count(&count).Error)
	return count
}

func TestUpsertByKeyIgnoresOlderCandidate(t *testing.T) {
	db := dbtest.Open(t).DB()
	ctx := context.Background()

	first, err := UpsertByKey(ctx, db, "u1", day, activity("u1", day, 111, 2000))
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	second, err := UpsertByKey(ctx, db, "u1", day, activity("u1", day, 999, 1000))
	require.NoError(t, err)
	assert.False(t, second.Applied())
	assert.Equal(t, first.ID, second.ID)

	var stored models.ActivityHistory
	require.NoError(t, db.First(&stored, first.ID).Error)
	assert.Equal(t, int64(111), stored.OpenedAt)
	assert.Equal(t, int64(2000), stored.ClientUpdatedAt)
	assert.Equal(t, int64(1), countActivity(t, db, "u1", day))
}

func TestUpsertByKeyEqualTimestampIsNoOp(t *testing.T) {
	db := dbtest.Open(t).DB()
	ctx := context.Background()

	first, err := UpsertByKey(ctx, db, "u1", day, activity("u1", day, 111, 2000))
	require.NoError(t, err)
	again, err := UpsertByKey(ctx, db, "u1", day, activity("u1", day, 222, 2000))
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.False(t, again.Applied())
}

func TestUpsertByKeyOverwritesWithNewerCandidate(t *testing.T) {
	db := dbtest.Open(t).DB()
	ctx := context.Background()

	original := activity("u1", day, 111, 1000)
	first, err := UpsertByKey(ctx, db, "u1", day, original)
	require.NoError(t, err)

	newer := activity("u1", day, 555, 3000)
	second, err := UpsertByKey(ctx, db, "u1", day, newer)
	require.NoError(t, err)
	assert.True(t, second.Overwritten)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, original.LocalUUID, newer.LocalUUID, "the stored row keeps its correlation key")

	var stored models.ActivityHistory
	require.NoError(t, db.First(&stored, first.ID).Error)
	assert.Equal(t, int64(555), stored.OpenedAt)
	assert.Equal(t, int64(3000), stored.ClientUpdatedAt)
	assert.Equal(t, original.LocalUUID, stored.LocalUUID)
	assert.Equal(t, int64(1), countActivity(t, db, "u1", day))
}

// openFileStore returns a migrated on-disk SQLite store whose pool really
// hands out conns separate connections.
func openFileStore(t *testing.T, conns int) *gorm.DB {
	t.Helper()
	client, err := db.New(context.Background(), config.DBConfig{
		Driver:       config.DriverSQLite,
		DSN:          filepath.Join(t.TempDir(), "store.db"),
		MaxOpenConns: conns,
		MaxIdleConns: conns,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.DB().AutoMigrate(models.All()...))
	return client.DB()
}

func TestUpsertByKeyConcurrentWritersLeaveOneNewestRow(t *testing.T) {
	conn := openFileStore(t, 8)
	ctx := context.Background()

	const writers = 32
	results := make([]Result, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = UpsertByKey(ctx, conn, "u1", day, activity("u1", day, int64(i), int64(1000+i)))
		}(i)
	}
	wg.Wait()

	inserted := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i], "writer %d", i)
		if results[i].Inserted {
			inserted++
		}
		assert.Equal(t, results[0].ID, results[i].ID, "every writer sees the same row")
	}
	assert.Equal(t, 1, inserted)
	assert.Equal(t, int64(1), countActivity(t, conn, "u1", day))

	var stored models.ActivityHistory
	require.NoError(t, conn.Where("user_id = ? AND date = ?", "u1", day).Take(&stored).Error)
	assert.Equal(t, int64(1000+writers-1), stored.ClientUpdatedAt)
	assert.Equal(t, int64(writers-1), stored.OpenedAt)
}

func TestUpsertByKeyWithStampSetsWriteTime(t *testing.T) {
	conn := dbtest.Open(t).DB()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	stamp := func() int64 { return at }

	first := activity("u1", day, 111, 2000)
	first.UpdatedAt = 5
	res, err := UpsertByKey(ctx, conn, "u1", day, first, WithStamp(stamp))
	require.NoError(t, err)
	require.True(t, res.Inserted)

	at += 1000
	_, err = UpsertByKey(ctx, conn, "u1", day, activity("u1", day, 222, 3000), WithStamp(stamp))
	require.NoError(t, err)

	var stored models.ActivityHistory
	require.NoError(t, conn.First(&stored, res.ID).Error)
	assert.Equal(t, at, stored.UpdatedAt)
	assert.Equal(t, at-1000, stored.CreatedAt)
}

func TestUpsertByKeyKeepsOwnersApart(t *testing.T) {
	db := dbtest.Open(t).DB()
	ctx := context.Background()

	a, err := UpsertByKey(ctx, db, "u1", day, activity("", day, 1, 1000))
	require.NoError(t, err)
	b, err := UpsertByKey(ctx, db, "u2", day, activity("", day, 2, 1000))
	require.NoError(t, err)
	local, err := UpsertByKey(ctx, db, "", day, activity("", day, 3, 1000))
	require.NoError(t, err)

	assert.True(t, a.Inserted)
	assert.True(t, b.Inserted)
	assert.True(t, local.Inserted)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestUpsertByKeyRejectsMismatchedKey(t *testing.T) {
	db := dbtest.Open(t).DB()

	_, err := UpsertByKey(context.Background(), db, "u1", "2026-03-02", activity("u1", day, 1, 1000))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
}

func TestUpsertByKeyProfileIsKeyedByOwner(t *testing.T) {
	db := dbtest.Open(t).DB()
	ctx := context.Background()

	first := &models.UserProfile{DisplayName: "Ada", Timezone: "UTC"}
	first.LocalUUID = uuid.NewString()
	first.ClientUpdatedAt = 10
	res, err := UpsertByKey(ctx, db, "u1", "", first)
	require.NoError(t, err)

	second := &models.UserProfile{DisplayName: "Ada L.", Timezone: "UTC"}
	second.LocalUUID = uuid.NewString()
	second.ClientUpdatedAt = 20
	again, err := UpsertByKey(ctx, db, "u1", "", second)
	require.NoError(t, err)
	assert.Equal(t, res.ID, again.ID)

	var profiles []models.UserProfile
	require.NoError(t, db.Find(&profiles).Error)
	require.Len(t, profiles, 1)
	assert.Equal(t, "Ada L.", profiles[0].DisplayName)
}

func TestDedupeAllConvergesAndIsIdempotent(t *testing.T) {
	db := dbtest.Open(t).DB()
	ctx := context.Background()

	rows := []*models.ActivityHistory{
		activity("u1", day, 1, 1000),
		activity("u1", day, 3, 3000),
		activity("u1", day, 2, 2000),
		activity("u1", "2026-03-02", 9, 1000),
		activity("u2", day, 7, 500),
		activity("u2", day, 8, 600),
	}
	for _, row := range rows {
		require.NoError(t, db.Create(row).Error)
	}

	sweeper := NewSweeper(db, nil)
	report, err := sweeper.DedupeAll(ctx, AllOwners())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Groups)
	assert.Equal(t, int64(3), report.Removed)

	var survivor models.ActivityHistory
	require.NoError(t, db.Where("user_id = ? AND date = ?", "u1", day).Take(&survivor).Error)
	assert.Equal(t, int64(3), survivor.OpenedAt)
	assert.Equal(t, int64(3000), survivor.ClientUpdatedAt)
	assert.Equal(t, int64(1), countActivity(t, db, "u1", day))
	assert.Equal(t, int64(1), countActivity(t, db, "u2", day))
	assert.Equal(t, int64(1), countActivity(t, db, "u1", "2026-03-02"))

	again, err := sweeper.DedupeAll(ctx, AllOwners())
	require.NoError(t, err)
	assert.Equal(t, Report{}, again)
}

func TestDedupeTieBreaksOnLargerID(t *testing.T) {
	db := dbtest.Open(t).DB()

	older := activity("u1", day, 1, 1000)
	newer := activity("u1", day, 2, 1000)
	require.NoError(t, db.Create(older).Error)
	require.NoError(t, db.Create(newer).Error)
	require.Greater(t, newer.ID, older.ID)

	spec, ok := SpecFor(models.KindActivityHistory)
	require.True(t, ok)
	_, err := NewSweeper(db, nil).Dedupe(context.Background(), spec, AllOwners())
	require.NoError(t, err)

	var survivors []models.ActivityHistory
	require.NoError(t, db.Find(&survivors).Error)
	require.Len(t, survivors, 1)
	assert.Equal(t, newer.ID, survivors[0].ID)
}

func TestDedupeScopedToOneOwner(t *testing.T) {
	db := dbtest.Open(t).DB()

	for _, row := range []*models.ActivityHistory{
		activity("u1", day, 1, 1000),
		activity("u1", day, 2, 2000),
		activity("u2", day, 1, 1000),
		activity("u2", day, 2, 2000),
	} {
		require.NoError(t, db.Create(row).Error)
	}

	report, err := NewSweeper(db, nil).DedupeAll(context.Background(), ForOwner("u1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Removed)
	assert.Equal(t, int64(1), countActivity(t, db, "u1", day))
	assert.Equal(t, int64(2), countActivity(t, db, "u2", day))
}

func TestDedupeCollapsesLocalOnlyRows(t *testing.T) {
	db := dbtest.Open(t).DB()

	require.NoError(t, db.Create(activity("", day, 1, 1000)).Error)
	require.NoError(t, db.Create(activity("", day, 2, 2000)).Error)

	report, err := NewSweeper(db, nil).DedupeAll(context.Background(), ForOwner(""))
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Removed)

	var rows []models.ActivityHistory
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].OpenedAt)
}

func TestCurrentReturnsWinnerOrNil(t *testing.T) {
	db := dbtest.Open(t).DB()
	ctx := context.Background()

	none, err := Current[models.ActivityHistory](ctx, db, "u1", day)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, db.Create(activity("u1", day, 1, 1000)).Error)
	require.NoError(t, db.Create(activity("u1", day, 2, 5000)).Error)

	current, err := Current[models.ActivityHistory](ctx, db, "u1", day)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, int64(2), current.OpenedAt)
}
