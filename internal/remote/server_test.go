package remote

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ilyaizen/habistat/pkg/db/dbtest"
	"github.com/ilyaizen/habistat/pkg/db/models"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serverClock struct{ at time.Time }

func (c *serverClock) now() time.Time { return c.at }

func newTestServer(t *testing.T) (*Server, *serverClock) {
	t.Helper()
	clock := &serverClock{at: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewServer(dbtest.Open(t).DB()).WithClock(clock.now), clock
}

func calendarRecord(t *testing.T, localUUID, name string, clientUpdatedAt int64) Record {
	t.Helper()
	cal := &models.Calendar{Name: name, IsEnabled: true}
	cal.LocalUUID = localUUID
	cal.ClientUpdatedAt = clientUpdatedAt
	rec, err := Encode[models.Calendar](cal)
	require.NoError(t, err)
	return rec
}

func activityRecord(t *testing.T, date string, openedAt, clientUpdatedAt int64) Record {
	t.Helper()
	row := &models.ActivityHistory{Date: date, OpenedAt: openedAt, OpenCount: 1}
	row.LocalUUID = uuid.NewString()
	row.ClientUpdatedAt = clientUpdatedAt
	rec, err := Encode[models.ActivityHistory](row)
	require.NoError(t, err)
	return rec
}

func TestServerMutateInsertsThenAppliesLWW(t *testing.T) {
	server, clock := newTestServer(t)
	ctx := context.Background()
	id := uuid.NewString()

	first, err := server.Mutate(ctx, "u1", models.KindCalendars, calendarRecord(t, id, "v1", 1000))
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.NotZero(t, first.ID)

	clock.at = clock.at.Add(time.Second)
	stale, err := server.Mutate(ctx, "u1", models.KindCalendars, calendarRecord(t, id, "stale", 900))
	require.NoError(t, err)
	assert.False(t, stale.Applied)
	assert.Equal(t, first.ID, stale.ID)
	require.NotNil(t, stale.Current)
	assert.Equal(t, int64(1000), stale.Current.ClientUpdatedAt)

	tie, err := server.Mutate(ctx, "u1", models.KindCalendars, calendarRecord(t, id, "tie", 1000))
	require.NoError(t, err)
	assert.False(t, tie.Applied, "equal timestamps keep the stored row")

	newer, err := server.Mutate(ctx, "u1", models.KindCalendars, calendarRecord(t, id, "v2", 2000))
	require.NoError(t, err)
	assert.True(t, newer.Applied)
	assert.Equal(t, first.ID, newer.ID)

	page, err := server.Query(ctx, "u1", models.KindCalendars, Filter{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	decoded, err := Decode[models.Calendar](page.Records[0])
	require.NoError(t, err)
	assert.Equal(t, "v2", decoded.Name)
	assert.Equal(t, clock.at.UnixMilli(), decoded.UpdatedAt, "updatedAt is the server receive time")
}

func TestServerMutateRejectsForeignRows(t *testing.T) {
	server, _ := newTestServer(t)
	ctx := context.Background()
	id := uuid.NewString()

	_, err := server.Mutate(ctx, "u1", models.KindCalendars, calendarRecord(t, id, "mine", 1000))
	require.NoError(t, err)

	_, err = server.Mutate(ctx, "u2", models.KindCalendars, calendarRecord(t, id, "theirs", 5000))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.CodeOf(err))

	rec := calendarRecord(t, uuid.NewString(), "spoofed", 1000)
	other := "u1"
	rec.UserID = &other
	_, err = server.Mutate(ctx, "u2", models.KindCalendars, rec)
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.CodeOf(err))
}

func TestServerMutateRejectsMalformedRecords(t *testing.T) {
	server, _ := newTestServer(t)

	_, err := server.Mutate(context.Background(), "u1", models.KindCalendars, calendarRecord(t, "not-a-uuid", "x", 1000))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeIntegrity, pkgerrors.CodeOf(err))

	_, err = server.Mutate(context.Background(), "u1", models.Kind("streaks"), Record{})
	assert.Equal(t, pkgerrors.CodeNotFound, pkgerrors.CodeOf(err))
}

func TestServerKeyedMutateCollapsesDevices(t *testing.T) {
	server, _ := newTestServer(t)
	ctx := context.Background()

	laptop, err := server.Mutate(ctx, "u1", models.KindActivityHistory, activityRecord(t, "2026-03-01", 10, 1000))
	require.NoError(t, err)
	phone, err := server.Mutate(ctx, "u1", models.KindActivityHistory, activityRecord(t, "2026-03-01", 20, 2000))
	require.NoError(t, err)
	assert.True(t, phone.Applied)
	assert.Equal(t, laptop.ID, phone.ID)

	late, err := server.Mutate(ctx, "u1", models.KindActivityHistory, activityRecord(t, "2026-03-01", 5, 1500))
	require.NoError(t, err)
	assert.False(t, late.Applied)
	require.NotNil(t, late.Current)
	current, err := Decode[models.ActivityHistory](*late.Current)
	require.NoError(t, err)
	assert.Equal(t, int64(20), current.OpenedAt)

	page, err := server.Query(ctx, "u1", models.KindActivityHistory, Filter{})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
}

func TestServerQueryPagesAndFiltersByReceiveTime(t *testing.T) {
	server, clock := newTestServer(t)
	ctx := context.Background()

	start := clock.at
	for i := 0; i < 5; i++ {
		clock.at = start.Add(time.Duration(i) * time.Second)
		_, err := server.Mutate(ctx, "u1", models.KindCalendars, calendarRecord(t, uuid.NewString(), "c", 1000))
		require.NoError(t, err)
	}

	since := start.UnixMilli()
	first, err := server.Query(ctx, "u1", models.KindCalendars, Filter{UpdatedSince: since, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, first.Records, 3)
	require.NotEmpty(t, first.NextCursor)

	second, err := server.Query(ctx, "u1", models.KindCalendars, Filter{UpdatedSince: since, Limit: 3, Cursor: first.NextCursor})
	require.NoError(t, err)
	assert.Len(t, second.Records, 1)
	assert.Empty(t, second.NextCursor)

	_, err = server.Query(ctx, "u1", models.KindCalendars, Filter{Cursor: "!!"})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	other, err := server.Query(ctx, "u2", models.KindCalendars, Filter{})
	require.NoError(t, err)
	assert.Empty(t, other.Records)
}

func TestServerQueryReportsSettledServerTime(t *testing.T) {
	server, clock := newTestServer(t)
	ctx := context.Background()

	_, err := server.Mutate(ctx, "u1", models.KindCalendars, calendarRecord(t, uuid.NewString(), "early", 1000))
	require.NoError(t, err)
	clock.at = clock.at.Add(time.Second)

	page, err := server.Query(ctx, "u1", models.KindCalendars, Filter{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, clock.at.UnixMilli()-DefaultWriteSettle.Milliseconds(), page.ServerTime)

	// A write inside the settle window is still newer than the reported time.
	again, err := server.Query(ctx, "u1", models.KindCalendars, Filter{UpdatedSince: page.ServerTime})
	require.NoError(t, err)
	assert.Len(t, again.Records, 1)

	clock.at = clock.at.Add(DefaultWriteSettle)
	settled, err := server.Query(ctx, "u1", models.KindCalendars, Filter{})
	require.NoError(t, err)
	after, err := server.Query(ctx, "u1", models.KindCalendars, Filter{UpdatedSince: settled.ServerTime})
	require.NoError(t, err)
	assert.Empty(t, after.Records)

	immediate, err := server.WithWriteSettle(0).Query(ctx, "u1", models.KindCalendars, Filter{})
	require.NoError(t, err)
	assert.Equal(t, clock.at.UnixMilli(), immediate.ServerTime)
}

func TestServerMutateIgnoresClientTimestamps(t *testing.T) {
	server, clock := newTestServer(t)
	ctx := context.Background()

	cal := &models.Calendar{Name: "skewed", IsEnabled: true}
	cal.LocalUUID = uuid.NewString()
	cal.ClientUpdatedAt = 1000
	cal.CreatedAt = clock.at.Add(time.Hour).UnixMilli()
	cal.UpdatedAt = clock.at.Add(time.Hour).UnixMilli()
	rec, err := Encode[models.Calendar](cal)
	require.NoError(t, err)
	_, err = server.Mutate(ctx, "u1", models.KindCalendars, rec)
	require.NoError(t, err)

	page, err := server.Query(ctx, "u1", models.KindCalendars, Filter{})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	decoded, err := Decode[models.Calendar](page.Records[0])
	require.NoError(t, err)
	assert.Equal(t, clock.at.UnixMilli(), decoded.UpdatedAt)
	assert.Equal(t, clock.at.UnixMilli(), decoded.CreatedAt)
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	_, err := Decode[models.Habit](Record{LocalUUID: uuid.NewString(), Payload: []byte(`{"name": 7}`)})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeIntegrity, pkgerrors.CodeOf(err))
}
