// Package dbtest opens throwaway SQLite stores for tests.
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/ilyaizen/habistat/pkg/db"
	"github.com/ilyaizen/habistat/pkg/db/models"
	"github.com/stretchr/testify/require"
)

// Open returns a migrated in-memory store private to the calling test. The pool
// is pinned to one connection, the same shape the client runs with.
func Open(t testing.TB) *db.Client {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	client, err := db.New(context.Background(), config.LocalStoreConfig{Driver: config.DriverSQLite, DSN: dsn}.DBConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.DB().AutoMigrate(models.All()...))
	return client
}
