package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyaizen/habistat/internal/sync"
)

func setClientEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HABISTAT_APP_ENV", "dev")
	t.Setenv("HABISTAT_LOCAL_DRIVER", "sqlite")
	t.Setenv("HABISTAT_LOCAL_DSN", filepath.Join(t.TempDir(), "habistat.db"))
	t.Setenv("HABISTAT_DB_DSN", "")
	t.Setenv("HABISTAT_DB_HOST", "")
	t.Setenv("HABISTAT_SYNC_REMOTE_URL", "")
	t.Setenv("HABISTAT_SYNC_TOKEN", "")
	t.Setenv("HABISTAT_JWT_SECRET", "")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusOnFreshStore(t *testing.T) {
	setClientEnv(t)

	out, err := run(t, "status", "--json")
	require.NoError(t, err)

	var report sync.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Online)
	assert.Equal(t, sync.StateIdle, report.State)
	assert.Zero(t, report.Watermark)
}

func TestSyncWithoutCredentialIsOffline(t *testing.T) {
	setClientEnv(t)

	out, err := run(t, "sync", "--json")
	require.NoError(t, err)

	var summary sync.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, sync.StatusOffline, summary.Status)
}

func TestSyncWithCredentialButNoRemoteIsOffline(t *testing.T) {
	setClientEnv(t)
	t.Setenv("HABISTAT_JWT_SECRET", "secret")

	out, err := run(t, "sync", "--json", "--user", "user-1")
	require.NoError(t, err)

	var summary sync.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, sync.StatusOffline, summary.Status)
	assert.Empty(t, summary.Error)
}

func TestSyncUnknownEntityFails(t *testing.T) {
	setClientEnv(t)
	t.Setenv("HABISTAT_JWT_SECRET", "secret")

	_, err := run(t, "sync", "--entity", "orders", "--user", "user-1")
	require.Error(t, err)
}

func TestDedupeOnEmptyStore(t *testing.T) {
	setClientEnv(t)

	out, err := run(t, "dedupe")
	require.NoError(t, err)
	assert.Equal(t, "groups=0 removed=0 failed=0\n", out)
}
