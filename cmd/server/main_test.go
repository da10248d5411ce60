package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rpggio/qcflow/internal/domain/qcstep"
	"github.com/rpggio/qcflow/internal/events"
	"github.com/rpggio/qcflow/internal/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	if configPath != "" {
		args = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// writeConfig writes a config file whose database lives in a temp dir and
// returns the config and database paths.
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "qcflow.db")
	content := "db:\n  path: " + dbPath + "\n" + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dbPath
}

func TestConfigValidate(t *testing.T) {
	path, dbPath := writeConfig(t, "")

	out, _, err := runCLI(t, path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
	assert.Contains(t, out, "Database: "+dbPath)
}

func TestConfigValidate_RejectsBadValues(t *testing.T) {
	path, _ := writeConfig(t, "transport:\n  mode: carrier-pigeon\n")

	_, _, err := runCLI(t, path, "config", "validate")
	require.Error(t, err)
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	path, _ := writeConfig(t, `auth:
  enabled: true
  tokens:
    s3cret-token: dock-a
redis:
  addr: localhost:6379
  password: hunter2
`)

	out, _, err := runCLI(t, path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "dock-a")
	assert.NotContains(t, out, "s3cret-token")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, redacted)
}

func TestMigrateAndStatus(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, _, err := runCLI(t, path, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 3")

	out, _, err = runCLI(t, path, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "yes")
}

func TestStatus(t *testing.T) {
	path, dbPath := writeConfig(t, "")
	ctx := context.Background()

	db, err := sqlite.Open(ctx, dbPath)
	require.NoError(t, err)
	store := sqlite.NewStore(db)
	now := time.Now().UTC()

	sess, err := store.OpenSession(ctx, "alice", "Inspection", now.Add(-10*time.Minute))
	require.NoError(t, err)
	_, err = store.StartQCStep(ctx, qcstep.StartRecord{
		SessionID:        sess.ID,
		Key:              "ITEM-42",
		Priority:         qcstep.PriorityNormal,
		EstimatedMinutes: 15,
		CreatorID:        "alice",
		StartedAt:        now.Add(-5 * time.Minute),
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, _, err := runCLI(t, path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Active sessions (1)")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "Live QC steps (1)")
	assert.Contains(t, out, "ITEM-42")
}

func TestStatus_Empty(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, _, err := runCLI(t, path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No active sessions")
	assert.Contains(t, out, "No live QC steps")
}

func TestWatch_RequiresRedis(t *testing.T) {
	path, _ := writeConfig(t, "")

	_, _, err := runCLI(t, path, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.addr")
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(events.Event{
		Type:            events.StepCompleted,
		At:              time.Date(2026, 3, 2, 8, 15, 0, 0, time.Local),
		UserID:          "alice",
		Key:             "ITEM-1",
		DurationMinutes: 15,
	})
	assert.Contains(t, line, "08:15:00")
	assert.Contains(t, line, string(events.StepCompleted))
	assert.Contains(t, line, "user=alice")
	assert.Contains(t, line, "key=ITEM-1")
	assert.Contains(t, line, "duration=15m")
	assert.NotContains(t, line, "reason=")
}

func TestAcquireLock(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "qcflow.db")

	lock, err := acquireLock(dbPath)
	require.NoError(t, err)
	require.NotNil(t, lock)
	defer lock.Unlock()

	_, err = acquireLock(dbPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already using")

	none, err := acquireLock(":memory:")
	require.NoError(t, err)
	assert.Nil(t, none)
}
