package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/relayspace/internal/config"
	"github.com/agentworkforce/relayspace/internal/relayspace"
)

func testConfig(t *testing.T, dir string) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.DataDir = dir
	cfg.FilesDir = filepath.Join(dir, "files")
	cfg.StateDSN = "file://" + filepath.Join(dir, "database.json")
	cfg.PasswordCost = bcrypt.MinCost
	cfg.IdleSleep = time.Millisecond
	return cfg
}

func start(t *testing.T, cfg config.Config) (*App, context.CancelFunc, <-chan error) {
	t.Helper()
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("run ended early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("app never became ready")
	}
	return a, cancel, done
}

func wait(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("app did not stop")
	}
}

func TestTriggerFileBacksUpAndStops(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	a, cancel, done := start(t, cfg)
	defer cancel()

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	conn, _, err := websocket.Dial(ctx, "ws://"+a.Addr().String()+"/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"num": 1, "request": "create-account", "parameters": ["alice", "pw-alice"]}`)))
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, "valid-username", reply["reply"])

	require.NoError(t, os.WriteFile(filepath.Join(dir, relayspace.TriggerFileName), nil, 0o644))
	wait(t, done)
	require.NoError(t, a.Close())

	_, err = os.Stat(filepath.Join(dir, "database.json"))
	require.NoError(t, err, "triggered backup writes the snapshot")

	restored, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer restored.Close()
	id, err := restored.DB.WhoIs("alice")
	require.NoError(t, err)
	assert.Equal(t, relayspace.UserID(0), id)
}

func TestCancelTakesFinalSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	a, cancel, done := start(t, cfg)
	_, err := a.DB.CreateAccount("bob", "pw-bob")
	require.NoError(t, err)

	cancel()
	wait(t, done)
	require.NoError(t, a.Close())

	restored, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer restored.Close()
	_, err = restored.DB.WhoIs("bob")
	assert.NoError(t, err)
}

func TestDataDirectoryIsExclusive(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	first, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer first.Close()

	_, err = New(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, relayspace.ErrInvalidState))
}

func TestStatsReportCounts(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.StateDSN = "memory://"
	cfg.Workers = 3
	a, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	user, err := a.DB.CreateAccount("carol", "pw-carol")
	require.NoError(t, err)
	_, err = a.DB.CreateEntity(user, relayspace.KindDocument, "notes")
	require.NoError(t, err)

	stats := a.stats()
	assert.Equal(t, 1, stats["users"])
	assert.Equal(t, 1, stats["documents"])
	assert.Equal(t, 1, stats["tasks_live"], "the backup job is the only task")
	assert.Equal(t, 3, stats["workers"])
}
