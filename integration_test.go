// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ltscore/ltscore/internal/ltsserver"
)

// liveServer spins up a real internal/ltsserver.Server behind httptest,
// backed by its SQLite store, and returns a Config wired to it with a
// GetToken that mints a fresh bearer token per call.
func liveServer(t *testing.T) (*Config, func()) {
	t.Helper()
	store, err := ltsserver.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	auth := ltsserver.NewTokenAuth("integration-secret")
	srv := ltsserver.NewServer(store, auth, nil)
	ts := httptest.NewServer(srv.Handler())

	cfg := DefaultConfig("app1", ts.URL, func(context.Context) (string, error) {
		return auth.IssueToken("app1", time.Minute)
	})
	cfg.RegistrarBackoff = time.Millisecond
	cfg.EventReconnectDelay = 20 * time.Millisecond
	cfg.FullSyncRetryBackoff = time.Millisecond
	cfg.Entities = map[string]EntityMetadata{"items": NewEntityMetadata("items", []string{"id", "name", "lts"})}
	cfg.Migrations = []Migration{{
		Version: 1,
		Name:    "create_items",
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE items (id TEXT PRIMARY KEY, name TEXT, lts INTEGER, is_unsynced INTEGER NOT NULL DEFAULT 0)`)
			return err
		},
	}}

	return cfg, func() {
		ts.Close()
		store.Close()
	}
}

// countWhere polls-safely counts rows matching query; a scan error
// reports -1 so Eventually conditions simply keep waiting.
func countWhere(s *Store, query string) int {
	row, _ := s.GetOptional(context.Background(), query)
	var n int
	if err := row.Scan(&n); err != nil {
		return -1
	}
	return n
}

// TestIntegrationWriteFullSyncPullOnSecondClient exercises the
// fresh-install-then-write flow end to end against a real in-process
// server: client A writes a row and syncs it up, and client B (a second
// Orchestrator over a separate local database, same app) sees it after
// its own sync with is_unsynced cleared. Write fires a background sync
// of its own, so the explicit FullSync calls may be debounced into it;
// the assertions poll rather than assume a single cycle.
func TestIntegrationWriteFullSyncPullOnSecondClient(t *testing.T) {
	cfg, cleanup := liveServer(t)
	defer cleanup()
	ctx := context.Background()

	clientA := NewOrchestrator(cfg)
	require.NoError(t, clientA.Init(ctx, t.TempDir(), "user-a"))
	require.NoError(t, clientA.RegisterEntity(ctx, "items"))
	defer clientA.Shutdown()

	require.NoError(t, clientA.Write(ctx, "items", map[string]any{"id": "row-1", "name": "from-a"}))
	require.NoError(t, clientA.FullSync(ctx))

	require.Eventually(t, func() bool {
		return countWhere(clientA.store, `SELECT COUNT(*) FROM items WHERE id = 'row-1' AND is_unsynced = 0`) == 1
	}, 5*time.Second, 10*time.Millisecond, "row-1 must be clean on client A after its push lands")

	clientB := NewOrchestrator(cfg)
	require.NoError(t, clientB.Init(ctx, t.TempDir(), "user-b"))
	require.NoError(t, clientB.RegisterEntity(ctx, "items"))
	defer clientB.Shutdown()

	require.NoError(t, clientB.FullSync(ctx))

	require.Eventually(t, func() bool {
		return countWhere(clientB.store, `SELECT COUNT(*) FROM items WHERE id = 'row-1' AND name = 'from-a' AND is_unsynced = 0`) == 1
	}, 5*time.Second, 10*time.Millisecond, "client B must pull row-1 clean; pulled rows are never marked dirty")
}

// TestIntegrationDeleteReplicatesAsTombstoneAcrossClients: a delete on
// client A produces a tombstone that client B's pull applies, removing
// its local copy of the row.
func TestIntegrationDeleteReplicatesAsTombstoneAcrossClients(t *testing.T) {
	cfg, cleanup := liveServer(t)
	defer cleanup()
	ctx := context.Background()

	clientA := NewOrchestrator(cfg)
	require.NoError(t, clientA.Init(ctx, t.TempDir(), "user-a"))
	require.NoError(t, clientA.RegisterEntity(ctx, "items"))
	defer clientA.Shutdown()

	require.NoError(t, clientA.Write(ctx, "items", map[string]any{"id": "row-1", "name": "from-a"}))
	require.NoError(t, clientA.FullSync(ctx))

	clientB := NewOrchestrator(cfg)
	require.NoError(t, clientB.Init(ctx, t.TempDir(), "user-b"))
	require.NoError(t, clientB.RegisterEntity(ctx, "items"))
	defer clientB.Shutdown()
	require.NoError(t, clientB.FullSync(ctx))

	require.Eventually(t, func() bool {
		return countWhere(clientB.store, `SELECT COUNT(*) FROM items WHERE id = 'row-1'`) == 1
	}, 5*time.Second, 10*time.Millisecond, "client B must have pulled row-1 before it can observe its deletion")

	require.NoError(t, clientA.Delete(ctx, "items", "row-1"))
	require.NoError(t, clientA.FullSync(ctx))

	require.NoError(t, clientB.FullSync(ctx))
	require.Eventually(t, func() bool {
		return countWhere(clientB.store, `SELECT COUNT(*) FROM items WHERE id = 'row-1'`) == 0
	}, 5*time.Second, 10*time.Millisecond, "client B must delete its local copy on receiving the tombstone")
}
