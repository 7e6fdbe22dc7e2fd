// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, runMigrations(context.Background(), store.db, nil))
	_, err = store.Execute(context.Background(), `CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT, lts INTEGER, is_unsynced INTEGER NOT NULL DEFAULT 0)`)
	require.NoError(t, err)
	return store
}

func TestStoreExecuteAndGetOptional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Execute(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, "w1", "gear")
	require.NoError(t, err)

	row, err := store.GetOptional(ctx, `SELECT name FROM widgets WHERE id = ?`, "w1")
	require.NoError(t, err)
	var name string
	require.NoError(t, row.Scan(&name))
	require.Equal(t, "gear", name)
}

func TestStoreExecuteBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.ExecuteBatch(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, [][]any{
		{"w1", "gear"},
		{"w2", "cog"},
	})
	require.NoError(t, err)

	rows, err := store.GetAll(ctx, `SELECT id FROM widgets ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		ids = append(ids, id)
	}
	require.Equal(t, []string{"w1", "w2"}, ids)
}

func TestWriteTransactionRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := context.Canceled

	err := store.WriteTransaction(ctx, []string{"widgets"}, func(tx *Tx) error {
		if _, err := tx.Execute(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, "w1", "gear"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	row, err := store.GetOptional(ctx, `SELECT COUNT(*) FROM widgets`)
	require.NoError(t, err)
	var n int
	require.NoError(t, row.Scan(&n))
	require.Equal(t, 0, n, "rolled-back insert must not be visible")
}

func TestWatchEmitsOnMutation(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := store.Watch(ctx, `SELECT COUNT(*) AS n FROM widgets`, []string{"widgets"})
	require.NoError(t, err)

	first := <-out
	require.True(t, first.Next())
	var n int
	require.NoError(t, first.Scan(&n))
	require.Equal(t, 0, n)
	first.Close()

	require.NoError(t, store.WriteTransaction(ctx, []string{"widgets"}, func(tx *Tx) error {
		_, err := tx.Execute(ctx, `INSERT INTO widgets (id, name) VALUES (?, ?)`, "w1", "gear")
		return err
	}))

	second := <-out
	require.True(t, second.Next())
	require.NoError(t, second.Scan(&n))
	require.Equal(t, 1, n)
	second.Close()
}
