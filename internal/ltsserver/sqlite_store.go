// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltsserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the fast, dependency-free Store used by this module's
// own integration tests (PGStore is the deployment path). Rows are
// stored as opaque JSON blobs keyed by (app_id, entity, id); the lts
// sequence is per (app_id, entity), kept monotone by storeMu (SQLite
// has no SELECT ... FOR UPDATE, so the mutex plays that role here).
type SQLiteStore struct {
	db *sql.DB

	storeMu sync.Mutex
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed Store at
// path. Pass ":memory:" for ephemeral test databases.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ltsserver sqlite store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_rows (
			app_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			id     TEXT NOT NULL,
			lts    INTEGER NOT NULL,
			data   TEXT NOT NULL,
			PRIMARY KEY (app_id, entity, id)
		)`,
		`CREATE INDEX IF NOT EXISTS server_rows_by_lts ON server_rows (app_id, entity, lts)`,
		`CREATE TABLE IF NOT EXISTS server_watermarks (
			app_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			lts    INTEGER NOT NULL,
			PRIMARY KEY (app_id, entity)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init ltsserver schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) LatestLTS(ctx context.Context, appID, entity string) (int64, bool, error) {
	var lts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT lts FROM server_watermarks WHERE app_id = ? AND entity = ?`, appID, entity).Scan(&lts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest lts: %w", err)
	}
	return lts, true, nil
}

func (s *SQLiteStore) FetchPage(ctx context.Context, appID, entity string, afterLTS int64, pageSize int) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM server_rows WHERE app_id = ? AND entity = ? AND lts > ? ORDER BY lts ASC LIMIT ?`,
		appID, entity, afterLTS, pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PushRows(ctx context.Context, appID, entity string, rows []map[string]any) ([]RowResult, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("push rows: begin: %w", err)
	}
	defer tx.Rollback()

	var watermark int64
	err = tx.QueryRowContext(ctx, `SELECT lts FROM server_watermarks WHERE app_id = ? AND entity = ?`, appID, entity).Scan(&watermark)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("push rows: load watermark: %w", err)
	}

	results := make([]RowResult, 0, len(rows))
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			results = append(results, RowResult{ID: id, Status: "rejected", Reason: "missing id"})
			continue
		}
		watermark++
		stamped := make(map[string]any, len(row)+1)
		for k, v := range row {
			stamped[k] = v
		}
		stamped["lts"] = watermark

		encoded, err := json.Marshal(stamped)
		if err != nil {
			return nil, fmt.Errorf("push rows: encode: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO server_rows (app_id, entity, id, lts, data) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(app_id, entity, id) DO UPDATE SET lts = excluded.lts, data = excluded.data`,
			appID, entity, id, watermark, string(encoded)); err != nil {
			return nil, fmt.Errorf("push rows: upsert: %w", err)
		}

		lts := watermark
		results = append(results, RowResult{ID: id, Status: "accepted", LTS: &lts})
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO server_watermarks (app_id, entity, lts) VALUES (?, ?, ?)
		 ON CONFLICT(app_id, entity) DO UPDATE SET lts = excluded.lts`,
		appID, entity, watermark); err != nil {
		return nil, fmt.Errorf("push rows: advance watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("push rows: commit: %w", err)
	}
	return results, nil
}
