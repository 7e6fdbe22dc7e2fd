// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltsserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the Postgres-backed Store (pgx/v5/pgxpool). Schema mirrors
// SQLiteStore's (server_rows/server_watermarks) so the two
// implementations stay interchangeable behind the Store interface; row
// locking uses SELECT ... FOR UPDATE on the watermark row instead of
// SQLiteStore's mutex, since pgxpool connections are genuinely
// concurrent.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to Postgres at dsn and ensures the reference
// server's schema exists.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS server_rows (
			app_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			id     TEXT NOT NULL,
			lts    BIGINT NOT NULL,
			data   JSONB NOT NULL,
			PRIMARY KEY (app_id, entity, id)
		)`,
		`CREATE INDEX IF NOT EXISTS server_rows_by_lts ON server_rows (app_id, entity, lts)`,
		`CREATE TABLE IF NOT EXISTS server_watermarks (
			app_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			lts    BIGINT NOT NULL,
			PRIMARY KEY (app_id, entity)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init ltsserver postgres schema: %w", err)
		}
	}
	return nil
}

func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) LatestLTS(ctx context.Context, appID, entity string) (int64, bool, error) {
	var lts int64
	err := s.pool.QueryRow(ctx,
		`SELECT lts FROM server_watermarks WHERE app_id = $1 AND entity = $2`, appID, entity).Scan(&lts)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("latest lts: %w", err)
	}
	return lts, true, nil
}

func (s *PGStore) FetchPage(ctx context.Context, appID, entity string, afterLTS int64, pageSize int) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM server_rows WHERE app_id = $1 AND entity = $2 AND lts > $3 ORDER BY lts ASC LIMIT $4`,
		appID, entity, afterLTS, pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var row map[string]any
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PGStore) PushRows(ctx context.Context, appID, entity string, rows []map[string]any) ([]RowResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("push rows: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var watermark int64
	err = tx.QueryRow(ctx,
		`SELECT lts FROM server_watermarks WHERE app_id = $1 AND entity = $2 FOR UPDATE`, appID, entity).Scan(&watermark)
	if err != nil && err != pgx.ErrNoRows {
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO server_rows (app_id, entity, id, lts, data) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (app_id, entity, id) DO UPDATE SET lts = excluded.lts, data = excluded.data`,
			appID, entity, id, watermark, encoded); err != nil {
			return nil, fmt.Errorf("push rows: upsert: %w", err)
		}

		lts := watermark
		results = append(results, RowResult{ID: id, Status: "accepted", LTS: &lts})
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO server_watermarks (app_id, entity, lts) VALUES ($1, $2, $3)
		 ON CONFLICT (app_id, entity) DO UPDATE SET lts = excluded.lts`,
		appID, entity, watermark); err != nil {
		return nil, fmt.Errorf("push rows: advance watermark: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("push rows: commit: %w", err)
	}
	return results, nil
}
