// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
)

// PushEngine is the batched uploader of locally dirty rows: select a
// window of dirty rows, POST it, verify the window is unchanged before
// applying the server's per-row verdicts.
type PushEngine struct {
	store     *Store
	transport *transportClient
	cfg       *Config
}

func newPushEngine(store *Store, transport *transportClient, cfg *Config) *PushEngine {
	return &PushEngine{store: store, transport: transport, cfg: cfg}
}

// PushOnce drains dirty rows across every entity in entities; the
// tombstone entity is pushed exactly like any other entity (a tombstone
// row is just another dirty row, in "archive"). A transport-level
// failure on one entity sets a retry flag, and once the pass over all
// entities finishes, a set flag restarts the whole pass from scratch
// after a Config.FullSyncRetryBackoff cooldown. The retry loop is
// bounded only by ctx cancellation; the orchestrator cancels it at
// shutdown.
func (p *PushEngine) PushOnce(ctx context.Context, entities []string) error {
	for {
		retry := false
		for _, entity := range entities {
			if err := ctx.Err(); err != nil {
				return err
			}
			totalStart := stageStart(p.cfg)
			again, err := p.pushEntity(ctx, entity)
			observeStage(ctx, p.cfg, MetricsOpPush, entity, MetricsStageTotal, totalStart, 0, err != nil)
			if err != nil {
				p.cfg.logger().Error("push failed for entity, continuing with next", "entity", entity, "error", err)
			}
			if again {
				retry = true
			}
		}
		if !retry {
			return nil
		}
		p.cfg.logger().Debug("push pass had retryable failures, restarting after cooldown",
			"backoff", p.cfg.FullSyncRetryBackoff)
		if err := sleepWithContext(ctx, p.cfg.FullSyncRetryBackoff); err != nil {
			return err
		}
	}
}

// pushEntity drains one entity's dirty rows. retry reports a
// transport-level failure (connection error, non-200, undecodable
// response) that the caller's outer loop should re-run the whole pass
// for; other errors are terminal for this pass.
func (p *PushEngine) pushEntity(ctx context.Context, entity string) (retry bool, err error) {
	meta := p.entityMetadata(entity)
	if len(meta.Columns) == 0 {
		return false, fmt.Errorf("no entity metadata registered for %s", entity)
	}
	table := entityTableName(entity)

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		window, err := selectDirtyWindow(ctx, p.store, table, meta, p.cfg.BatchSize, offset)
		if err != nil {
			return false, fmt.Errorf("push %s: select dirty window: %w", entity, err)
		}
		if len(window) == 0 {
			return false, nil
		}

		pushStart := stageStart(p.cfg)
		results, err := p.transport.pushRows(ctx, entity, window)
		observeStage(ctx, p.cfg, MetricsOpPush, entity, MetricsStageFetch, pushStart, len(window), err != nil)
		if err != nil {
			return true, fmt.Errorf("push %s: %w", entity, err)
		}

		applyStart := stageStart(p.cfg)
		err = p.applyResults(ctx, table, meta, offset, window, results)
		observeStage(ctx, p.cfg, MetricsOpPush, entity, MetricsStageApply, applyStart, len(window), err != nil)
		if err != nil {
			if errIsRetryConflict(err) {
				// Mid-flight dirty set changed: not an error, a planned
				// branch. Re-read from the same offset next time around.
				p.cfg.logger().Debug("push batch abandoned: dirty set mutated mid-flight", "entity", entity, "offset", offset)
				continue
			}
			return false, fmt.Errorf("push %s: apply results: %w", entity, err)
		}

		// Rows whose verdict landed left the dirty set, shrinking the
		// result of the next dirty-window select, so advancing the
		// offset can step past rows that slid into this window's range.
		// Anything skipped stays dirty and drains on the next cycle
		// (the server's push echo retriggers one).
		offset += p.cfg.BatchSize
		if len(window) < p.cfg.BatchSize {
			return false, nil
		}
	}
}

func (p *PushEngine) entityMetadata(entity string) EntityMetadata {
	if entity == TombstoneEntity {
		return tombstoneMetadata
	}
	return p.cfg.Entities[entity]
}

var errRetryConflict = fmt.Errorf("ltscore: dirty set mutated mid-flight")

func errIsRetryConflict(err error) bool {
	return err == errRetryConflict
}

// selectDirtyWindow projects the B-sized window of dirty rows ordered by
// id, the same window verification re-reads against later.
func selectDirtyWindow(ctx context.Context, store *Store, table string, meta EntityMetadata, limit, offset int) ([]map[string]any, error) {
	query := fmt.Sprintf(`SELECT %s FROM "%s" WHERE is_unsynced = 1 ORDER BY id LIMIT ? OFFSET ?`, meta.ColumnsJoined, table)
	rows, err := store.GetAll(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRowsAsMaps(rows, meta.Columns)
}

// selectDirtyWindowTx is selectDirtyWindow run inside the verification
// transaction, against the same WHERE/ORDER/LIMIT/OFFSET.
func selectDirtyWindowTx(ctx context.Context, tx *Tx, table string, meta EntityMetadata, limit, offset int) ([]map[string]any, error) {
	query := fmt.Sprintf(`SELECT %s FROM "%s" WHERE is_unsynced = 1 ORDER BY id LIMIT ? OFFSET ?`, meta.ColumnsJoined, table)
	rows, err := tx.GetAll(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRowsAsMaps(rows, meta.Columns)
}

func scanRowsAsMaps(rows *sql.Rows, columns []string) ([]map[string]any, error) {
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan dirty row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// applyResults opens the write transaction that does the stable-window
// verification and per-row verdict application atomically.
func (p *PushEngine) applyResults(ctx context.Context, table string, meta EntityMetadata, offset int, original []map[string]any, results []pushRowStatus) error {
	return p.store.WriteTransaction(ctx, []string{table}, func(tx *Tx) error {
		current, err := selectDirtyWindowTx(ctx, tx, table, meta, p.cfg.BatchSize, offset)
		if err != nil {
			return fmt.Errorf("re-select dirty window: %w", err)
		}
		if !reflect.DeepEqual(original, current) {
			return errRetryConflict
		}

		byID := indexByID(results)
		for _, row := range original {
			id, _ := row["id"].(string)
			status, ok := byID[id]
			if !ok {
				// Server never addressed this row; leave it dirty for the next push.
				continue
			}
			if status.Status != "accepted" && status.Status != "rejected" {
				p.cfg.logger().Warn("unknown push verdict, treating as rejected", "table", table, "id", id, "status", status.Status)
			}
			if err := applyVerdict(ctx, tx, table, id, status); err != nil {
				return err
			}
		}
		return nil
	})
}

func indexByID(results []pushRowStatus) map[string]pushRowStatus {
	out := make(map[string]pushRowStatus, len(results))
	for _, r := range results {
		out[r.ID] = r
	}
	return out
}

// applyVerdict applies one server verdict: accepted rows adopt the
// server-assigned lts and clear the dirty flag; rejected rows (and any
// unknown status, treated as rejected so a row can never stay dirty
// forever) clear the dirty flag only, abandoning the local edit so the
// next pull overwrites it with the server's authoritative version.
func applyVerdict(ctx context.Context, tx *Tx, table, id string, status pushRowStatus) error {
	switch status.Status {
	case "accepted":
		if status.LTS == nil {
			return fmt.Errorf("accepted status missing lts for row %s", id)
		}
		_, err := tx.Execute(ctx, fmt.Sprintf(`UPDATE "%s" SET is_unsynced = 0, lts = ? WHERE id = ?`, table),
			*status.LTS, id)
		return err
	case "rejected":
		_, err := tx.Execute(ctx, fmt.Sprintf(`UPDATE "%s" SET is_unsynced = 0 WHERE id = ?`, table), id)
		return err
	default:
		_, err := tx.Execute(ctx, fmt.Sprintf(`UPDATE "%s" SET is_unsynced = 0 WHERE id = ?`, table), id)
		return err
	}
}
