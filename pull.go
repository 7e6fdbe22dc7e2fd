// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PullEngine is the incremental page-based downloader: read the cursor,
// fetch a page over HTTP outside any transaction, apply the page and
// advance the cursor together inside one write transaction.
type PullEngine struct {
	store     *Store
	transport *transportClient
	cfg       *Config
}

func newPullEngine(store *Store, transport *transportClient, cfg *Config) *PullEngine {
	return &PullEngine{store: store, transport: transport, cfg: cfg}
}

// PullOnce brings every entity in entities up to the server's current
// state, or until a suspension condition (mid-flight dirty rows) is hit
// for that entity. A failure on one entity is logged and does not abort
// the others.
func (p *PullEngine) PullOnce(ctx context.Context, entities []string) error {
	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return err
		}
		totalStart := stageStart(p.cfg)
		err := p.pullEntity(ctx, entity)
		observeStage(ctx, p.cfg, MetricsOpPull, entity, MetricsStageTotal, totalStart, 0, err != nil)
		if err != nil {
			p.cfg.logger().Error("pull failed for entity, continuing with next", "entity", entity, "error", err)
		}
	}
	return nil
}

func (p *PullEngine) pullEntity(ctx context.Context, entity string) error {
	watermark, err := lastReceivedLTS(ctx, p.store, entity)
	if err != nil {
		return fmt.Errorf("pull %s: load watermark: %w", entity, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetchStart := stageStart(p.cfg)
		page, err := p.transport.fetchDataPage(ctx, entity, watermark, p.cfg.PageSize)
		observeStage(ctx, p.cfg, MetricsOpPull, entity, MetricsStageFetch, fetchStart, len(page), err != nil)
		if err != nil {
			return fmt.Errorf("pull %s: fetch page: %w", entity, err)
		}
		if len(page) == 0 {
			return nil
		}

		applyStart := stageStart(p.cfg)
		stop, newWatermark, err := p.applyPage(ctx, entity, watermark, page)
		observeStage(ctx, p.cfg, MetricsOpPull, entity, MetricsStageApply, applyStart, len(page), err != nil)
		if err != nil {
			return fmt.Errorf("pull %s: apply page: %w", entity, err)
		}
		if stop {
			return nil
		}

		watermark = newWatermark
		if len(page) < p.cfg.PageSize {
			return nil
		}
	}
}

// applyPage opens one write transaction that: (1) checks for mid-flight
// dirty rows and bails out when present (downloading over outstanding
// local edits risks overwriting an unsent write, so push must drain
// first); (2) applies the page as targeted deletes (tombstone entity) or
// a batch upsert (everything else); (3) advances the watermark to the
// lts of the page's last row.
func (p *PullEngine) applyPage(ctx context.Context, entity string, watermark int64, page []map[string]any) (stop bool, newWatermark int64, err error) {
	meta, isTombstone := p.entityMetadata(entity)

	err = p.store.WriteTransaction(ctx, pageTriggerTables(entity, isTombstone, page), func(tx *Tx) error {
		dirty, dirtyErr := anyDirtyRows(ctx, tx, entityTableName(entity))
		if dirtyErr != nil {
			return dirtyErr
		}
		if dirty {
			stop = true
			return nil // commit an empty transaction; this entity is done for the cycle
		}

		if isTombstone {
			if applyErr := applyTombstonePage(ctx, tx, page); applyErr != nil {
				return applyErr
			}
		} else {
			if applyErr := applyUpsertPage(ctx, tx, entity, meta, page); applyErr != nil {
				return applyErr
			}
		}

		lastLTS, ltsErr := lastLTSInPage(page)
		if ltsErr != nil {
			return ltsErr
		}
		newWatermark = lastLTS
		if newWatermark < watermark {
			newWatermark = watermark
		}
		if _, execErr := tx.Execute(ctx, `UPDATE syncing_table SET last_received_lts = ? WHERE entity_name = ?`,
			newWatermark, entity); execErr != nil {
			return fmt.Errorf("advance watermark: %w", execErr)
		}
		return nil
	})
	return stop, newWatermark, err
}

func (p *PullEngine) entityMetadata(entity string) (EntityMetadata, bool) {
	if entity == TombstoneEntity {
		return tombstoneMetadata, true
	}
	return p.cfg.Entities[entity], false
}

// pageTriggerTables lists every table the page's apply can mutate, so
// Watch subscribers on those tables observe the transaction. A tombstone
// page touches the archive table plus each table it deletes rows from.
func pageTriggerTables(entity string, isTombstone bool, page []map[string]any) []string {
	if !isTombstone {
		return []string{entityTableName(entity)}
	}
	tables := []string{"archive"}
	seen := map[string]bool{"archive": true}
	for _, row := range page {
		if name, _ := row["table_name"].(string); name != "" && !seen[name] {
			seen[name] = true
			tables = append(tables, name)
		}
	}
	return tables
}

// entityTableName maps an entity name onto its backing table. Entity
// names and table names coincide except for the tombstone entity, whose
// table is fixed as "archive".
func entityTableName(entity string) string {
	if entity == TombstoneEntity {
		return "archive"
	}
	return entity
}

// anyDirtyRows reports whether table holds any row awaiting upload.
func anyDirtyRows(ctx context.Context, tx *Tx, table string) (bool, error) {
	row, _ := tx.GetOptional(ctx, fmt.Sprintf(`SELECT 1 FROM "%s" WHERE is_unsynced = 1 LIMIT 1`, table))
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check dirty rows: %w", err)
	}
	return true, nil
}

// applyTombstonePage deletes the referenced row and the tombstone itself
// for each archive row in the page. Both deletes are idempotent, so
// re-processing a page is harmless.
func applyTombstonePage(ctx context.Context, tx *Tx, page []map[string]any) error {
	for _, row := range page {
		tableName, _ := row["table_name"].(string)
		dataID, _ := row["data_id"].(string)
		id, _ := row["id"].(string)
		if tableName == "" || id == "" {
			return fmt.Errorf("tombstone row missing table_name or id: %#v", row)
		}
		if _, err := tx.Execute(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, tableName), dataID); err != nil {
			return fmt.Errorf("delete materialized row %s.%s: %w", tableName, dataID, err)
		}
		if _, err := tx.Execute(ctx, `DELETE FROM archive WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete tombstone %s: %w", id, err)
		}
	}
	return nil
}

// applyUpsertPage performs the batch upsert: INSERT ... ON CONFLICT(id)
// DO UPDATE SET col=excluded.col for every non-id column over the entity
// metadata column list. is_unsynced is never in that list, so a pull can
// never mark a row dirty.
func applyUpsertPage(ctx context.Context, tx *Tx, entity string, meta EntityMetadata, page []map[string]any) error {
	if len(meta.Columns) == 0 {
		return fmt.Errorf("no entity metadata registered for %s", entity)
	}

	placeholders := make([]string, len(meta.Columns))
	updateClauses := make([]string, 0, len(meta.Columns)-1)
	for i, col := range meta.Columns {
		placeholders[i] = "?"
		if col != "id" {
			updateClauses = append(updateClauses, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	stmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		entityTableName(entity), meta.ColumnsJoined, strings.Join(placeholders, ", "), strings.Join(updateClauses, ", "))

	tuples := make([][]any, 0, len(page))
	for _, row := range page {
		tuple := make([]any, len(meta.Columns))
		for i, col := range meta.Columns {
			tuple[i] = row[col] // missing columns map to nil (null)
		}
		tuples = append(tuples, tuple)
	}
	return tx.ExecuteBatch(ctx, stmt, tuples)
}

// lastLTSInPage returns the lts of the page's last row, the value the
// watermark advances to.
func lastLTSInPage(page []map[string]any) (int64, error) {
	last := page[len(page)-1]
	switch v := last["lts"].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("page's last row missing numeric lts field")
	}
}
