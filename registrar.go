// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

// Registrar ensures every tracked entity has a row in syncing_table
// before the first sync cycle touches it.
type Registrar struct {
	store     *Store
	transport *transportClient
	cfg       *Config
}

func newRegistrar(store *Store, transport *transportClient, cfg *Config) *Registrar {
	return &Registrar{store: store, transport: transport, cfg: cfg}
}

// RegisterTable registers entityName if it is not already registered.
// It is idempotent: concurrent callers race harmlessly on the
// check-then-insert, since the second writer's check re-runs inside the
// insert transaction.
func (r *Registrar) RegisterTable(ctx context.Context, entityName string) error {
	if _, err := lastReceivedLTS(ctx, r.store, entityName); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("register table %s: %w", entityName, err)
	}

	baseline := r.resolveBaseline(ctx, entityName)

	return r.store.WriteTransaction(ctx, nil, func(tx *Tx) error {
		var already int
		row, _ := tx.GetOptional(ctx, `SELECT 1 FROM syncing_table WHERE entity_name = ?`, entityName)
		if scanErr := row.Scan(&already); scanErr == nil {
			return nil // another registrar won the race
		}
		_, err := tx.Execute(ctx, `INSERT INTO syncing_table (entity_name, last_received_lts) VALUES (?, ?)`,
			entityName, baseline)
		if err != nil {
			return fmt.Errorf("insert watermark row: %w", err)
		}
		return nil
	})
}

// resolveBaseline implements the latest-lts lookup and its fallback
// ladder: 200 -> N, 403/404 -> 0, anything else (including transport
// failure) -> try again, up to Config.RegistrarRetries attempts in all
// with Config.RegistrarBackoff between them, then 0.
func (r *Registrar) resolveBaseline(ctx context.Context, entityName string) int64 {
	var baseline int64
	err := retryN(ctx, r.cfg.RegistrarRetries, r.cfg.RegistrarBackoff, func() error {
		lts, status, err := r.transport.fetchLatestLTS(ctx, entityName)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusOK:
			baseline = lts
			return nil
		case status == http.StatusForbidden || status == http.StatusNotFound:
			baseline = 0
			return nil
		default:
			return fmt.Errorf("latest-lts returned unexpected status %d", status)
		}
	})
	if err != nil {
		r.cfg.logger().Warn("latest-lts lookup failed after retries, baselining to 0",
			"entity", entityName, "error", err)
		return 0
	}
	return baseline
}

// lastReceivedLTS reads syncing_table.last_received_lts for entity. It
// returns sql.ErrNoRows (wrapped) when the entity is not yet registered.
func lastReceivedLTS(ctx context.Context, store *Store, entity string) (int64, error) {
	row, _ := store.GetOptional(ctx, `SELECT last_received_lts FROM syncing_table WHERE entity_name = ?`, entity)
	var lts int64
	if err := row.Scan(&lts); err != nil {
		return 0, err
	}
	return lts, nil
}

// trackedEntities returns every entity_name currently in syncing_table,
// the set FullSync iterates over each cycle.
func trackedEntities(ctx context.Context, store *Store) ([]string, error) {
	rows, err := store.GetAll(ctx, `SELECT entity_name FROM syncing_table`)
	if err != nil {
		return nil, fmt.Errorf("load tracked entities: %w", err)
	}
	defer rows.Close()

	var entities []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tracked entity: %w", err)
		}
		entities = append(entities, name)
	}
	return entities, rows.Err()
}
