// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"

	"github.com/ltscore/ltscore"
)

// itemsMigration creates the demo "items" table, the kind of thing a
// schema-authoring code generator would normally emit; hand-written
// here since this cmd has no generator of its own. Registration with
// the sync watermark table happens separately via
// Orchestrator.RegisterEntity, since that call needs a live server
// round-trip for the baseline lts lookup and migrations run before the
// Orchestrator's transport/registrar are constructed.
var itemsMigration = ltscore.Migration{
	Version: 1,
	Name:    "create_items",
	Apply: func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			name TEXT,
			lts INTEGER,
			is_unsynced INTEGER NOT NULL DEFAULT 0
		)`)
		return err
	},
}
