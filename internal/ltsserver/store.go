// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package ltsserver is a minimal reference implementation of the sync
// protocol's four HTTP endpoints (GET /latest-lts, GET /data, POST
// /data, GET /events). It exists purely to give the push/pull/
// event-channel code in the root ltscore package a real counterparty to
// integrate against in tests; an application pointing Config.ServerURL
// at a production backend never imports this package.
package ltsserver

import (
	"context"
	"fmt"
)

// RowResult is one element of POST /data's per-row verdict, serialized
// on the wire as {id, status, lts?, reason?}.
type RowResult struct {
	ID     string
	Status string // "accepted" or "rejected"
	LTS    *int64
	Reason string
}

// Store is the storage seam the reference server's HTTP handlers run
// against. Two implementations are provided: a Postgres-backed one
// (pg_store.go, pgx/v5) for deployments, and a SQLite-backed one
// (sqlite_store.go, mattn/go-sqlite3) as a fast, dependency-free
// fallback for unit tests.
type Store interface {
	// LatestLTS returns the current high-water mark for (appID, entity).
	// found is false when the entity has never had a row pushed for this
	// app, the case that drives GET /latest-lts's 404 branch.
	LatestLTS(ctx context.Context, appID, entity string) (lts int64, found bool, err error)

	// FetchPage returns up to pageSize rows of (appID, entity) with lts
	// strictly greater than afterLTS, ordered by lts ascending. Each row
	// carries its "lts" key alongside whatever columns were pushed.
	FetchPage(ctx context.Context, appID, entity string, afterLTS int64, pageSize int) ([]map[string]any, error)

	// PushRows assigns a fresh lts to each row (last-write-wins; this
	// reference server never rejects a row for lts_mismatch since it
	// does not track per-row base versions) and stores it, returning one
	// RowResult per input row in the same order.
	PushRows(ctx context.Context, appID, entity string, rows []map[string]any) ([]RowResult, error)
}

// ErrEntityUnknown names the condition GET /latest-lts answers with 404.
// The Store implementations in this package do not return it: LatestLTS
// reports an unknown entity through its found result instead.
var ErrEntityUnknown = fmt.Errorf("ltsserver: entity unknown to server")
