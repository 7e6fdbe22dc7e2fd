// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ltscore/ltscore/internal/auth"
)

// Orchestrator is the user-facing façade of the sync engine: it owns the
// Store, the Registrar, the Push/Pull engines, and the EventListener,
// and guards against concurrent full syncs with a debounce gate that
// collapses bursts of triggers into at most one extra cycle.
type Orchestrator struct {
	cfg    *Config
	userID string

	store     *Store
	transport *transportClient
	registrar *Registrar
	push      *PushEngine
	pull      *PullEngine
	events    *EventListener

	notifyMu sync.Mutex
	notifyCh chan struct{}

	syncMu     sync.Mutex // guards inProgress/repeat, the FullSync debounce gate
	inProgress bool
	repeat     bool
	syncWG     sync.WaitGroup

	initialized  atomic.Bool
	shuttingDown atomic.Bool

	runCtx context.Context // lives until Shutdown; bounds the listener and in-flight syncs
	cancel context.CancelFunc
}

// NewOrchestrator builds an Orchestrator from cfg. Init must be called
// before any other method.
func NewOrchestrator(cfg *Config) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		notifyCh: make(chan struct{}),
	}
}

// Init resolves the per-user, per-app database path, opens the Store,
// runs the migration set to completion, registers the tombstone entity,
// and starts the EventListener, whose first successful connect triggers
// an initial FullSync.
func (o *Orchestrator) Init(ctx context.Context, baseDir, userID string) error {
	ctx = auth.WithUserID(ctx, userID)
	o.userID = userID
	dbPath := filepath.Join(baseDir, o.cfg.AppID, userID, "helper_sync.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("init: create db directory: %w", err)
	}

	store, err := OpenStore(dbPath)
	if err != nil {
		return fmt.Errorf("init: open store: %w", err)
	}
	if err := runMigrations(ctx, store.db, o.cfg.Migrations); err != nil {
		store.Close()
		return fmt.Errorf("init: run migrations: %w", err)
	}

	o.store = store
	o.transport = newTransportClient(o.cfg)
	o.registrar = newRegistrar(o.store, o.transport, o.cfg)
	o.push = newPushEngine(o.store, o.transport, o.cfg)
	o.pull = newPullEngine(o.store, o.transport, o.cfg)

	if err := o.registrar.RegisterTable(ctx, TombstoneEntity); err != nil {
		store.Close()
		return fmt.Errorf("init: register tombstone entity: %w", err)
	}

	// The listener and any background syncs must outlive the (possibly
	// request-scoped) ctx the caller passed to Init; only Shutdown ends
	// them.
	o.runCtx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.events = newEventListener(o.transport, o.cfg, o.FullSync, o.notify)
	go o.events.Run(o.runCtx)

	o.initialized.Store(true)
	o.notify()
	return nil
}

// RegisterEntity registers an application entity for sync. Application
// setup code is expected to call this for every syncable table it
// creates, after Init has run.
func (o *Orchestrator) RegisterEntity(ctx context.Context, entityName string) error {
	return o.registrar.RegisterTable(ctx, entityName)
}

// IsInitialized reports whether Init has completed successfully.
func (o *Orchestrator) IsInitialized() bool { return o.initialized.Load() }

// EventChannelConnected reports the EventListener's current connection
// state.
func (o *Orchestrator) EventChannelConnected() bool {
	if o.events == nil {
		return false
	}
	return o.events.Connected()
}

// IsSyncing reports whether a FullSync cycle is currently running.
func (o *Orchestrator) IsSyncing() bool {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()
	return o.inProgress
}

// Changes returns a channel that is closed (and replaced) every time the
// Orchestrator wants to signal "something changed" to UI-layer code.
func (o *Orchestrator) Changes() <-chan struct{} {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	return o.notifyCh
}

func (o *Orchestrator) notify() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()
	close(o.notifyCh)
	o.notifyCh = make(chan struct{})
}

// GetAll passes a read query through to the Store.
func (o *Orchestrator) GetAll(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return o.store.GetAll(ctx, query, args...)
}

// GetOptional passes a single-row read through to the Store.
func (o *Orchestrator) GetOptional(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	return o.store.GetOptional(ctx, query, args...)
}

// Watch passes a watched query through to the Store; the returned
// stream re-emits whenever any trigger table is mutated, including by
// pull transactions.
func (o *Orchestrator) Watch(ctx context.Context, query string, triggerTables []string, args ...any) (<-chan *sql.Rows, error) {
	return o.store.Watch(ctx, query, triggerTables, args...)
}

// Shutdown cancels the event-channel subscription and any in-flight
// sync, waits for the running cycle to observe the cancellation, then
// closes the store.
func (o *Orchestrator) Shutdown() error {
	// Taking syncMu orders the flag store against FullSync's gate, so a
	// cycle that already passed the gate is counted in syncWG before
	// Wait runs.
	o.syncMu.Lock()
	o.shuttingDown.Store(true)
	o.syncMu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.syncWG.Wait()
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// Write upserts data into table with the dirty flag set: it assigns an
// id if absent, strips any caller-provided lts (lts is server-owned),
// and fires FullSync fire-and-forget.
func (o *Orchestrator) Write(ctx context.Context, table string, data map[string]any) error {
	row := make(map[string]any, len(data)+2)
	for k, v := range data {
		row[k] = v
	}
	if _, ok := row["id"]; !ok || row["id"] == "" || row["id"] == nil {
		row["id"] = newID()
	}
	delete(row, "lts") // lts is server-owned, never caller-set

	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}

	placeholders := make([]string, len(cols))
	updateClauses := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		updateClauses[i] = fmt.Sprintf("%s = ?", col)
		args[i] = row[col]
	}
	// is_unsynced is appended to both the insert column list and the
	// ON CONFLICT update clause as a literal, independently of the
	// caller's columns, so it needs no placeholder/arg of its own.
	insertCols := append(append([]string{}, cols...), "is_unsynced")
	insertPlaceholders := append(append([]string{}, placeholders...), "1")
	updateSet := append(append([]string{}, updateClauses...), "is_unsynced = 1")

	stmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		table, joinCols(insertCols), joinCols(insertPlaceholders), joinCols(updateSet))

	// args feeds the INSERT values; the same values are repeated for the
	// ON CONFLICT SET clause's placeholders.
	fullArgs := append(append([]any{}, args...), args...)

	err := o.store.WriteTransaction(ctx, []string{table}, func(tx *Tx) error {
		_, execErr := tx.Execute(ctx, stmt, fullArgs...)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}

	go o.triggerFullSync(context.WithoutCancel(ctx))
	return nil
}

// Delete reads the existing row, inserts a tombstone and deletes the
// user-visible row in the same transaction, then fires FullSync. A
// missing row is a logged no-op.
func (o *Orchestrator) Delete(ctx context.Context, table, id string) error {
	meta, ok := o.cfg.Entities[table]
	if !ok {
		return fmt.Errorf("delete %s: %w", table, ErrEntityNotRegistered)
	}

	err := o.store.WriteTransaction(ctx, []string{table, "archive"}, func(tx *Tx) error {
		existing, err := readRowAsJSON(ctx, tx, table, meta, id)
		if err != nil {
			return err
		}
		if existing == nil {
			o.cfg.logger().Info("delete: row not found, no-op", "table", table, "id", id)
			return nil
		}

		if _, err := tx.Execute(ctx,
			`INSERT INTO archive (id, table_name, data_id, data, is_unsynced) VALUES (?, ?, ?, ?, 1)`,
			newID(), table, id, *existing); err != nil {
			return fmt.Errorf("insert tombstone: %w", err)
		}
		if _, err := tx.Execute(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, table), id); err != nil {
			return fmt.Errorf("delete row: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}

	go o.triggerFullSync(context.WithoutCancel(ctx))
	return nil
}

// readRowAsJSON reads the full row and serializes it to an opaque JSON
// payload for the tombstone's data column, or returns nil if absent.
func readRowAsJSON(ctx context.Context, tx *Tx, table string, meta EntityMetadata, id string) (*string, error) {
	row, _ := tx.GetOptional(ctx, fmt.Sprintf(`SELECT %s FROM "%s" WHERE id = ?`, meta.ColumnsJoined, table), id)
	values := make([]any, len(meta.Columns))
	ptrs := make([]any, len(meta.Columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := row.Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("read row %s.%s: %w", table, id, err)
	}

	payload := make(map[string]any, len(meta.Columns))
	for i, col := range meta.Columns {
		payload[col] = values[i]
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode tombstone payload: %w", err)
	}
	s := string(encoded)
	return &s, nil
}

// triggerFullSync runs FullSync, logging (but swallowing) any error;
// Write/Delete treat sync as fire-and-forget.
func (o *Orchestrator) triggerFullSync(ctx context.Context) {
	if err := o.FullSync(ctx); err != nil {
		o.cfg.logger().Error("fire-and-forget full sync failed", "user_id", o.userID, "error", err)
	}
}

// FullSync runs one debounced push-then-pull cycle. A call that arrives
// while a cycle is already running sets repeat and returns immediately;
// on completion, a pending repeat collapses into exactly one extra
// cycle, which runs even when this cycle failed; the first error is
// returned.
func (o *Orchestrator) FullSync(ctx context.Context) error {
	o.syncMu.Lock()
	if o.shuttingDown.Load() {
		o.syncMu.Unlock()
		return ErrShutdown
	}
	if o.inProgress {
		o.repeat = true
		o.syncMu.Unlock()
		return nil
	}
	o.inProgress = true
	o.syncWG.Add(1)
	o.syncMu.Unlock()

	// Shutdown must be able to stop a cycle whose caller passed a
	// long-lived ctx, so the cycle runs under both cancellations.
	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if o.runCtx != nil {
		stop := context.AfterFunc(o.runCtx, cancel)
		defer stop()
	}

	o.notify()
	err := o.runFullSyncOnce(syncCtx)
	o.notify()

	o.syncMu.Lock()
	o.inProgress = false
	shouldRepeat := o.repeat
	o.repeat = false
	o.syncMu.Unlock()
	o.syncWG.Done()

	if shouldRepeat && !o.shuttingDown.Load() {
		if repeatErr := o.FullSync(ctx); err == nil {
			err = repeatErr
		}
	}
	return err
}

func (o *Orchestrator) runFullSyncOnce(ctx context.Context) error {
	entities, err := trackedEntities(ctx, o.store)
	if err != nil {
		return fmt.Errorf("full sync: load tracked entities: %w", err)
	}
	if err := o.push.PushOnce(ctx, entities); err != nil {
		return fmt.Errorf("full sync: push: %w", err)
	}
	if err := o.pull.PullOnce(ctx, entities); err != nil {
		return fmt.Errorf("full sync: pull: %w", err)
	}
	return nil
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
