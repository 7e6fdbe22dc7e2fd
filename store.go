// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ltscore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a thin wrapper over an embedded SQL database. It provides
// point reads, watched query streams, write transactions, and batch
// parameter binding, so the sync engine never touches *sql.DB directly.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex // serializes write transactions

	versionsMu sync.Mutex
	versions   map[string]chan struct{} // per-table broadcast channel, closed+replaced on mutation
}

// Querier is implemented by both *Store and *Tx, so callers can write
// helper functions that work either standalone or inside a transaction.
type Querier interface {
	GetAll(ctx context.Context, sql string, args ...any) (*sql.Rows, error)
	GetOptional(ctx context.Context, sql string, args ...any) (*sql.Row, error)
	Execute(ctx context.Context, sql string, args ...any) (sql.Result, error)
}

// OpenStore opens (creating if necessary) the SQLite database at path
// with WAL journaling and foreign key enforcement.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &Store{db: db, versions: make(map[string]chan struct{})}, nil
}

// Close releases the underlying database handle. Any in-flight Watch
// goroutines observe their channel close and return.
func (s *Store) Close() error {
	s.versionsMu.Lock()
	for table, ch := range s.versions {
		close(ch)
		delete(s.versions, table)
	}
	s.versionsMu.Unlock()
	return s.db.Close()
}

// GetAll runs a query and returns every matching row.
func (s *Store) GetAll(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// GetOptional runs a query expected to return at most one row.
func (s *Store) GetOptional(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	return s.db.QueryRowContext(ctx, query, args...), nil
}

// Execute runs a single statement outside any explicit transaction.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// ExecuteBatch reuses one prepared statement across a list of parameter
// tuples.
func (s *Store) ExecuteBatch(ctx context.Context, query string, paramTuples [][]any) error {
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("execute batch: prepare: %w", err)
	}
	defer stmt.Close()
	for _, params := range paramTuples {
		if _, err := stmt.ExecContext(ctx, params...); err != nil {
			return fmt.Errorf("execute batch: exec: %w", err)
		}
	}
	return nil
}

// Tx is the transaction handle passed to WriteTransaction closures; it
// offers the same read/write operations as Store but threaded through a
// single *sql.Tx.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) GetAll(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) GetOptional(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	return t.tx.QueryRowContext(ctx, query, args...), nil
}

func (t *Tx) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// ExecuteBatch reuses one prepared statement against this transaction.
func (t *Tx) ExecuteBatch(ctx context.Context, query string, paramTuples [][]any) error {
	stmt, err := t.tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("execute batch: prepare: %w", err)
	}
	defer stmt.Close()
	for _, params := range paramTuples {
		if _, err := stmt.ExecContext(ctx, params...); err != nil {
			return fmt.Errorf("execute batch: exec: %w", err)
		}
	}
	return nil
}

// WriteTransaction runs fn inside a transaction serialized through
// s.writeMu and bumps every trigger table's Watch version on successful
// commit.
func (s *Store) WriteTransaction(ctx context.Context, triggerTables []string, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write transaction: begin: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("write transaction: commit: %w", err)
	}

	for _, table := range triggerTables {
		s.bumpTable(table)
	}
	return nil
}

func (s *Store) bumpTable(table string) {
	s.versionsMu.Lock()
	defer s.versionsMu.Unlock()
	if ch, ok := s.versions[table]; ok {
		close(ch)
	}
	s.versions[table] = make(chan struct{})
}

func (s *Store) tableChan(table string) chan struct{} {
	s.versionsMu.Lock()
	defer s.versionsMu.Unlock()
	if ch, ok := s.versions[table]; ok {
		return ch
	}
	ch := make(chan struct{})
	s.versions[table] = ch
	return ch
}

// Watch runs query once immediately, delivering the result set on the
// returned channel, then re-runs it and re-delivers every time any of
// triggerTables is mutated by a WriteTransaction, until ctx is cancelled
// or the Store is closed. It never misses a mutation: the trigger
// channel for a table is captured before the query runs, so a mutation
// that lands between the query and the wait is still observed on the
// next iteration.
func (s *Store) Watch(ctx context.Context, query string, triggerTables []string, args ...any) (<-chan *sql.Rows, error) {
	out := make(chan *sql.Rows)
	go func() {
		defer close(out)
		for {
			chans := make([]chan struct{}, len(triggerTables))
			for i, t := range triggerTables {
				chans[i] = s.tableChan(t)
			}

			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return
			}
			select {
			case out <- rows:
			case <-ctx.Done():
				rows.Close()
				return
			}

			if !waitAny(ctx, chans) {
				return
			}
		}
	}()
	return out, nil
}

// waitAny blocks until ctx is cancelled or any channel in chans is
// closed (signalling a mutation on that table), returning false on
// cancellation.
func waitAny(ctx context.Context, chans []chan struct{}) bool {
	if len(chans) == 0 {
		<-ctx.Done()
		return false
	}
	cases := make(chan struct{})
	for _, ch := range chans {
		go func(c chan struct{}) {
			select {
			case <-c:
				select {
				case cases <- struct{}{}:
				default:
				}
			case <-ctx.Done():
			}
		}(ch)
	}
	select {
	case <-cases:
		return true
	case <-ctx.Done():
		return false
	}
}
