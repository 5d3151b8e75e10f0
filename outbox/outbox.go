// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package outbox makes local writes durable immediately and replays them to
// the remote store when connectivity allows.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-agrosync/internal/format"
	"github.com/mobiletoly/go-agrosync/ledger"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/mobiletoly/go-agrosync/remote"
)

// Operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Entry statuses. Applied entries are removed, so "done" is never stored.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusFailed  = "failed"
)

// ErrNotFound is returned by DeleteData when the row is not cached locally.
var ErrNotFound = fmt.Errorf("outbox: %w", localstore.ErrNotFound)

// OnlineChecker reports connectivity.
type OnlineChecker interface {
	Online() bool
}

// Entry is one queued mutation.
type Entry struct {
	ID         int64
	Table      string
	Op         string
	PK         string
	Payload    localstore.Row
	Status     string
	CreatedAt  time.Time
	RetryCount int
	LastError  string
}

// Report summarizes one Process call.
type Report struct {
	Attempted int
	Applied   int
	Failed    int
	Deferred  int  // updates still waiting for their row's create
	Skipped   bool // another flush was running
	Offline   bool
}

// Config holds the queue collaborators.
type Config struct {
	Store  *localstore.Store
	Remote remote.Client
	Ledger *ledger.Session // optional; receives a row per flushed table
	Online OnlineChecker   // optional; nil means always online
	Logger *slog.Logger
	Now    func() time.Time
}

// Queue is the write-back queue, persisted next to the cached tables.
type Queue struct {
	db     *sql.DB
	store  *localstore.Store
	remote remote.Client
	ledger *ledger.Session
	online OnlineChecker
	logger *slog.Logger
	now    func() time.Time

	writeMu  sync.Mutex  // serializes queue mutations
	flushing atomic.Bool // guards against overlapping Process calls
}

// New creates the outbox table if needed and returns entries interrupted
// mid-flush to pending.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	q := &Queue{
		db:     cfg.Store.DB,
		store:  cfg.Store,
		remote: cfg.Remote,
		ledger: cfg.Ledger,
		online: cfg.Online,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.now == nil {
		q.now = time.Now
	}
	if err := initializeOutbox(q.db); err != nil {
		return nil, fmt.Errorf("failed to initialize outbox: %w", err)
	}
	return q, nil
}

func initializeOutbox(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _sync_outbox (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name  TEXT NOT NULL,
			op          TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			pk          TEXT NOT NULL,
			payload     TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','syncing','failed')),
			created_at  TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_outbox_status ON _sync_outbox(status, id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_outbox_pk ON _sync_outbox(table_name, pk)`,
		// Entries left syncing by a crash are retried
		`UPDATE _sync_outbox SET status = 'pending' WHERE status = 'syncing'`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) isOnline() bool {
	return q.online == nil || q.online.Online()
}

// Add queues a mutation and returns the id of the entry that carries it, or
// 0 when nothing was queued. It never fails the caller: errors are logged.
//
// Coalescing: an update of a row whose create (or update) is still queued is
// merged into that entry; deleting a row that never reached the remote store
// cancels its queued entries.
func (q *Queue) Add(ctx context.Context, table, op string, payload localstore.Row) int64 {
	id, err := q.add(ctx, table, op, payload)
	if err != nil {
		q.logger.Warn("failed to queue local change", "table", table, "op", op, "error", err)
		return 0
	}
	return id
}

func (q *Queue) add(ctx context.Context, table, op string, payload localstore.Row) (int64, error) {
	if op != OpCreate && op != OpUpdate && op != OpDelete {
		return 0, fmt.Errorf("unknown operation %q", op)
	}
	def, ok := q.store.Def(table)
	if !ok {
		return 0, fmt.Errorf("%w: %s", localstore.ErrUnknownTable, table)
	}
	pkValue := payload[def.PrimaryKey]
	pk, err := format.KeyString(pkValue)
	if err != nil {
		return 0, fmt.Errorf("payload has no usable %s: %w", def.PrimaryKey, err)
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	switch op {
	case OpUpdate:
		existing, err := queuedEntry(ctx, tx, table, pk, OpCreate, OpUpdate)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			merged := maps.Clone(existing.Payload)
			maps.Copy(merged, payload)
			if err := setPayload(ctx, tx, existing.ID, merged); err != nil {
				return 0, err
			}
			id = existing.ID
			break
		}
		if id, err = insertEntry(ctx, tx, table, op, pk, payload, q.now()); err != nil {
			return 0, err
		}

	case OpDelete:
		if IsTempID(pkValue) {
			inFlight, err := hasStatus(ctx, tx, table, pk, StatusSyncing)
			if err != nil {
				return 0, err
			}
			if !inFlight {
				// Never reached the remote store: nothing to replay.
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM _sync_outbox WHERE table_name = ? AND pk = ? AND status != 'syncing'`, table, pk); err != nil {
					return 0, fmt.Errorf("failed to cancel queued entries: %w", err)
				}
				return 0, tx.Commit()
			}
		} else if _, err := tx.ExecContext(ctx,
			`DELETE FROM _sync_outbox WHERE table_name = ? AND pk = ? AND op = 'update' AND status != 'syncing'`, table, pk); err != nil {
			return 0, fmt.Errorf("failed to drop superseded updates: %w", err)
		}
		if id, err = insertEntry(ctx, tx, table, op, pk, payload, q.now()); err != nil {
			return 0, err
		}

	default:
		if id, err = insertEntry(ctx, tx, table, op, pk, payload, q.now()); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox entry: %w", err)
	}
	return id, nil
}

// SaveData writes row locally and queues it for the remote store. A row
// without a primary key gets a temporary one and is queued as a create;
// otherwise it is queued as an update. The returned row carries the key.
func (q *Queue) SaveData(ctx context.Context, table string, row localstore.Row) (localstore.Row, error) {
	def, ok := q.store.Def(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", localstore.ErrUnknownTable, table)
	}
	row = maps.Clone(row)
	op := OpUpdate
	if v, ok := row[def.PrimaryKey]; !ok || v == nil || v == "" {
		row[def.PrimaryKey] = NewTempID()
		op = OpCreate
	}

	if err := q.store.Table(table).Put(ctx, row); err != nil {
		q.logger.Warn("failed to cache local write", "table", table, "error", err)
	}
	q.Add(ctx, table, op, row)
	return row, nil
}

// DeleteData removes a cached row and queues its deletion. It fails with
// ErrNotFound when the row is not cached.
func (q *Queue) DeleteData(ctx context.Context, table string, id any) error {
	handle := q.store.Table(table)
	row, err := handle.Get(ctx, id)
	if errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("%w: %s[%v]", ErrNotFound, table, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s[%v]: %w", table, id, err)
	}
	if err := handle.Delete(ctx, id); err != nil {
		q.logger.Warn("failed to delete cached row", "table", table, "error", err)
	}
	q.Add(ctx, table, OpDelete, row)
	return nil
}

// PendingCount returns the number of queued entries.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return n, nil
}

// Entries returns every queued entry in enqueue order.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	return queryEntries(ctx, q.db, `SELECT `+entryColumns+` FROM _sync_outbox ORDER BY id`)
}
