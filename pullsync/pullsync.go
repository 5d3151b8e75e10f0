// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pullsync copies remote rows into the local store, either as a full
// accumulate-then-replace refresh or as a streaming per-table upsert.
package pullsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/ledger"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/mobiletoly/go-agrosync/remote"
	"golang.org/x/sync/errgroup"
)

// DefaultPageSize is the remote range size.
const DefaultPageSize = 1000

// Config holds the engine collaborators.
type Config struct {
	Remote      remote.Client
	Store       *localstore.Store
	Ledger      *ledger.Session // optional; without it every refresh runs
	PageSize    int
	Concurrency int // tables refreshed in parallel by RefreshAll, default 4
	Logger      *slog.Logger
}

// Engine runs pull-sync operations.
type Engine struct {
	remote      remote.Client
	store       *localstore.Store
	ledger      *ledger.Session
	pageSize    int
	concurrency int
	logger      *slog.Logger
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	e := &Engine{
		remote:      cfg.Remote,
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		pageSize:    cfg.PageSize,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}
	if e.pageSize <= 0 {
		e.pageSize = DefaultPageSize
	}
	if e.concurrency <= 0 {
		e.concurrency = 4
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// RefreshOptions tunes RefreshAllPages. Zero values mean: all columns, the
// engine page size, ordered by the handle's primary key.
type RefreshOptions struct {
	Select   string
	PageSize int
	OrderBy  string
}

// TableResult reports one table of a multi-table operation.
type TableResult struct {
	Table     string
	Count     int
	Refreshed bool
	Err       error
}

// RefreshAllPages reads every page of table and, when at least one row came
// back, replaces the local contents with them in one transaction. Any remote
// error leaves the local table untouched and yields 0. An empty remote table
// does not clear the local cache.
func (e *Engine) RefreshAllPages(ctx context.Context, table string, handle *localstore.Table, opts RefreshOptions) int {
	n, err := e.refreshAllPages(ctx, table, handle, opts)
	if err != nil {
		e.logger.Warn("refresh aborted, keeping cached rows", "table", table, "error", err)
	}
	return n
}

func (e *Engine) refreshAllPages(ctx context.Context, table string, handle *localstore.Table, opts RefreshOptions) (int, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = e.pageSize
	}
	orderBy := opts.OrderBy
	if orderBy == "" && handle != nil {
		orderBy = handle.PrimaryKey()
	}
	columns := opts.Select
	if columns == "" {
		columns = "*"
	}

	q := remote.Select(columns)
	if orderBy != "" {
		q = q.Order(orderBy, true)
	}

	var all []localstore.Row
	for offset := 0; ; offset += pageSize {
		page, err := e.remote.Select(ctx, table, q.Range(offset, offset+pageSize-1))
		if err != nil {
			return 0, fmt.Errorf("failed to fetch %s at offset %d: %w", table, offset, err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			break
		}
	}

	if len(all) > 0 && handle != nil {
		if err := handle.Replace(ctx, all); err != nil {
			return 0, fmt.Errorf("failed to replace cached %s rows: %w", table, err)
		}
	}
	e.logger.Debug("table refreshed", "table", table, "rows", len(all))
	return len(all), nil
}

// SyncTable pages through table ordered by its primary key and upserts each
// page as it arrives. Rows deleted remotely are not purged.
func (e *Engine) SyncTable(ctx context.Context, table string) (TableResult, error) {
	result := TableResult{Table: table}
	entry, ok := catalog.Lookup(table)
	if !ok {
		return result, fmt.Errorf("%w: %s", localstore.ErrUnknownTable, table)
	}
	handle := e.store.Table(entry.Name)
	q := remote.Select("*").Order(entry.PrimaryKey, true)

	for offset := 0; ; offset += e.pageSize {
		page, err := e.remote.Select(ctx, entry.Name, q.Range(offset, offset+e.pageSize-1))
		if err != nil {
			return result, fmt.Errorf("failed to fetch %s at offset %d: %w", entry.Name, offset, err)
		}
		if len(page) > 0 {
			if err := handle.BulkPut(ctx, page); err != nil {
				e.logger.Warn("failed to cache page", "table", entry.Name, "offset", offset, "error", err)
			}
		}
		result.Count += len(page)
		if len(page) < e.pageSize {
			break
		}
	}
	result.Refreshed = true
	return result, nil
}

// SyncAllTables runs SyncTable for every registered entity table. A failing
// table is logged and reported; the others still run.
func (e *Engine) SyncAllTables(ctx context.Context) []TableResult {
	entries := catalog.Synced()
	results := make([]TableResult, 0, len(entries))
	for _, entry := range entries {
		res, err := e.SyncTable(ctx, entry.Name)
		if err != nil {
			e.logger.Warn("table sync failed", "table", entry.Name, "error", err)
			res.Err = err
		}
		results = append(results, res)
	}
	return results
}

// RefreshIfNeeded consults the ledger and runs RefreshAllPages only when the
// table was reported as changed (or the ledger could not be read). A failed
// refresh is reported in Err with Refreshed left false.
func (e *Engine) RefreshIfNeeded(ctx context.Context, table string) TableResult {
	var check *ledger.Check
	if e.ledger != nil {
		check = e.ledger.Get(ctx)
	}
	return e.refreshIfNeeded(ctx, check, table)
}

func (e *Engine) refreshIfNeeded(ctx context.Context, check *ledger.Check, table string) TableResult {
	result := TableResult{Table: table}
	entry, ok := catalog.Lookup(table)
	if !ok {
		result.Err = fmt.Errorf("%w: %s", localstore.ErrUnknownTable, table)
		return result
	}
	handle := e.store.Table(entry.Name)
	if check != nil && !e.ledger.ShouldRefreshTableFor(ctx, check, entry.Name, handle) {
		return result
	}
	n, err := e.refreshAllPages(ctx, entry.Name, handle, RefreshOptions{})
	if err != nil {
		e.logger.Warn("refresh aborted, keeping cached rows", "table", entry.Name, "error", err)
		result.Err = err
		return result
	}
	result.Count = n
	result.Refreshed = true
	return result
}

// RefreshAll starts a new ledger cycle and refreshes every registered table
// that needs it, a few at a time. The ledger is consulted once and that
// check decides for every table. Results follow catalog order.
func (e *Engine) RefreshAll(ctx context.Context) []TableResult {
	var check *ledger.Check
	if e.ledger != nil {
		e.ledger.Invalidate()
		check = e.ledger.Get(ctx)
	}
	entries := catalog.Synced()
	results := make([]TableResult, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			results[i] = e.refreshIfNeeded(gctx, check, entry.Name)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
