// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package ledger consults the remote append-only "sync" log to decide which
// local tables actually need a refresh.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/internal/format"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/mobiletoly/go-agrosync/remote"
	"golang.org/x/sync/singleflight"
)

// Config holds what a Session needs.
type Config struct {
	Remote   remote.Client
	Store    *localstore.Store
	PageSize int           // remote ledger page size, default 1000
	CheckTTL time.Duration // how long a computed check is reused, default 1s
	Logger   *slog.Logger
	Now      func() time.Time
}

// Check is the outcome of one ledger consultation.
type Check struct {
	Revision      int64
	UpdatedTables map[string]struct{}
	HasLocalSync  bool
	HasNewRows    bool
	TotalSyncRows int
	FetchFailed   bool
}

// Mentions reports whether the check names table (case-insensitively) or
// carries the wildcard.
func (c *Check) Mentions(table string) bool {
	if _, ok := c.UpdatedTables[Wildcard]; ok {
		return true
	}
	_, ok := c.UpdatedTables[normalizeName(table)]
	return ok
}

// Tables returns the updated table names in sorted order.
func (c *Check) Tables() []string {
	out := make([]string, 0, len(c.UpdatedTables))
	for name := range c.UpdatedTables {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Session owns the memoized check and the per-revision "already told to
// refresh" set. One Session per sync owner; Reset clears everything.
type Session struct {
	remote   remote.Client
	store    *localstore.Store
	pageSize int
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time

	group singleflight.Group

	mu           sync.Mutex
	generation   uint64
	cached       *Check
	cachedAt     time.Time
	lastRevision int64
	refreshedRev int64
	refreshed    map[string]struct{}
}

// NewSession validates cfg and applies defaults.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if _, ok := cfg.Store.Def(catalog.Ledger); !ok {
		return nil, fmt.Errorf("local store has no %q table", catalog.Ledger)
	}
	s := &Session{
		remote:    cfg.Remote,
		store:     cfg.Store,
		pageSize:  cfg.PageSize,
		ttl:       cfg.CheckTTL,
		logger:    cfg.Logger,
		now:       cfg.Now,
		refreshed: make(map[string]struct{}),
	}
	if s.pageSize <= 0 {
		s.pageSize = 1000
	}
	if s.ttl <= 0 {
		s.ttl = time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Session) nextRevision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.now().UnixNano()
	if rev <= s.lastRevision {
		rev = s.lastRevision + 1
	}
	s.lastRevision = rev
	return rev
}

// Compute performs one ledger consultation. It never fails: any error yields
// a check with FetchFailed set and no updated tables, which callers treat as
// "refresh everything".
func (s *Session) Compute(ctx context.Context) *Check {
	ledgerTable := s.store.Table(catalog.Ledger)

	local, err := ledgerTable.ToArray(ctx)
	if err != nil {
		return s.failed(err, 0, false)
	}

	watermark, watermarkTime := "", time.Time{}
	for _, row := range local {
		raw, ok := row["created_at"].(string)
		if !ok || raw == "" {
			continue
		}
		t, err := format.ParseDate(raw)
		if err != nil {
			if raw > watermark && watermarkTime.IsZero() {
				watermark = raw
			}
			continue
		}
		if t.After(watermarkTime) {
			watermark, watermarkTime = raw, t
		}
	}

	q := remote.Select("*").Order("created_at", true)
	if watermark != "" {
		q = q.Gt("created_at", watermark)
	}

	var fetched []localstore.Row
	for offset := 0; ; offset += s.pageSize {
		page, err := s.remote.Select(ctx, catalog.Ledger, q.Range(offset, offset+s.pageSize-1))
		if err != nil {
			return s.failed(err, len(local), len(local) > 0)
		}
		fetched = append(fetched, page...)
		if len(page) < s.pageSize {
			break
		}
	}

	if len(fetched) > 0 {
		if err := ledgerTable.BulkPut(ctx, fetched); err != nil {
			return s.failed(err, len(local), len(local) > 0)
		}
	}

	updated := make(map[string]struct{})
	for _, row := range fetched {
		for _, name := range NormalizeTables(row["tables"]) {
			updated[name] = struct{}{}
		}
	}

	check := &Check{
		Revision:      s.nextRevision(),
		UpdatedTables: updated,
		HasLocalSync:  len(local) > 0 || len(fetched) > 0,
		HasNewRows:    len(fetched) > 0,
		TotalSyncRows: len(local) + len(fetched),
	}
	s.logger.Debug("ledger check computed",
		"revision", check.Revision,
		"new_rows", len(fetched),
		"updated_tables", strings.Join(check.Tables(), ","))
	return check
}

func (s *Session) failed(err error, total int, hasLocal bool) *Check {
	s.logger.Warn("ledger check failed, assuming every table changed", "error", err)
	return &Check{
		Revision:      s.nextRevision(),
		UpdatedTables: map[string]struct{}{},
		HasLocalSync:  hasLocal,
		TotalSyncRows: total,
		FetchFailed:   true,
	}
}

// Get returns the memoized check, computing it when there is none or it is
// older than the TTL. Concurrent callers share one computation.
func (s *Session) Get(ctx context.Context) *Check {
	s.mu.Lock()
	if s.cached != nil && s.now().Sub(s.cachedAt) < s.ttl {
		check := s.cached
		s.mu.Unlock()
		return check
	}
	gen := s.generation
	s.mu.Unlock()

	v, _, _ := s.group.Do(fmt.Sprintf("check-%d", gen), func() (any, error) {
		s.mu.Lock()
		if s.cached != nil && s.generation == gen && s.now().Sub(s.cachedAt) < s.ttl {
			check := s.cached
			s.mu.Unlock()
			return check, nil
		}
		s.mu.Unlock()

		check := s.Compute(ctx)
		s.mu.Lock()
		if s.generation == gen {
			s.cached = check
			s.cachedAt = s.now()
		}
		s.mu.Unlock()
		return check, nil
	})
	return v.(*Check)
}

// Invalidate drops the memoized check so the next Get recomputes. The
// per-revision refreshed set is kept; a new revision replaces it anyway.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.cached = nil
}

// Reset clears all memoized state. Called after local writes that appended
// a ledger row so the next cycle observes them.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.cached = nil
	s.refreshedRev = 0
	s.refreshed = make(map[string]struct{})
}

// ShouldRefreshTable decides whether table needs a refresh in the current
// check cycle. A true answer is given at most once per revision.
func (s *Session) ShouldRefreshTable(ctx context.Context, table string, handle *localstore.Table) bool {
	return s.ShouldRefreshTableFor(ctx, s.Get(ctx), table, handle)
}

// ShouldRefreshTableFor is ShouldRefreshTable against an explicit check, so
// every table of one cycle is judged by the same ledger consultation however
// long the cycle takes.
func (s *Session) ShouldRefreshTableFor(ctx context.Context, check *Check, table string, handle *localstore.Table) bool {
	localEmpty := true
	if handle != nil {
		if n, err := handle.Count(ctx); err == nil {
			localEmpty = n == 0
		}
	}
	name := normalizeName(table)

	s.mu.Lock()
	defer s.mu.Unlock()
	if check.Revision != s.refreshedRev {
		s.refreshedRev = check.Revision
		s.refreshed = make(map[string]struct{})
	}
	if _, done := s.refreshed[name]; done {
		return false
	}

	switch {
	case check.FetchFailed:
		s.refreshed[name] = struct{}{}
		return true
	case name == catalog.Ledger:
		return localEmpty
	case !check.HasLocalSync:
		return localEmpty
	case !check.HasNewRows:
		return localEmpty
	case !check.Mentions(name):
		return false
	}
	s.refreshed[name] = struct{}{}
	return true
}

// Append records on the remote ledger that tables changed and resets the
// session.
func (s *Session) Append(ctx context.Context, tables ...string) error {
	names := NormalizeTables(strings.Join(tables, ","))
	if len(names) == 0 {
		return nil
	}
	defer s.Reset()
	if _, err := s.remote.Insert(ctx, catalog.Ledger, remote.Row{"tables": strings.Join(names, ",")}); err != nil {
		return fmt.Errorf("failed to append ledger row: %w", err)
	}
	return nil
}
