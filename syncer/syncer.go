// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncer drives sync cycles: flush the outbox, then pull the tables
// the change ledger reports as stale. Cycles run at startup, on reconnect, on
// a timer and on demand.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiletoly/go-agrosync/connectivity"
	"github.com/mobiletoly/go-agrosync/outbox"
	"github.com/mobiletoly/go-agrosync/pullsync"
)

// Config holds the orchestration collaborators and timing.
type Config struct {
	Queue      *outbox.Queue
	Engine     *pullsync.Engine
	Online     connectivity.Checker // optional; nil means always online
	Interval   time.Duration        // between periodic cycles, default 30s
	BackoffMin time.Duration        // 1s
	BackoffMax time.Duration        // 60s
	Logger     *slog.Logger
	Now        func() time.Time
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		BackoffMin: 1 * time.Second,
		BackoffMax: 60 * time.Second,
	}
}

// Status is a snapshot for sync indicators.
type Status struct {
	Online       bool
	Syncing      bool
	PendingCount int
	LastSync     time.Time // end of the last completed cycle
	LastError    string    // empty when the last cycle succeeded
	LastReport   outbox.Report
	Refreshed    int // tables pulled by the last cycle
}

// Syncer owns one sync session.
type Syncer struct {
	queue  *outbox.Queue
	engine *pullsync.Engine
	online connectivity.Checker
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	syncing atomic.Bool

	mu         sync.Mutex
	lastSync   time.Time
	lastError  string
	lastReport outbox.Report
	refreshed  int
}

// New validates cfg and applies defaults.
func New(cfg Config) (*Syncer, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("outbox queue cannot be nil")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("pull engine cannot be nil")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffMin)
	}
	s := &Syncer{
		queue:  cfg.Queue,
		engine: cfg.Engine,
		online: cfg.Online,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Syncer) isOnline() bool {
	return s.online == nil || s.online.Online()
}

// InitializeSync runs the startup cycle. Offline it makes no network calls
// and the cached tables are served as they are.
func (s *Syncer) InitializeSync(ctx context.Context) Status {
	if !s.isOnline() {
		s.logger.Info("starting offline, serving cached data")
		return s.Status(ctx)
	}
	status, _ := s.TriggerSync(ctx)
	return status
}

// TriggerSync runs one cycle unless one is already running or the device is
// offline. The error is that of this cycle; it is nil when nothing ran.
func (s *Syncer) TriggerSync(ctx context.Context) (Status, error) {
	if !s.isOnline() {
		return s.Status(ctx), nil
	}
	if !s.syncing.CompareAndSwap(false, true) {
		return s.Status(ctx), nil
	}
	err := s.cycle(ctx)
	s.syncing.Store(false)
	return s.Status(ctx), err
}

func (s *Syncer) cycle(ctx context.Context) error {
	report := s.queue.Process(ctx)
	results := s.engine.RefreshAll(ctx)

	refreshed := 0
	for _, r := range results {
		if r.Refreshed {
			refreshed++
		}
	}

	var err error
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case report.Failed > 0:
		err = fmt.Errorf("%d of %d outbox entries failed", report.Failed, report.Attempted)
	}

	s.mu.Lock()
	s.lastSync = s.now()
	s.lastReport = report
	s.refreshed = refreshed
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	s.logger.Debug("sync cycle finished",
		"applied", report.Applied, "failed", report.Failed, "refreshed", refreshed)
	return err
}

// Status returns the current indicator state.
func (s *Syncer) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		LastSync:   s.lastSync,
		LastError:  s.lastError,
		LastReport: s.lastReport,
		Refreshed:  s.refreshed,
	}
	s.mu.Unlock()

	st.Online = s.isOnline()
	st.Syncing = s.syncing.Load()
	n, err := s.queue.PendingCount(ctx)
	if err != nil {
		s.logger.Warn("failed to count pending changes", "error", err)
	}
	st.PendingCount = n
	return st
}

// Run performs the startup cycle and then syncs on every interval and
// whenever connectivity comes back, until ctx is done. Failed cycles are
// retried with exponential backoff.
func (s *Syncer) Run(ctx context.Context) {
	var events <-chan bool
	if src, ok := s.online.(connectivity.Source); ok {
		ch, cancel := src.Subscribe()
		defer cancel()
		events = ch
	}

	backoff := s.cfg.BackoffMin
	next := func(err error) time.Duration {
		if err == nil {
			backoff = s.cfg.BackoffMin
			return s.cfg.Interval
		}
		wait := backoff
		backoff = nextBackoff(backoff, s.cfg.BackoffMax)
		s.logger.Warn("sync cycle failed", "error", err, "retry_in", wait)
		return wait
	}

	_, err := s.TriggerSync(ctx)
	timer := time.NewTimer(next(err))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !online {
				s.logger.Info("went offline, serving cached data")
				continue
			}
			s.logger.Info("back online, syncing")
			_, err = s.TriggerSync(ctx)
		case <-timer.C:
			_, err = s.TriggerSync(ctx)
		}
		timer.Reset(next(err))
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	cur *= 2
	if cur > limit {
		cur = limit
	}
	return cur
}
