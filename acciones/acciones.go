// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package acciones records per-bed measurements, keeping one row per bed and
// calendar day. Each measurement kind is its own column, filled in
// independently as the day goes on.
package acciones

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/internal/format"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/mobiletoly/go-agrosync/outbox"
	"github.com/mobiletoly/go-agrosync/remote"
)

const (
	fieldCama  = "id_cama"
	fieldFecha = "fecha"
)

// Config holds the service collaborators.
type Config struct {
	Queue    *outbox.Queue
	Store    *localstore.Store
	Remote   remote.Client        // optional; consulted when nothing is cached
	Online   outbox.OnlineChecker // optional; nil means always online
	Location *time.Location       // calendar used for day bucketing; nil means time.Local
	Now      func() time.Time
	Logger   *slog.Logger
}

// Service is the day-bucketed write path for the acciones table.
type Service struct {
	queue    *outbox.Queue
	store    *localstore.Store
	remote   remote.Client
	online   outbox.OnlineChecker
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("outbox queue cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if _, ok := cfg.Store.Def(catalog.Acciones); !ok {
		return nil, fmt.Errorf("%w: %s", localstore.ErrUnknownTable, catalog.Acciones)
	}
	s := &Service{
		queue:    cfg.Queue,
		store:    cfg.Store,
		remote:   cfg.Remote,
		online:   cfg.Online,
		location: cfg.Location,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if s.location == nil {
		s.location = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Today returns the current calendar day in the service's location.
func (s *Service) Today() string {
	return format.DateOnly(s.now().In(s.location))
}

// Record stores value in column of today's row for the bed, creating the row
// if this is the first measurement of the day. The saved row is returned.
func (s *Service) Record(ctx context.Context, camaID any, column string, value any) (localstore.Row, error) {
	if camaID == nil || camaID == "" {
		return nil, fmt.Errorf("bed id is required")
	}
	if !remote.ValidIdent(column) {
		return nil, fmt.Errorf("invalid column name %q", column)
	}
	pk := catalog.PrimaryKey(catalog.Acciones)
	if column == pk || column == fieldCama || column == fieldFecha {
		return nil, fmt.Errorf("column %q is not a measurement", column)
	}

	today := s.Today()
	row := s.findToday(ctx, camaID, today)
	if row == nil {
		row = localstore.Row{fieldCama: camaID, fieldFecha: today}
	} else {
		row = maps.Clone(row)
	}
	row[column] = value

	saved, err := s.queue.SaveData(ctx, catalog.Acciones, row)
	if err != nil {
		return nil, fmt.Errorf("failed to save %s for bed %v: %w", column, camaID, err)
	}
	return saved, nil
}

// findToday returns the bed's row for day, or nil. The local cache is
// consulted first; the remote store only when the cache has nothing and the
// device is online.
func (s *Service) findToday(ctx context.Context, camaID any, day string) localstore.Row {
	rows, err := s.store.Table(catalog.Acciones).Where(fieldCama).Equals(ctx, camaID)
	if err != nil {
		s.logger.Warn("failed to read cached acciones", "table", catalog.Acciones, "error", err)
	}
	for _, r := range rows {
		if format.SameDay(r[fieldFecha], day) {
			return r
		}
	}

	if s.remote == nil || (s.online != nil && !s.online.Online()) {
		return nil
	}
	q := remote.Query{}.Eq(fieldCama, camaID).Eq(fieldFecha, day)
	row, err := s.remote.SelectSingle(ctx, catalog.Acciones, q)
	if remote.IsNotFound(err) {
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to look up today's acciones row", "table", catalog.Acciones, "error", err)
		return nil
	}
	if err := s.store.Table(catalog.Acciones).Put(ctx, row); err != nil {
		s.logger.Warn("failed to cache acciones row", "table", catalog.Acciones, "error", err)
	}
	return row
}
