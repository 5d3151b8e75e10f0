// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore provides the on-device cache: one keyed SQLite table per
// entity type, queryable by primary key or by any indexed field, with change
// notifications for live readers.
//
// Rows are stored as JSON documents next to a canonical text primary key, so
// the cache reproduces the behaviour of the remote tables without having to
// mirror their column types.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned by Get when no row carries the requested key.
	ErrNotFound = errors.New("localstore: row not found")
	// ErrUnknownTable is returned by operations on a table that was not declared at Open.
	ErrUnknownTable = errors.New("localstore: unknown table")
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Row is one record: field name to scalar (or nil) value.
type Row = map[string]any

// TableDef declares an entity table, its primary-key field and the fields
// used in Where lookups.
type TableDef struct {
	Name       string
	PrimaryKey string
	Indexes    []string
}

// Change is published to subscribers after every successful write.
type Change struct {
	Table string
	Op    string // "put", "delete", "clear", "replace"
}

// Store is the local persisted store.
type Store struct {
	DB     *sql.DB
	defs   map[string]TableDef
	logger *slog.Logger

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// Open opens (or creates) the SQLite file at path and declares the given tables.
// Use ":memory:" for a throwaway cache.
func Open(path string, defs []TableDef, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: keeps ":memory:" databases shared and avoids SQLite lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store, err := New(db, defs, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an already opened database and creates the declared tables.
func New(db *sql.DB, defs []TableDef, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		DB:     db,
		defs:   make(map[string]TableDef, len(defs)),
		logger: logger,
		subs:   make(map[int]chan Change),
	}
	for _, def := range defs {
		if err := validateDef(def); err != nil {
			return nil, err
		}
		s.defs[def.Name] = def
	}
	if err := s.initializeSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return s, nil
}

func validateDef(def TableDef) error {
	if !identRe.MatchString(def.Name) {
		return fmt.Errorf("invalid table name %q", def.Name)
	}
	if !identRe.MatchString(def.PrimaryKey) {
		return fmt.Errorf("invalid primary key %q for table %s", def.PrimaryKey, def.Name)
	}
	for _, field := range def.Indexes {
		if !identRe.MatchString(field) {
			return fmt.Errorf("invalid index field %q for table %s", field, def.Name)
		}
	}
	return nil
}

func (s *Store) initializeSchema() error {
	for _, def := range s.defs {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			pk   TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`, def.Name)
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", def.Name, err)
		}
		for _, field := range def.Indexes {
			idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_%s_%s" ON "%s"(%s)`,
				def.Name, field, def.Name, fieldExpr(field))
			if _, err := s.DB.Exec(idx); err != nil {
				return fmt.Errorf("failed to create index %s.%s: %w", def.Name, field, err)
			}
		}
	}
	return nil
}

// fieldExpr must stay identical between index creation and lookups so SQLite
// can use the expression index.
func fieldExpr(field string) string {
	return fmt.Sprintf("json_extract(data, '$.%s')", field)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.DB.Close()
}

// Tables returns the declared table names in sorted order.
func (s *Store) Tables() []string {
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Def returns the declaration of a table.
func (s *Store) Def(name string) (TableDef, bool) {
	def, ok := s.defs[name]
	return def, ok
}

// Table returns a handle for the named table. Errors for undeclared tables
// surface from the handle's operations as ErrUnknownTable.
func (s *Store) Table(name string) *Table {
	def, ok := s.defs[name]
	return &Table{store: s, def: def, known: ok, name: name}
}

// Subscribe registers a reader for change notifications. Sends never block:
// a reader that falls behind misses events and should simply re-query.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
			s.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Store) notify(table, op string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- Change{Table: table, Op: op}:
		default:
		}
	}
}

// RewriteValue replaces every string field equal to oldValue with newValue in
// all declared tables, re-keying rows whose primary key was oldValue. Readers
// never observe a half-rewritten cache. Returns the number of rows touched.
func (s *Store) RewriteValue(ctx context.Context, oldValue string, newValue any) (int, error) {
	var touched int
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		touched, err = tx.RewriteValue(oldValue, newValue)
		return err
	})
	return touched, err
}

func rewriteInTable(ctx context.Context, tx *sql.Tx, def TableDef, needle, oldValue string, newValue any) (int, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT pk, data FROM "%s" WHERE instr(data, ?) > 0`, def.Name), needle)
	if err != nil {
		return 0, err
	}
	type hit struct {
		pk  string
		row Row
	}
	var hits []hit
	for rows.Next() {
		var pk, data string
		if err := rows.Scan(&pk, &data); err != nil {
			rows.Close()
			return 0, err
		}
		row, err := decodeRow(data)
		if err != nil {
			rows.Close()
			return 0, err
		}
		hits = append(hits, hit{pk: pk, row: row})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	touched := 0
	for _, h := range hits {
		changed := false
		for field, v := range h.row {
			if str, ok := v.(string); ok && str == oldValue {
				h.row[field] = newValue
				changed = true
			}
		}
		if !changed {
			continue
		}
		newPK, err := rowKey(h.row, def.PrimaryKey)
		if err != nil {
			return 0, err
		}
		if newPK != h.pk {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE pk = ?`, def.Name), h.pk); err != nil {
				return 0, err
			}
		}
		if err := putRow(ctx, tx, def, newPK, h.row); err != nil {
			return 0, err
		}
		touched++
	}
	return touched, nil
}
