// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/internal/format"
	"github.com/mobiletoly/go-agrosync/remote"
)

// Operation names used by call counters and fault injection.
const (
	OpSelect = "select"
	OpSingle = "single"
	OpInsert = "insert"
	OpUpdate = "update"
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// stampLayout renders server timestamps with fixed microsecond precision,
// as Postgres does for timestamptz.
const stampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Memory is a remote.Client backed by maps. Tables from the catalog are
// predeclared; the ledger table stamps created_at on insert.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]remote.Row
	pks    map[string]string
	stamps map[string]string
	nextID map[string]int64
	calls  map[string]int
	last   time.Time

	// Fail, when set, is consulted before every call; a non-nil error is
	// returned to the caller and the call has no effect.
	Fail func(op, table string, q remote.Query) error
}

// NewMemory builds an empty store with the catalog tables declared.
func NewMemory() *Memory {
	m := &Memory{
		tables: make(map[string][]remote.Row),
		pks:    make(map[string]string),
		stamps: make(map[string]string),
		nextID: make(map[string]int64),
		calls:  make(map[string]int),
	}
	for _, e := range catalog.All() {
		m.pks[e.Name] = e.PrimaryKey
	}
	m.stamps[catalog.Ledger] = "created_at"
	return m
}

// Seed stores rows as-is, assigning ids to rows without one.
func (m *Memory) Seed(table string, rows ...remote.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.insertLocked(table, maps.Clone(row))
	}
}

// Rows returns a copy of the table contents.
func (m *Memory) Rows(table string) []remote.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]remote.Row, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, maps.Clone(r))
	}
	return out
}

// Calls returns how many times op was invoked (failed calls included).
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls returns the number of calls of any kind.
func (m *Memory) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

// ResetCalls zeroes the call counters.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// Unavailable is a Fail func simulating a network outage.
func Unavailable(string, string, remote.Query) error {
	return &remote.Error{Message: "network unreachable", Status: http.StatusServiceUnavailable}
}

func (m *Memory) enter(op, table string, q remote.Query) error {
	m.calls[op]++
	if m.Fail != nil {
		return m.Fail(op, table, q)
	}
	return nil
}

func (m *Memory) pk(table string) string {
	if pk := m.pks[table]; pk != "" {
		return pk
	}
	return "id"
}

func (m *Memory) Select(_ context.Context, table string, q remote.Query) ([]remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSelect, table, q); err != nil {
		return nil, err
	}
	return m.selectLocked(table, q), nil
}

func (m *Memory) SelectSingle(_ context.Context, table string, q remote.Query) (remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSingle, table, q); err != nil {
		return nil, err
	}
	rows := m.selectLocked(table, q)
	if len(rows) != 1 {
		return nil, noRows(len(rows))
	}
	return rows[0], nil
}

func (m *Memory) Insert(_ context.Context, table string, row remote.Row) (remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpInsert, table, remote.Query{}); err != nil {
		return nil, err
	}
	pk := m.pk(table)
	if v, ok := row[pk]; ok && v != nil {
		if _, idx := m.findLocked(table, pk, v); idx >= 0 {
			return nil, &remote.Error{Code: "23505", Message: "duplicate key value violates unique constraint",
				Status: http.StatusConflict}
		}
	}
	return maps.Clone(m.insertLocked(table, maps.Clone(row))), nil
}

func (m *Memory) Update(_ context.Context, table string, patch remote.Row, q remote.Query) (remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpdate, table, q); err != nil {
		return nil, err
	}
	var idxs []int
	for i, r := range m.tables[table] {
		if matches(r, q.Filters) {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) != 1 {
		return nil, noRows(len(idxs))
	}
	row := m.tables[table][idxs[0]]
	for k, v := range patch {
		row[k] = v
	}
	return maps.Clone(row), nil
}

func (m *Memory) Upsert(_ context.Context, table string, rows []remote.Row, onConflict string) ([]remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpUpsert, table, remote.Query{}); err != nil {
		return nil, err
	}
	keys := []string{m.pk(table)}
	if onConflict != "" {
		keys = strings.Split(onConflict, ",")
	}
	out := make([]remote.Row, 0, len(rows))
	for _, row := range rows {
		filters := make([]remote.Filter, 0, len(keys))
		for _, k := range keys {
			k = strings.TrimSpace(k)
			filters = append(filters, remote.Filter{Field: k, Op: remote.OpEq, Value: row[k]})
		}
		merged := false
		for _, existing := range m.tables[table] {
			if matches(existing, filters) {
				for k, v := range row {
					existing[k] = v
				}
				out = append(out, maps.Clone(existing))
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, maps.Clone(m.insertLocked(table, maps.Clone(row))))
		}
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, table string, q remote.Query) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpDelete, table, q); err != nil {
		return err
	}
	kept := m.tables[table][:0]
	for _, r := range m.tables[table] {
		if !matches(r, q.Filters) {
			kept = append(kept, r)
		}
	}
	m.tables[table] = kept
	return nil
}

func (m *Memory) insertLocked(table string, row remote.Row) remote.Row {
	pk := m.pk(table)
	if v, ok := row[pk]; !ok || v == nil {
		m.nextID[table]++
		row[pk] = float64(m.nextID[table])
	} else if f, ok := format.ToFloat(v); ok && int64(f) > m.nextID[table] {
		m.nextID[table] = int64(f)
	}
	if field := m.stamps[table]; field != "" {
		if _, ok := row[field]; !ok {
			now := time.Now().UTC().Truncate(time.Microsecond)
			if !now.After(m.last) {
				now = m.last.Add(time.Microsecond)
			}
			m.last = now
			row[field] = now.Format(stampLayout)
		}
	}
	m.tables[table] = append(m.tables[table], row)
	return row
}

func (m *Memory) findLocked(table, field string, v any) (remote.Row, int) {
	for i, r := range m.tables[table] {
		if equalValues(r[field], v) {
			return r, i
		}
	}
	return nil, -1
}

func (m *Memory) selectLocked(table string, q remote.Query) []remote.Row {
	var rows []remote.Row
	for _, r := range m.tables[table] {
		if matches(r, q.Filters) {
			rows = append(rows, r)
		}
	}
	if len(q.Orders) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, o := range q.Orders {
				c := compareValues(rows[i][o.Field], rows[j][o.Field])
				if c == 0 {
					continue
				}
				if o.Ascending {
					return c < 0
				}
				return c > 0
			}
			return false
		})
	}
	if q.Ranged() {
		from, to := q.From, q.To+1
		if from > len(rows) {
			from = len(rows)
		}
		if to > len(rows) {
			to = len(rows)
		}
		rows = rows[from:to]
	}
	cols := q.ColumnList()
	out := make([]remote.Row, 0, len(rows))
	for _, r := range rows {
		if len(cols) == 0 {
			out = append(out, maps.Clone(r))
			continue
		}
		projected := make(remote.Row, len(cols))
		for _, c := range cols {
			projected[c] = r[c]
		}
		out = append(out, projected)
	}
	return out
}

func matches(r remote.Row, filters []remote.Filter) bool {
	for _, f := range filters {
		v := r[f.Field]
		switch f.Op {
		case remote.OpEq:
			if !equalValues(v, f.Value) {
				return false
			}
		case remote.OpGt:
			if v == nil || compareValues(v, f.Value) <= 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return compareValues(a, b) == 0
}

// compareValues orders numbers numerically, timestamps chronologically and
// everything else as text.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	if ta, err := format.ParseDate(sa); err == nil {
		if tb, err := format.ParseDate(sb); err == nil {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(sa, sb)
}

func number(v any) (float64, bool) {
	if _, isString := v.(string); isString {
		return 0, false
	}
	return format.ToFloat(v)
}

func noRows(n int) error {
	return &remote.Error{
		Code:    remote.CodeNoRows,
		Message: "JSON object requested, multiple (or no) rows returned",
		Details: fmt.Sprintf("The result contains %d rows", n),
		Status:  http.StatusNotAcceptable,
	}
}

var _ remote.Client = (*Memory)(nil)
