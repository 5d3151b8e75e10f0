// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the contract of the authoritative backend store and
// two implementations of it: a PostgREST HTTP client and a direct Postgres
// client.
package remote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Row is one remote record.
type Row = map[string]any

// CodeNoRows is the PostgREST code for a single-object read that matched zero
// (or more than one) rows.
const CodeNoRows = "PGRST116"

// Client is the remote store contract. Every call may fail with *Error.
type Client interface {
	// Select returns the rows matching q.
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	// SelectSingle returns exactly one row, or an *Error with CodeNoRows.
	SelectSingle(ctx context.Context, table string, q Query) (Row, error)
	// Insert creates row and returns it with server-assigned fields.
	Insert(ctx context.Context, table string, row Row) (Row, error)
	// Update applies patch to the single row matched by q and returns it.
	Update(ctx context.Context, table string, patch Row, q Query) (Row, error)
	// Upsert inserts or merges rows on the onConflict columns (primary key when empty).
	Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error)
	// Delete removes the rows matched by q.
	Delete(ctx context.Context, table string, q Query) error
}

// Error is a structured remote failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Status  int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a "no rows" answer to a single-object read.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == CodeNoRows
}

// FilterOp is a comparison operator.
type FilterOp string

const (
	OpEq FilterOp = "eq"
	OpGt FilterOp = "gt"
)

// Filter restricts a query to rows whose Field compares to Value.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Order is one ORDER BY term.
type Order struct {
	Field     string
	Ascending bool
}

// Query describes a read (and the row filter of update/delete).
// The zero value selects every column of every row.
type Query struct {
	Columns string
	Filters []Filter
	Orders  []Order
	// From and To are an inclusive row range; To < 0 means unbounded.
	From, To int
	ranged   bool
}

// Select starts a query projecting columns ("*" or a comma list).
func Select(columns string) Query {
	return Query{Columns: columns}
}

// Eq adds an equality filter.
func (q Query) Eq(field string, value any) Query {
	q.Filters = append(slices.Clip(q.Filters), Filter{Field: field, Op: OpEq, Value: value})
	return q
}

// Gt adds a strictly-greater-than filter.
func (q Query) Gt(field string, value any) Query {
	q.Filters = append(slices.Clip(q.Filters), Filter{Field: field, Op: OpGt, Value: value})
	return q
}

// Order appends an ordering term.
func (q Query) Order(field string, ascending bool) Query {
	q.Orders = append(slices.Clip(q.Orders), Order{Field: field, Ascending: ascending})
	return q
}

// Range limits the result to rows [from, to], both inclusive.
func (q Query) Range(from, to int) Query {
	q.From, q.To, q.ranged = from, to, true
	return q
}

// Ranged reports whether a range was set.
func (q Query) Ranged() bool { return q.ranged && q.To >= q.From }

// Limit returns the number of rows the range spans.
func (q Query) Limit() int { return q.To - q.From + 1 }

// ColumnList returns the projected columns, or nil for all columns.
func (q Query) ColumnList() []string {
	cols := strings.TrimSpace(q.Columns)
	if cols == "" || cols == "*" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(cols, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether name is a plain SQL identifier.
func ValidIdent(name string) bool { return identRe.MatchString(name) }

func (q Query) validate() error {
	for _, c := range q.ColumnList() {
		if !ValidIdent(c) {
			return fmt.Errorf("invalid column %q", c)
		}
	}
	for _, f := range q.Filters {
		if !ValidIdent(f.Field) {
			return fmt.Errorf("invalid filter field %q", f.Field)
		}
		if f.Op != OpEq && f.Op != OpGt {
			return fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	for _, o := range q.Orders {
		if !ValidIdent(o.Field) {
			return fmt.Errorf("invalid order field %q", o.Field)
		}
	}
	return nil
}
