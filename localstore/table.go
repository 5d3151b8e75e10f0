// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-agrosync/internal/format"
)

// sqlExecer is satisfied by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Table is a handle on one entity table.
type Table struct {
	store *Store
	def   TableDef
	known bool
	name  string
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// PrimaryKey returns the primary-key field name.
func (t *Table) PrimaryKey() string { return t.def.PrimaryKey }

func (t *Table) check() error {
	if !t.known {
		return fmt.Errorf("%w: %s", ErrUnknownTable, t.name)
	}
	return nil
}

// Key returns the canonical key of a row in this table.
func (t *Table) Key(row Row) (string, error) {
	if err := t.check(); err != nil {
		return "", err
	}
	return rowKey(row, t.def.PrimaryKey)
}

// BulkPut upserts rows by primary key. Existing rows are overwritten, so
// repeating the call with the same rows leaves the table unchanged.
func (t *Table) BulkPut(ctx context.Context, rows []Row) error {
	if err := t.check(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := t.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := putRows(ctx, tx, t.def, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk put on %s: %w", t.name, err)
	}
	t.store.notify(t.name, "put")
	return nil
}

// Put upserts a single row.
func (t *Table) Put(ctx context.Context, row Row) error {
	return t.BulkPut(ctx, []Row{row})
}

// Replace clears the table and writes rows inside one transaction: readers
// see either the old contents or the new ones.
func (t *Table) Replace(ctx context.Context, rows []Row) error {
	if err := t.check(); err != nil {
		return err
	}
	tx, err := t.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, t.name)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", t.name, err)
	}
	if err := putRows(ctx, tx, t.def, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace on %s: %w", t.name, err)
	}
	t.store.notify(t.name, "replace")
	return nil
}

// Clear removes every row of the table.
func (t *Table) Clear(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, err := t.store.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, t.name)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", t.name, err)
	}
	t.store.notify(t.name, "clear")
	return nil
}

// Delete removes the row with the given key. Deleting a missing key is not an error.
func (t *Table) Delete(ctx context.Context, key any) error {
	if err := t.check(); err != nil {
		return err
	}
	pk, err := format.KeyString(key)
	if err != nil {
		return fmt.Errorf("invalid key for %s: %w", t.name, err)
	}
	if _, err := t.store.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE pk = ?`, t.name), pk); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", t.name, err)
	}
	t.store.notify(t.name, "delete")
	return nil
}

// Get returns the row with the given key, or ErrNotFound.
func (t *Table) Get(ctx context.Context, key any) (Row, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	pk, err := format.KeyString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid key for %s: %w", t.name, err)
	}
	var data string
	err = t.store.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM "%s" WHERE pk = ?`, t.name), pk).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s[%s]", ErrNotFound, t.name, pk)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s[%s]: %w", t.name, pk, err)
	}
	return decodeRow(data)
}

// ToArray returns a snapshot of every row in insertion order.
func (t *Table) ToArray(ctx context.Context) ([]Row, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.query(ctx, fmt.Sprintf(`SELECT data FROM "%s" ORDER BY rowid`, t.name))
}

// Count returns the number of rows.
func (t *Table) Count(ctx context.Context) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	var n int
	if err := t.store.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, t.name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t.name, err)
	}
	return n, nil
}

// Where starts an equality lookup on field.
func (t *Table) Where(field string) *Where {
	return &Where{table: t, field: field}
}

// Where is a pending field lookup.
type Where struct {
	table *Table
	field string
}

// Equals returns the rows whose field equals value.
func (w *Where) Equals(ctx context.Context, value any) ([]Row, error) {
	if err := w.table.check(); err != nil {
		return nil, err
	}
	if !identRe.MatchString(w.field) {
		return nil, fmt.Errorf("invalid field %q", w.field)
	}
	if b, ok := value.(bool); ok {
		value = 0
		if b {
			value = 1
		}
	}
	q := fmt.Sprintf(`SELECT data FROM "%s" WHERE %s = ? ORDER BY rowid`, w.table.name, fieldExpr(w.field))
	return w.table.query(ctx, q, value)
}

func (t *Table) query(ctx context.Context, q string, args ...any) ([]Row, error) {
	rows, err := t.store.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.name, err)
	}
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.name, err)
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", t.name, err)
	}
	return out, nil
}

func putRows(ctx context.Context, ex sqlExecer, def TableDef, rows []Row) error {
	for _, row := range rows {
		pk, err := rowKey(row, def.PrimaryKey)
		if err != nil {
			return fmt.Errorf("row in %s: %w", def.Name, err)
		}
		if err := putRow(ctx, ex, def, pk, row); err != nil {
			return err
		}
	}
	return nil
}

func putRow(ctx context.Context, ex sqlExecer, def TableDef, pk string, row Row) error {
	data, err := marshalJSON(row)
	if err != nil {
		return fmt.Errorf("failed to encode %s[%s]: %w", def.Name, pk, err)
	}
	_, err = ex.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (pk, data) VALUES (?, ?)
		ON CONFLICT(pk) DO UPDATE SET data = excluded.data`, def.Name), pk, data)
	if err != nil {
		return fmt.Errorf("failed to put %s[%s]: %w", def.Name, pk, err)
	}
	return nil
}

func rowKey(row Row, field string) (string, error) {
	v, ok := row[field]
	if !ok {
		return "", fmt.Errorf("missing primary key %q", field)
	}
	pk, err := format.KeyString(v)
	if err != nil {
		return "", fmt.Errorf("invalid primary key %q: %w", field, err)
	}
	return pk, nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRow(data string) (Row, error) {
	var row Row
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("failed to decode row: %w", err)
	}
	return row, nil
}
