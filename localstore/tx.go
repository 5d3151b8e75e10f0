// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobiletoly/go-agrosync/internal/format"
)

// Tx groups local store writes with other statements on the same database
// (the embedded *sql.Tx). Change notifications are sent after commit.
type Tx struct {
	*sql.Tx
	ctx     context.Context
	store   *Store
	changed map[string]string
}

// Update runs fn inside one transaction and commits when fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tx := &Tx{Tx: sqlTx, ctx: ctx, store: s, changed: make(map[string]string)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for table, op := range tx.changed {
		s.notify(table, op)
	}
	return nil
}

func (tx *Tx) def(table string) (TableDef, error) {
	def, ok := tx.store.defs[table]
	if !ok {
		return TableDef{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return def, nil
}

// Put upserts rows into table.
func (tx *Tx) Put(table string, rows ...Row) error {
	def, err := tx.def(table)
	if err != nil {
		return err
	}
	if err := putRows(tx.ctx, tx.Tx, def, rows); err != nil {
		return err
	}
	tx.changed[table] = "put"
	return nil
}

// Delete removes the row with key from table.
func (tx *Tx) Delete(table string, key any) error {
	if _, err := tx.def(table); err != nil {
		return err
	}
	pk, err := format.KeyString(key)
	if err != nil {
		return fmt.Errorf("invalid key for %s: %w", table, err)
	}
	if _, err := tx.ExecContext(tx.ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE pk = ?`, table), pk); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	tx.changed[table] = "delete"
	return nil
}

// Has reports whether table holds a row with key.
func (tx *Tx) Has(table string, key any) (bool, error) {
	if _, err := tx.def(table); err != nil {
		return false, err
	}
	pk, err := format.KeyString(key)
	if err != nil {
		return false, fmt.Errorf("invalid key for %s: %w", table, err)
	}
	var one int
	err = tx.QueryRowContext(tx.ctx, fmt.Sprintf(`SELECT 1 FROM "%s" WHERE pk = ?`, table), pk).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up %s[%s]: %w", table, pk, err)
	}
	return true, nil
}

// RewriteValue is Store.RewriteValue within this transaction.
func (tx *Tx) RewriteValue(oldValue string, newValue any) (int, error) {
	if oldValue == "" {
		return 0, fmt.Errorf("empty value to rewrite")
	}
	needle, err := marshalJSON(oldValue)
	if err != nil {
		return 0, err
	}
	touched := 0
	for _, name := range tx.store.Tables() {
		n, err := rewriteInTable(tx.ctx, tx.Tx, tx.store.defs[name], needle, oldValue, newValue)
		if err != nil {
			return 0, fmt.Errorf("failed to rewrite %s: %w", name, err)
		}
		if n > 0 {
			touched += n
			tx.changed[name] = "put"
		}
	}
	return touched, nil
}
