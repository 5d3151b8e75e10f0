// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGClient implements Client directly against Postgres. Rows are rendered
// with row_to_json so they have the same shape as PostgREST responses.
type PGClient struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger
}

// NewPGClient wraps an existing pool. schema defaults to "public".
func NewPGClient(pool *pgxpool.Pool, schema string, logger *slog.Logger) (*PGClient, error) {
	if schema == "" {
		schema = "public"
	}
	if !ValidIdent(schema) {
		return nil, fmt.Errorf("invalid schema %q", schema)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PGClient{pool: pool, schema: schema, logger: logger}, nil
}

// ConnectPG opens a pool for databaseURL and checks it is reachable.
func ConnectPG(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PGClient, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	c, err := NewPGClient(pool, schema, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the pool.
func (c *PGClient) Close() { c.pool.Close() }

// Values are interpolated client-side so untyped literals coerce to the
// column type the same way PostgREST filters do.
const execMode = pgx.QueryExecModeSimpleProtocol

func (c *PGClient) table(name string) (string, error) {
	if !ValidIdent(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return pgx.Identifier{c.schema, name}.Sanitize(), nil
}

// Select implements Client.
func (c *PGClient) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	stmt, args, err := c.selectSQL(table, q, -1)
	if err != nil {
		return nil, err
	}
	return c.queryRows(ctx, stmt, args...)
}

// SelectSingle implements Client.
func (c *PGClient) SelectSingle(ctx context.Context, table string, q Query) (Row, error) {
	stmt, args, err := c.selectSQL(table, q, 2)
	if err != nil {
		return nil, err
	}
	rows, err := c.queryRows(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return single(rows)
}

func (c *PGClient) selectSQL(table string, q Query, limit int) (string, []any, error) {
	tbl, err := c.table(table)
	if err != nil {
		return "", nil, err
	}
	if err := q.validate(); err != nil {
		return "", nil, err
	}

	cols := "*"
	if list := q.ColumnList(); len(list) > 0 {
		quoted := make([]string, len(list))
		for i, col := range list {
			quoted[i] = pgx.Identifier{col}.Sanitize()
		}
		cols = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, tbl)
	where, args := whereClause(q, nil)
	sb.WriteString(where)
	if len(q.Orders) > 0 {
		terms := make([]string, len(q.Orders))
		for i, o := range q.Orders {
			dir := "ASC"
			if !o.Ascending {
				dir = "DESC"
			}
			terms[i] = pgx.Identifier{o.Field}.Sanitize() + " " + dir
		}
		sb.WriteString(" ORDER BY " + strings.Join(terms, ", "))
	}
	switch {
	case q.Ranged():
		fmt.Fprintf(&sb, " LIMIT %d OFFSET %d", q.Limit(), q.From)
	case limit > 0:
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	return fmt.Sprintf("SELECT row_to_json(r)::text FROM (%s) r", sb.String()), args, nil
}

func whereClause(q Query, args []any) (string, []any) {
	if len(q.Filters) == 0 {
		return "", args
	}
	conds := make([]string, len(q.Filters))
	for i, f := range q.Filters {
		col := pgx.Identifier{f.Field}.Sanitize()
		if f.Value == nil && f.Op == OpEq {
			conds[i] = col + " IS NULL"
			continue
		}
		args = append(args, f.Value)
		op := "="
		if f.Op == OpGt {
			op = ">"
		}
		conds[i] = fmt.Sprintf("%s %s $%d", col, op, len(args))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Insert implements Client.
func (c *PGClient) Insert(ctx context.Context, table string, row Row) (Row, error) {
	tbl, err := c.table(table)
	if err != nil {
		return nil, err
	}
	cols, args, err := columnsAndArgs(row)
	if err != nil {
		return nil, err
	}
	var stmt string
	if len(cols) == 0 {
		stmt = fmt.Sprintf("INSERT INTO %s AS r DEFAULT VALUES RETURNING row_to_json(r)::text", tbl)
	} else {
		stmt = fmt.Sprintf("INSERT INTO %s AS r (%s) VALUES (%s) RETURNING row_to_json(r)::text",
			tbl, strings.Join(cols, ", "), placeholders(1, len(cols)))
	}
	rows, err := c.queryRows(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return single(rows)
}

// Update implements Client.
func (c *PGClient) Update(ctx context.Context, table string, patch Row, q Query) (Row, error) {
	tbl, err := c.table(table)
	if err != nil {
		return nil, err
	}
	if err := q.validate(); err != nil {
		return nil, err
	}
	if len(q.Filters) == 0 {
		return nil, fmt.Errorf("update of %s requires a filter", table)
	}
	cols, args, err := columnsAndArgs(patch)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("empty update for %s", table)
	}
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	where, args := whereClause(q, args)

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf("UPDATE %s AS r SET %s%s RETURNING row_to_json(r)::text", tbl, strings.Join(sets, ", "), where)
	rows, err := collectJSON(tx.Query(ctx, stmt, append([]any{execMode}, args...)...))
	if err != nil {
		return nil, err
	}
	// A single-object update touching several rows is rejected and rolled back.
	row, err := single(rows)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPGError(err)
	}
	return row, nil
}

// Upsert implements Client.
func (c *PGClient) Upsert(ctx context.Context, table string, rows []Row, onConflict string) ([]Row, error) {
	tbl, err := c.table(table)
	if err != nil {
		return nil, err
	}
	conflictCols, err := c.conflictColumns(ctx, table, onConflict)
	if err != nil {
		return nil, err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer tx.Rollback(ctx)

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		cols, args, err := columnsAndArgs(row)
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			continue
		}
		sets := make([]string, 0, len(cols))
		for _, col := range cols {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
		}
		stmt := fmt.Sprintf("INSERT INTO %s AS r (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s RETURNING row_to_json(r)::text",
			tbl, strings.Join(cols, ", "), placeholders(1, len(cols)), strings.Join(conflictCols, ", "), strings.Join(sets, ", "))
		got, err := collectJSON(tx.Query(ctx, stmt, append([]any{execMode}, args...)...))
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPGError(err)
	}
	return out, nil
}

func (c *PGClient) conflictColumns(ctx context.Context, table, onConflict string) ([]string, error) {
	var names []string
	if onConflict != "" {
		for _, col := range strings.Split(onConflict, ",") {
			col = strings.TrimSpace(col)
			if !ValidIdent(col) {
				return nil, fmt.Errorf("invalid conflict column %q", col)
			}
			names = append(names, col)
		}
	} else {
		pk, err := c.primaryKey(ctx, table)
		if err != nil {
			return nil, err
		}
		names = pk
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pgx.Identifier{n}.Sanitize()
	}
	return quoted, nil
}

func (c *PGClient) primaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = format('%I.%I', $1::text, $2::text)::regclass AND i.indisprimary
		ORDER BY a.attnum`, c.schema, table)
	if err != nil {
		return nil, mapPGError(err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapPGError(err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no primary key; pass onConflict", table)
	}
	return cols, nil
}

// Delete implements Client.
func (c *PGClient) Delete(ctx context.Context, table string, q Query) error {
	tbl, err := c.table(table)
	if err != nil {
		return err
	}
	if err := q.validate(); err != nil {
		return err
	}
	if len(q.Filters) == 0 {
		return fmt.Errorf("delete from %s requires a filter", table)
	}
	where, args := whereClause(q, nil)
	if _, err := c.pool.Exec(ctx, "DELETE FROM "+tbl+where, append([]any{execMode}, args...)...); err != nil {
		return mapPGError(err)
	}
	return nil
}

func (c *PGClient) queryRows(ctx context.Context, stmt string, args ...any) ([]Row, error) {
	c.logger.Debug("remote query", "sql", stmt)
	return collectJSON(c.pool.Query(ctx, stmt, append([]any{execMode}, args...)...))
}

func collectJSON(rows pgx.Rows, err error) ([]Row, error) {
	if err != nil {
		return nil, mapPGError(err)
	}
	texts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapPGError(err)
	}
	out := make([]Row, 0, len(texts))
	for _, text := range texts {
		var row Row
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

func single(rows []Row) (Row, error) {
	switch len(rows) {
	case 1:
		return rows[0], nil
	case 0:
		return nil, &Error{Code: CodeNoRows, Message: "JSON object requested, multiple (or no) rows returned",
			Details: "The result contains 0 rows", Status: http.StatusNotAcceptable}
	default:
		return nil, &Error{Code: CodeNoRows, Message: "JSON object requested, multiple (or no) rows returned",
			Details: fmt.Sprintf("The result contains %d rows", len(rows)), Status: http.StatusNotAcceptable}
	}
}

func columnsAndArgs(row Row) ([]string, []any, error) {
	keys := make([]string, 0, len(row))
	for k := range row {
		if !ValidIdent(k) {
			return nil, nil, fmt.Errorf("invalid column %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cols := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = pgx.Identifier{k}.Sanitize()
		args[i] = row[k]
	}
	return cols, args, nil
}

func placeholders(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ph, ", ")
}

func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Code: CodeNoRows, Message: err.Error(), Status: http.StatusNotAcceptable}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Details: pgErr.Detail,
			Hint:    pgErr.Hint,
			Status:  http.StatusBadRequest,
		}
	}
	return err
}
