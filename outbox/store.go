// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mobiletoly/go-agrosync/localstore"
)

const entryColumns = `id, table_name, op, pk, payload, status, created_at, retry_count, COALESCE(last_error, '')`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execQuerier interface {
	querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			payload   string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Table, &e.Op, &e.PK, &payload, &e.Status, &createdAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of entry %d: %w", e.ID, err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return out, nil
}

func insertEntry(ctx context.Context, tx execQuerier, table, op, pk string, payload localstore.Row, now time.Time) (int64, error) {
	data, err := jsonString(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO _sync_outbox (table_name, op, pk, payload, status, created_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		table, op, pk, data, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return res.LastInsertId()
}

// queuedEntry returns the newest not-in-flight entry for (table, pk) with one
// of ops, or nil.
func queuedEntry(ctx context.Context, tx execQuerier, table, pk string, ops ...string) (*Entry, error) {
	entries, err := queryEntries(ctx, tx,
		`SELECT `+entryColumns+` FROM _sync_outbox
		 WHERE table_name = ? AND pk = ? AND status != 'syncing'
		 ORDER BY id DESC`, table, pk)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		for _, op := range ops {
			if entries[i].Op == op {
				return &entries[i], nil
			}
		}
		// A queued delete ends the row's history; older entries do not merge.
		if entries[i].Op == OpDelete {
			return nil, nil
		}
	}
	return nil, nil
}

// hasLaterEntry reports whether a newer entry for the same row is queued.
func hasLaterEntry(ctx context.Context, tx execQuerier, e *Entry) (bool, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT 1 FROM _sync_outbox WHERE table_name = ? AND pk = ? AND id > ? LIMIT 1`, e.Table, e.PK, e.ID)
	if err != nil {
		return false, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func hasStatus(ctx context.Context, tx execQuerier, table, pk, status string) (bool, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT 1 FROM _sync_outbox WHERE table_name = ? AND pk = ? AND status = ? LIMIT 1`, table, pk, status)
	if err != nil {
		return false, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func setPayload(ctx context.Context, tx execQuerier, id int64, payload localstore.Row) error {
	data, err := jsonString(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET payload = ? WHERE id = ?`, data, id); err != nil {
		return fmt.Errorf("failed to merge into entry %d: %w", id, err)
	}
	return nil
}

func (q *Queue) queuedIDs(ctx context.Context) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id FROM _sync_outbox WHERE status IN ('pending', 'failed') ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// claim marks an entry syncing and returns its current contents, or nil if
// it no longer exists or is already in flight.
func (q *Queue) claim(ctx context.Context, id int64) (*Entry, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	res, err := q.db.ExecContext(ctx,
		`UPDATE _sync_outbox SET status = 'syncing' WHERE id = ? AND status IN ('pending', 'failed')`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	entries, err := queryEntries(ctx, q.db, `SELECT `+entryColumns+` FROM _sync_outbox WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (q *Queue) release(ctx context.Context, id int64) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.db.ExecContext(ctx, `UPDATE _sync_outbox SET status = 'pending' WHERE id = ?`, id); err != nil {
		q.logger.Warn("failed to release outbox entry", "entry_id", id, "error", err)
	}
}

func (q *Queue) markFailed(ctx context.Context, id int64, cause error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE _sync_outbox
		SET status = 'failed', retry_count = retry_count + 1, last_error = ?
		WHERE id = ?`, cause.Error(), id); err != nil {
		q.logger.Warn("failed to mark outbox entry failed", "entry_id", id, "error", err)
	}
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
