// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package outbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/mobiletoly/go-agrosync/internal/format"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/mobiletoly/go-agrosync/remote"
)

var errAwaitingCreate = errors.New("row not yet created remotely")

// Process replays queued entries in enqueue order, one at a time. Offline it
// does nothing. A failing entry is marked failed and retried by a later call;
// the remaining entries still run. Entries queued during the flush are left
// for the next one. Overlapping calls return immediately with Skipped set.
func (q *Queue) Process(ctx context.Context) Report {
	if !q.isOnline() {
		return Report{Offline: true}
	}
	if !q.flushing.CompareAndSwap(false, true) {
		return Report{Skipped: true}
	}
	defer q.flushing.Store(false)

	var report Report
	ids, err := q.queuedIDs(ctx)
	if err != nil {
		q.logger.Warn("failed to read outbox", "error", err)
		return report
	}

	changed := make(map[string]struct{})
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		entry, err := q.claim(ctx, id)
		if err != nil {
			q.logger.Warn("failed to claim outbox entry", "entry_id", id, "error", err)
			continue
		}
		if entry == nil {
			// coalesced or cancelled since the snapshot
			continue
		}
		report.Attempted++

		// Once the remote call has returned, its outcome is always recorded
		// locally; a cancelled flush must not leave the entry syncing.
		bookkeeping := context.WithoutCancel(ctx)
		err = q.apply(ctx, bookkeeping, entry)
		switch {
		case err == nil:
			report.Applied++
			changed[entry.Table] = struct{}{}
		case errors.Is(err, errAwaitingCreate):
			report.Deferred++
			q.release(bookkeeping, entry.ID)
		default:
			report.Failed++
			q.logger.Warn("failed to replay outbox entry",
				"entry_id", entry.ID, "table", entry.Table, "op", entry.Op, "error", err)
			q.markFailed(bookkeeping, entry.ID, err)
		}
	}

	if len(changed) > 0 && q.ledger != nil {
		tables := make([]string, 0, len(changed))
		for t := range changed {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		if err := q.ledger.Append(ctx, tables...); err != nil {
			q.logger.Warn("failed to record ledger row", "tables", tables, "error", err)
		}
	}
	return report
}

func (q *Queue) apply(ctx, localCtx context.Context, e *Entry) error {
	def, ok := q.store.Def(e.Table)
	if !ok {
		return fmt.Errorf("%w: %s", localstore.ErrUnknownTable, e.Table)
	}
	pkField := def.PrimaryKey
	pkValue := e.Payload[pkField]

	switch e.Op {
	case OpCreate:
		body := maps.Clone(e.Payload)
		identity := IdentityOf(pkValue)
		if _, pending := identity.(Pending); pending {
			delete(body, pkField)
		}
		created, err := q.remote.Insert(ctx, e.Table, body)
		if err != nil {
			return err
		}
		return q.complete(localCtx, e, identity, pkField, created)

	case OpUpdate:
		if IsTempID(pkValue) {
			return errAwaitingCreate
		}
		body := maps.Clone(e.Payload)
		delete(body, pkField)
		updated, err := q.remote.Update(ctx, e.Table, body, remote.Query{}.Eq(pkField, pkValue))
		if remote.IsNotFound(err) {
			// Natural-key rows created offline: the first write creates them.
			var rows []remote.Row
			rows, err = q.remote.Upsert(ctx, e.Table, []remote.Row{e.Payload}, pkField)
			if err == nil && len(rows) > 0 {
				updated = rows[0]
			}
		}
		if err != nil {
			return err
		}
		return q.complete(localCtx, e, Confirmed{ServerID: pkValue}, pkField, updated)

	case OpDelete:
		if !IsTempID(pkValue) {
			if err := q.remote.Delete(ctx, e.Table, remote.Query{}.Eq(pkField, pkValue)); err != nil {
				return err
			}
		}
		return q.complete(localCtx, e, nil, pkField, nil)
	}
	return fmt.Errorf("unknown operation %q", e.Op)
}

// complete removes the applied entry and, in the same transaction, confirms
// a temporary key everywhere it appears (cached rows, foreign keys and later
// queued entries) and caches the server's representation of the row. A row
// deleted locally while its entry was in flight is not cached again.
func (q *Queue) complete(ctx context.Context, e *Entry, identity Identity, pkField string, serverRow remote.Row) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	return q.store.Update(ctx, func(tx *localstore.Tx) error {
		key := e.Payload[pkField]
		if pending, ok := identity.(Pending); ok {
			serverID := serverRow[pkField]
			if serverID == nil {
				return fmt.Errorf("remote store returned no %s for %s", pkField, e.Table)
			}
			confirmed := pending.Confirm(serverID)
			if _, err := tx.RewriteValue(pending.TempID, confirmed.ServerID); err != nil {
				return err
			}
			if err := rewriteQueued(ctx, tx, e.ID, pending.TempID, confirmed.ServerID); err != nil {
				return err
			}
			q.logger.Debug("temporary id confirmed", "table", e.Table, "temp_id", pending.TempID, "server_id", confirmed.ServerID)
			key = confirmed.ServerID
		}

		switch {
		case e.Op == OpDelete:
			later, err := hasLaterEntry(ctx, tx, e)
			if err != nil {
				return err
			}
			if !later {
				if err := tx.Delete(e.Table, key); err != nil {
					return err
				}
			}
		case len(serverRow) > 0 && serverRow[pkField] != nil:
			cached, err := tx.Has(e.Table, key)
			if err != nil {
				return err
			}
			if cached {
				if err := tx.Put(e.Table, serverRow); err != nil {
					return err
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_outbox WHERE id = ?`, e.ID); err != nil {
			return fmt.Errorf("failed to remove applied entry: %w", err)
		}
		return nil
	})
}

// rewriteQueued replaces tempID in the payload and key of every other entry.
func rewriteQueued(ctx context.Context, tx *localstore.Tx, skipID int64, tempID string, serverID any) error {
	needle, err := jsonString(tempID)
	if err != nil {
		return err
	}
	entries, err := queryEntries(ctx, tx,
		`SELECT `+entryColumns+` FROM _sync_outbox WHERE id != ? AND (pk = ? OR instr(payload, ?) > 0)`,
		skipID, tempID, needle)
	if err != nil {
		return err
	}
	newKey, err := format.KeyString(serverID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		for field, v := range entry.Payload {
			if s, ok := v.(string); ok && s == tempID {
				entry.Payload[field] = serverID
			}
		}
		pk := entry.PK
		if pk == tempID {
			pk = newKey
		}
		data, err := jsonString(entry.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE _sync_outbox SET pk = ?, payload = ? WHERE id = ?`, pk, data, entry.ID); err != nil {
			return fmt.Errorf("failed to rewrite queued entry %d: %w", entry.ID, err)
		}
	}
	return nil
}
