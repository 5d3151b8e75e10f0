package pullsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/ledger"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/mobiletoly/go-agrosync/remote"
	"github.com/mobiletoly/go-agrosync/remote/remotetest"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store  *localstore.Store
	mem    *remotetest.Memory
	engine *Engine
	ledger *ledger.Session
}

func newHarness(t *testing.T, pageSize int) *harness {
	t.Helper()
	store, err := localstore.Open(":memory:", catalog.Defs(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mem := remotetest.NewMemory()
	session, err := ledger.NewSession(ledger.Config{Remote: mem, Store: store})
	require.NoError(t, err)

	engine, err := New(Config{Remote: mem, Store: store, Ledger: session, PageSize: pageSize})
	require.NoError(t, err)
	return &harness{store: store, mem: mem, engine: engine, ledger: session}
}

func seedFincas(mem *remotetest.Memory, n int) {
	for i := 1; i <= n; i++ {
		mem.Seed(catalog.Finca, remote.Row{"id_finca": float64(i), "nombre": "F"})
	}
}

func TestRefreshAllPagesReplacesLocalRows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 10)
	fincas := h.store.Table(catalog.Finca)
	require.NoError(t, fincas.BulkPut(ctx, []localstore.Row{{"id_finca": 999, "nombre": "stale"}}))
	seedFincas(h.mem, 25)

	n := h.engine.RefreshAllPages(ctx, catalog.Finca, fincas, RefreshOptions{})
	require.Equal(t, 25, n)
	require.Equal(t, 3, h.mem.Calls(remotetest.OpSelect))

	count, err := fincas.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 25, count)
	_, err = fincas.Get(ctx, 999)
	require.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestRefreshAllPagesExactMultipleNeedsExtraPage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	seedFincas(h.mem, 10)

	n := h.engine.RefreshAllPages(ctx, catalog.Finca, h.store.Table(catalog.Finca), RefreshOptions{})
	require.Equal(t, 10, n)
	require.Equal(t, 3, h.mem.Calls(remotetest.OpSelect))
}

func TestRefreshAllPagesFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	fincas := h.store.Table(catalog.Finca)
	require.NoError(t, fincas.BulkPut(ctx, []localstore.Row{{"id_finca": 1, "nombre": "cached"}}))
	seedFincas(h.mem, 12)

	// Third page fails.
	h.mem.Fail = func(op, table string, q remote.Query) error {
		if op == remotetest.OpSelect && q.From == 10 {
			return errors.New("connection reset")
		}
		return nil
	}

	n := h.engine.RefreshAllPages(ctx, catalog.Finca, fincas, RefreshOptions{})
	require.Zero(t, n)

	rows, err := fincas.ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "cached", rows[0]["nombre"])
}

func TestRefreshAllPagesEmptyRemoteKeepsCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	fincas := h.store.Table(catalog.Finca)
	require.NoError(t, fincas.BulkPut(ctx, []localstore.Row{{"id_finca": 1}}))

	n := h.engine.RefreshAllPages(ctx, catalog.Finca, fincas, RefreshOptions{})
	require.Zero(t, n)

	count, err := fincas.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRefreshAllPagesProjection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	h.mem.Seed(catalog.Finca, remote.Row{"id_finca": 1.0, "nombre": "A", "area": 12.5})

	n := h.engine.RefreshAllPages(ctx, catalog.Finca, h.store.Table(catalog.Finca),
		RefreshOptions{Select: "id_finca,nombre"})
	require.Equal(t, 1, n)

	row, err := h.store.Table(catalog.Finca).Get(ctx, 1)
	require.NoError(t, err)
	require.NotContains(t, row, "area")
}

func TestSyncTableStreamsWithoutClearing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4)
	fincas := h.store.Table(catalog.Finca)
	require.NoError(t, fincas.BulkPut(ctx, []localstore.Row{{"id_finca": 999, "nombre": "local only"}}))
	seedFincas(h.mem, 9)

	res, err := h.engine.SyncTable(ctx, catalog.Finca)
	require.NoError(t, err)
	require.Equal(t, TableResult{Table: catalog.Finca, Count: 9, Refreshed: true}, res)

	count, err := fincas.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, count, "syncTable never purges local rows")
}

func TestSyncTablePartialFailureKeepsLandedPages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4)
	seedFincas(h.mem, 9)
	h.mem.Fail = func(op, _ string, q remote.Query) error {
		if q.From == 4 {
			return errors.New("timeout")
		}
		return nil
	}

	res, err := h.engine.SyncTable(ctx, catalog.Finca)
	require.Error(t, err)
	require.Equal(t, 4, res.Count)

	count, err := h.store.Table(catalog.Finca).Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, count)
}

func TestSyncTableUnknown(t *testing.T) {
	h := newHarness(t, 4)
	_, err := h.engine.SyncTable(context.Background(), "nope")
	require.ErrorIs(t, err, localstore.ErrUnknownTable)
}

func TestSyncAllTablesContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	seedFincas(h.mem, 3)
	h.mem.Seed(catalog.Producto, remote.Row{"codigo": "P1"})
	h.mem.Fail = func(_, table string, _ remote.Query) error {
		if table == catalog.Bloque {
			return errors.New("boom")
		}
		return nil
	}

	results := h.engine.SyncAllTables(ctx)
	require.Len(t, results, len(catalog.Synced()))

	byTable := map[string]TableResult{}
	for _, r := range results {
		byTable[r.Table] = r
	}
	require.Error(t, byTable[catalog.Bloque].Err)
	require.Equal(t, 3, byTable[catalog.Finca].Count)
	require.Equal(t, 1, byTable[catalog.Producto].Count)

	n, err := h.store.Table(catalog.Producto).Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRefreshAllFollowsLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	seedFincas(h.mem, 2)
	h.mem.Seed(catalog.Bloque, remote.Row{"id_bloque": 1.0, "finca_id": 1.0})

	// First run: empty cache and empty ledger, every table bootstraps.
	results := h.engine.RefreshAll(ctx)
	for _, r := range results {
		require.True(t, r.Refreshed, r.Table)
	}

	// Ledger says only bloque changed.
	h.mem.Seed(catalog.Bloque, remote.Row{"id_bloque": 2.0, "finca_id": 1.0})
	h.mem.Seed(catalog.Ledger, remote.Row{"tables": "bloque"})
	h.mem.Seed(catalog.Finca, remote.Row{"id_finca": 3.0})

	results = h.engine.RefreshAll(ctx)
	refreshed := map[string]TableResult{}
	for _, r := range results {
		if r.Refreshed {
			refreshed[r.Table] = r
		}
	}
	require.Contains(t, refreshed, catalog.Bloque)
	require.Equal(t, 2, refreshed[catalog.Bloque].Count)
	require.NotContains(t, refreshed, catalog.Finca)

	n, err := h.store.Table(catalog.Finca).Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n, "finca was not named by the ledger")
}

func TestRefreshAllJudgesEveryTableByOneCheck(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open(":memory:", catalog.Defs(), nil)
	require.NoError(t, err)
	defer store.Close()
	mem := remotetest.NewMemory()

	var clock atomic.Int64
	clock.Store(time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC).UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()) }
	session, err := ledger.NewSession(ledger.Config{Remote: mem, Store: store, CheckTTL: time.Second, Now: now})
	require.NoError(t, err)
	engine, err := New(Config{Remote: mem, Store: store, Ledger: session, Concurrency: 1})
	require.NoError(t, err)

	seedFincas(mem, 1)
	mem.Seed(catalog.Producto, remote.Row{"codigo": "P1", "nombre": "Abono"})
	engine.RefreshAll(ctx)

	mem.Seed(catalog.Producto, remote.Row{"codigo": "NEW", "nombre": "Fungicida"})
	mem.Seed(catalog.Ledger, remote.Row{"tables": "finca,producto"})
	// Pulling finca outlasts the check TTL.
	mem.Fail = func(op, table string, _ remote.Query) error {
		if op == remotetest.OpSelect && table == catalog.Finca {
			clock.Add(int64(2 * time.Second))
		}
		return nil
	}

	results := engine.RefreshAll(ctx)
	byTable := map[string]TableResult{}
	for _, r := range results {
		byTable[r.Table] = r
	}
	require.True(t, byTable[catalog.Finca].Refreshed)
	require.True(t, byTable[catalog.Producto].Refreshed)
	require.Equal(t, 2, byTable[catalog.Producto].Count)

	_, err = store.Table(catalog.Producto).Get(ctx, "NEW")
	require.NoError(t, err)
}

func TestRefreshIfNeededReportsFailedPull(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	seedFincas(h.mem, 2)
	h.mem.Fail = remotetest.Unavailable

	res := h.engine.RefreshIfNeeded(ctx, catalog.Finca)
	require.False(t, res.Refreshed)
	require.Error(t, res.Err)
	require.Zero(t, res.Count)
}

func TestRefreshIfNeededWithoutLedger(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open(":memory:", catalog.Defs(), nil)
	require.NoError(t, err)
	defer store.Close()
	mem := remotetest.NewMemory()
	seedFincas(mem, 2)

	engine, err := New(Config{Remote: mem, Store: store})
	require.NoError(t, err)

	res := engine.RefreshIfNeeded(ctx, "FINCA")
	require.True(t, res.Refreshed)
	require.Equal(t, 2, res.Count)
}

func TestProperty_PaginationCompleteness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("refreshAllPages fetches every row with the expected number of pages", prop.ForAll(
		func(n, p int) bool {
			ctx := context.Background()
			store, err := localstore.Open(":memory:", catalog.Defs(), nil)
			if err != nil {
				return false
			}
			defer store.Close()
			mem := remotetest.NewMemory()
			seedFincas(mem, n)
			engine, err := New(Config{Remote: mem, Store: store, PageSize: p})
			if err != nil {
				return false
			}

			got := engine.RefreshAllPages(ctx, catalog.Finca, store.Table(catalog.Finca), RefreshOptions{})
			wantPages := (n + p - 1) / p
			if n%p == 0 {
				wantPages++
			}
			count, err := store.Table(catalog.Finca).Count(ctx)
			if err != nil {
				return false
			}
			return got == n && count == n && mem.Calls(remotetest.OpSelect) == wantPages
		},
		gen.IntRange(0, 60),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
