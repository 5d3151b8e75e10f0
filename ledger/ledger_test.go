package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/mobiletoly/go-agrosync/remote"
	"github.com/mobiletoly/go-agrosync/remote/remotetest"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, cfg Config) (*Session, *localstore.Store, *remotetest.Memory) {
	t.Helper()
	store, err := localstore.Open(":memory:", catalog.Defs(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mem := remotetest.NewMemory()
	cfg.Remote = mem
	cfg.Store = store
	if cfg.CheckTTL == 0 {
		cfg.CheckTTL = time.Hour
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s, store, mem
}

func seedLocal(t *testing.T, store *localstore.Store, table string, rows ...localstore.Row) {
	t.Helper()
	require.NoError(t, store.Table(table).BulkPut(context.Background(), rows))
}

func TestNormalizeTables(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"single", "Finca", []string{"finca"}},
		{"padded", "  bloque ", []string{"bloque"}},
		{"delimited", "finca, Bloque;cama|observacion", []string{"bloque", "cama", "finca", "observacion"}},
		{"whitespace", "finca bloque", []string{"bloque", "finca"}},
		{"list", []any{"finca", "BLOQUE", "finca"}, []string{"bloque", "finca"}},
		{"string list", []string{"cama"}, []string{"cama"}},
		{"json array string", `["finca","cama"]`, []string{"cama", "finca"}},
		{"json object string", `{"tables":["producto"]}`, []string{"producto"}},
		{"flag map", map[string]any{"finca": true, "bloque": false, "cama": map[string]any{"rows": 3.0}}, []string{"cama", "finca"}},
		{"wrapped name", map[string]any{"table": "Usuario"}, []string{"usuario"}},
		{"wrapped name key", map[string]any{"name": "variedad"}, []string{"variedad"}},
		{"nested list", []any{[]any{"a", "b"}, "c,d"}, []string{"a", "b", "c", "d"}},
		{"wildcard", "*", []string{"*"}},
		{"nil", nil, nil},
		{"empty", "  ", nil},
		{"number", 3.0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeTables(tt.in))
		})
	}
}

func TestDecodeTablesKinds(t *testing.T) {
	require.IsType(t, SingleName(""), DecodeTables("finca"))
	require.IsType(t, DelimitedString(""), DecodeTables("finca,bloque"))
	require.IsType(t, NameList{}, DecodeTables([]any{"finca"}))
	require.IsType(t, FlagMap{}, DecodeTables(map[string]any{"finca": true}))
	require.Nil(t, DecodeTables(nil))
}

func TestFirstRunRefreshesOnlyEmptyTables(t *testing.T) {
	ctx := context.Background()
	s, store, _ := newTestSession(t, Config{})
	seedLocal(t, store, catalog.Finca, localstore.Row{"id_finca": 1})

	check := s.Get(ctx)
	require.False(t, check.HasLocalSync)
	require.False(t, check.FetchFailed)

	require.False(t, s.ShouldRefreshTable(ctx, catalog.Finca, store.Table(catalog.Finca)))
	require.True(t, s.ShouldRefreshTable(ctx, catalog.Bloque, store.Table(catalog.Bloque)))
}

func TestLedgerDrivenSkipAndForce(t *testing.T) {
	ctx := context.Background()
	s, store, mem := newTestSession(t, Config{})
	seedLocal(t, store, catalog.Finca, localstore.Row{"id_finca": 1})
	seedLocal(t, store, catalog.Bloque, localstore.Row{"id_bloque": 1})
	mem.Seed(catalog.Ledger, remote.Row{"tables": "FINCA"})

	check := s.Get(ctx)
	require.True(t, check.HasNewRows)
	require.True(t, check.Mentions("finca"))

	require.False(t, s.ShouldRefreshTable(ctx, catalog.Bloque, store.Table(catalog.Bloque)))
	require.True(t, s.ShouldRefreshTable(ctx, catalog.Finca, store.Table(catalog.Finca)))
	require.False(t, s.ShouldRefreshTable(ctx, catalog.Finca, store.Table(catalog.Finca)),
		"a table is told to refresh once per revision")

	n, err := store.Table(catalog.Ledger).Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "new ledger rows are cached locally")
}

func TestWildcardForcesEveryTable(t *testing.T) {
	ctx := context.Background()
	s, store, mem := newTestSession(t, Config{})
	seedLocal(t, store, catalog.Cama, localstore.Row{"id_cama": 1})
	mem.Seed(catalog.Ledger, remote.Row{"tables": []any{"*"}})

	require.True(t, s.ShouldRefreshTable(ctx, catalog.Cama, store.Table(catalog.Cama)))
	require.True(t, s.ShouldRefreshTable(ctx, catalog.Producto, store.Table(catalog.Producto)))
}

func TestNoNewRowsRefreshesOnlyEmptyTables(t *testing.T) {
	ctx := context.Background()
	s, store, mem := newTestSession(t, Config{})
	seedLocal(t, store, catalog.Finca, localstore.Row{"id_finca": 1})
	mem.Seed(catalog.Ledger, remote.Row{"tables": "finca"})

	first := s.Get(ctx)
	require.True(t, first.HasNewRows)

	s.Invalidate()
	second := s.Get(ctx)
	require.Greater(t, second.Revision, first.Revision)
	require.False(t, second.HasNewRows)
	require.True(t, second.HasLocalSync)
	require.Equal(t, 1, second.TotalSyncRows)

	require.False(t, s.ShouldRefreshTable(ctx, catalog.Finca, store.Table(catalog.Finca)))
	require.True(t, s.ShouldRefreshTable(ctx, catalog.Bloque, store.Table(catalog.Bloque)))
}

func TestLedgerTableRefreshesOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	s, store, mem := newTestSession(t, Config{})
	mem.Seed(catalog.Ledger, remote.Row{"tables": "*"})

	// Compute caches the new ledger row locally before the decision is made.
	s.Get(ctx)
	require.False(t, s.ShouldRefreshTable(ctx, catalog.Ledger, store.Table(catalog.Ledger)))
}

func TestFailOpenOnLedgerError(t *testing.T) {
	ctx := context.Background()
	s, store, mem := newTestSession(t, Config{})
	for _, table := range []string{catalog.Finca, catalog.Bloque, catalog.Cama} {
		seedLocal(t, store, table, localstore.Row{catalog.PrimaryKey(table): 1})
	}
	mem.Fail = remotetest.Unavailable

	check := s.Get(ctx)
	require.True(t, check.FetchFailed)
	require.Empty(t, check.UpdatedTables)

	for _, table := range []string{catalog.Finca, catalog.Bloque, catalog.Cama} {
		require.True(t, s.ShouldRefreshTable(ctx, table, store.Table(table)), table)
	}
}

func TestConcurrentCallersShareOneCheck(t *testing.T) {
	ctx := context.Background()
	s, _, mem := newTestSession(t, Config{})

	var wg sync.WaitGroup
	revisions := make([]int64, 8)
	for i := range revisions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			revisions[i] = s.Get(ctx).Revision
		}(i)
	}
	wg.Wait()

	for _, r := range revisions {
		require.Equal(t, revisions[0], r)
	}
	require.Equal(t, 1, mem.Calls(remotetest.OpSelect))
}

func TestCheckExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s, _, mem := newTestSession(t, Config{CheckTTL: time.Second, Now: clock})

	first := s.Get(ctx)
	require.Same(t, first, s.Get(ctx))

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	second := s.Get(ctx)
	require.NotSame(t, first, second)
	require.Equal(t, 2, mem.Calls(remotetest.OpSelect))
}

func TestComputePaginatesLedger(t *testing.T) {
	ctx := context.Background()
	s, _, mem := newTestSession(t, Config{PageSize: 2})
	for _, name := range []string{"finca", "bloque", "cama", "variedad", "producto"} {
		mem.Seed(catalog.Ledger, remote.Row{"tables": name})
	}

	check := s.Compute(ctx)
	require.Equal(t, 5, check.TotalSyncRows)
	require.Len(t, check.UpdatedTables, 5)
	require.Equal(t, 3, mem.Calls(remotetest.OpSelect))
}

func TestWatermarkFetchesOnlyNewerRows(t *testing.T) {
	ctx := context.Background()
	s, _, mem := newTestSession(t, Config{})
	mem.Seed(catalog.Ledger, remote.Row{"tables": "finca"})

	first := s.Compute(ctx)
	require.True(t, first.Mentions("finca"))

	mem.Seed(catalog.Ledger, remote.Row{"tables": "bloque"})
	second := s.Compute(ctx)
	require.True(t, second.HasNewRows)
	require.False(t, second.Mentions("finca"))
	require.True(t, second.Mentions("bloque"))
	require.Equal(t, 2, second.TotalSyncRows)
}

func TestAppendResetsSession(t *testing.T) {
	ctx := context.Background()
	s, store, mem := newTestSession(t, Config{})
	seedLocal(t, store, catalog.Finca, localstore.Row{"id_finca": 1})

	require.False(t, s.ShouldRefreshTable(ctx, catalog.Finca, store.Table(catalog.Finca)))

	require.NoError(t, s.Append(ctx, "Finca"))
	rows := mem.Rows(catalog.Ledger)
	require.Len(t, rows, 1)
	require.Equal(t, "finca", rows[0]["tables"])
	require.NotEmpty(t, rows[0]["created_at"])

	require.True(t, s.ShouldRefreshTable(ctx, catalog.Finca, store.Table(catalog.Finca)))

	require.NoError(t, s.Append(ctx))
	require.Len(t, mem.Rows(catalog.Ledger), 1)
}
