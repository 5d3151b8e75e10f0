package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/connectivity"
	"github.com/mobiletoly/go-agrosync/ledger"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/mobiletoly/go-agrosync/outbox"
	"github.com/mobiletoly/go-agrosync/pullsync"
	"github.com/mobiletoly/go-agrosync/remote"
	"github.com/mobiletoly/go-agrosync/remote/remotetest"
	"github.com/stretchr/testify/require"
)

type env struct {
	store  *localstore.Store
	mem    *remotetest.Memory
	net    *connectivity.Switch
	queue  *outbox.Queue
	syncer *Syncer
}

func newEnv(t *testing.T, online bool, cfg Config) *env {
	t.Helper()
	store, err := localstore.Open(":memory:", catalog.Defs(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mem := remotetest.NewMemory()
	net := connectivity.NewSwitch(online)
	session, err := ledger.NewSession(ledger.Config{Remote: mem, Store: store})
	require.NoError(t, err)
	queue, err := outbox.New(outbox.Config{Store: store, Remote: mem, Ledger: session, Online: net})
	require.NoError(t, err)
	engine, err := pullsync.New(pullsync.Config{Remote: mem, Store: store, Ledger: session})
	require.NoError(t, err)

	cfg.Queue = queue
	cfg.Engine = engine
	cfg.Online = net
	s, err := New(cfg)
	require.NoError(t, err)
	return &env{store: store, mem: mem, net: net, queue: queue, syncer: s}
}

func TestOfflineStartMakesNoNetworkCalls(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false, Config{})
	cached := []localstore.Row{{"id_finca": 1.0, "nombre": "A"}, {"id_finca": 2.0, "nombre": "B"}}
	require.NoError(t, e.store.Table(catalog.Finca).BulkPut(ctx, cached))

	status := e.syncer.InitializeSync(ctx)
	require.False(t, status.Online)
	require.Zero(t, status.PendingCount)
	require.True(t, status.LastSync.IsZero())
	require.Zero(t, e.mem.TotalCalls())

	rows, err := e.store.Table(catalog.Finca).ToArray(ctx)
	require.NoError(t, err)
	require.Equal(t, cached, rows)
}

func TestInitializeSyncFlushesThenPulls(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true, Config{})
	e.mem.Seed(catalog.Variedad, remote.Row{"id_variedad": 1.0, "nombre": "Freedom"})
	_, err := e.queue.SaveData(ctx, catalog.Finca, localstore.Row{"nombre": "F"})
	require.NoError(t, err)

	status := e.syncer.InitializeSync(ctx)
	require.True(t, status.Online)
	require.False(t, status.Syncing)
	require.Empty(t, status.LastError)
	require.Zero(t, status.PendingCount)
	require.Equal(t, 1, status.LastReport.Applied)
	require.False(t, status.LastSync.IsZero())
	require.Positive(t, status.Refreshed)

	variedades, err := e.store.Table(catalog.Variedad).ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, variedades, 1)

	fincas, err := e.store.Table(catalog.Finca).ToArray(ctx)
	require.NoError(t, err)
	require.Len(t, fincas, 1)
	require.False(t, outbox.IsTempID(fincas[0]["id_finca"]))
}

func TestTriggerSyncReportsOutboxFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true, Config{})
	_, err := e.queue.SaveData(ctx, catalog.Finca, localstore.Row{"nombre": "F"})
	require.NoError(t, err)
	e.mem.Fail = func(op, _ string, _ remote.Query) error {
		if op == remotetest.OpInsert {
			return errors.New("boom")
		}
		return nil
	}

	status, err := e.syncer.TriggerSync(ctx)
	require.Error(t, err)
	require.Contains(t, status.LastError, "1 of 1")
	require.Equal(t, 1, status.PendingCount)

	e.mem.Fail = nil
	status, err = e.syncer.TriggerSync(ctx)
	require.NoError(t, err)
	require.Empty(t, status.LastError)
	require.Zero(t, status.PendingCount)
}

func TestTriggerSyncSkipsWhileSyncing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true, Config{})
	e.syncer.syncing.Store(true)

	status, err := e.syncer.TriggerSync(ctx)
	require.NoError(t, err)
	require.True(t, status.Syncing)
	require.Zero(t, e.mem.TotalCalls())
}

func TestRunSyncsWhenConnectivityReturns(t *testing.T) {
	e := newEnv(t, false, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := e.queue.SaveData(ctx, catalog.Finca, localstore.Row{"nombre": "F"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.syncer.Run(ctx)
		close(done)
	}()

	// Give Run time to subscribe before flipping the switch.
	require.Eventually(t, func() bool {
		e.net.Set(false)
		e.net.Set(true)
		n, err := e.queue.PendingCount(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
	require.Len(t, e.mem.Rows(catalog.Finca), 1)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRunRetriesOnTimer(t *testing.T) {
	e := newEnv(t, true, Config{Interval: 10 * time.Millisecond, BackoffMin: 5 * time.Millisecond, BackoffMax: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := e.queue.SaveData(ctx, catalog.Finca, localstore.Row{"nombre": "F"})
	require.NoError(t, err)
	e.mem.Fail = remotetest.Unavailable

	go e.syncer.Run(ctx)
	require.Eventually(t, func() bool {
		return e.mem.Calls(remotetest.OpInsert) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNextBackoff(t *testing.T) {
	require.Equal(t, 2*time.Second, nextBackoff(time.Second, time.Minute))
	require.Equal(t, time.Minute, nextBackoff(40*time.Second, time.Minute))
	require.Equal(t, time.Minute, nextBackoff(time.Minute, time.Minute))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
