package remote

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newPGClient starts a Postgres container with a few farm tables and returns
// a client for it plus the connection string.
func newPGClient(t *testing.T) (*PGClient, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("agrosync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	c, err := ConnectPG(ctx, connStr, "public", nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.pool.Exec(ctx, `
		CREATE TABLE finca (id_finca BIGSERIAL PRIMARY KEY, nombre TEXT NOT NULL);
		CREATE TABLE sync (id BIGSERIAL PRIMARY KEY, created_at TIMESTAMPTZ NOT NULL DEFAULT now(), tables TEXT);
		CREATE TABLE producto (codigo TEXT PRIMARY KEY, nombre TEXT);`)
	require.NoError(t, err)
	return c, connStr
}

func TestPGClientRoundTrip(t *testing.T) {
	c, connStr := newPGClient(t)
	ctx := context.Background()

	created, err := c.Insert(ctx, "finca", Row{"nombre": "La Esperanza"})
	require.NoError(t, err)
	require.Equal(t, float64(1), created["id_finca"])

	_, err = c.Insert(ctx, "finca", Row{"nombre": "El Rosal"})
	require.NoError(t, err)

	rows, err := c.Select(ctx, "finca", Select("*").Order("id_finca", true).Range(0, 0))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "La Esperanza", rows[0]["nombre"])

	rows, err = c.Select(ctx, "finca", Select("*").Order("id_finca", true).Range(1, 10))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "El Rosal", rows[0]["nombre"])

	// Numeric filter given as a string coerces like a PostgREST filter.
	updated, err := c.Update(ctx, "finca", Row{"nombre": "Renamed"}, Query{}.Eq("id_finca", "2"))
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated["nombre"])

	require.NoError(t, c.Delete(ctx, "finca", Query{}.Eq("id_finca", float64(1))))
	_, err = c.SelectSingle(ctx, "finca", Select("*").Eq("id_finca", 1))
	require.True(t, IsNotFound(err))

	_, err = c.Update(ctx, "finca", Row{"nombre": "x"}, Query{}.Eq("id_finca", 99))
	require.True(t, IsNotFound(err))

	// Check the writes through an independent connection.
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer db.Close()
	var (
		count  int
		nombre string
	)
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(nombre) FROM finca`).Scan(&count, &nombre))
	require.Equal(t, 1, count)
	require.Equal(t, "Renamed", nombre)
}

func TestPGClientUpsertAndErrors(t *testing.T) {
	c, _ := newPGClient(t)
	ctx := context.Background()

	_, err := c.Upsert(ctx, "producto", []Row{{"codigo": "A1", "nombre": "Uno"}}, "")
	require.NoError(t, err)
	rows, err := c.Upsert(ctx, "producto", []Row{{"codigo": "A1", "nombre": "Otro"}}, "codigo")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Otro", rows[0]["nombre"])

	_, err = c.Insert(ctx, "producto", Row{"codigo": "A1"})
	var remoteErr *Error
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, "23505", remoteErr.Code)
}

func TestPGClientLedgerWatermark(t *testing.T) {
	c, _ := newPGClient(t)
	ctx := context.Background()

	first, err := c.Insert(ctx, "sync", Row{"tables": "finca"})
	require.NoError(t, err)
	_, err = c.Insert(ctx, "sync", Row{"tables": "bloque"})
	require.NoError(t, err)

	rows, err := c.Select(ctx, "sync", Select("*").Gt("created_at", first["created_at"]).Order("created_at", true))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "bloque", rows[0]["tables"])
}
