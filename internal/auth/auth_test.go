package auth

import (
	"context"
	"testing"

	"github.com/mobiletoly/go-agrosync/catalog"
	"github.com/mobiletoly/go-agrosync/localstore"
	"github.com/stretchr/testify/require"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	_, ok := GetUserID(ctx)
	require.False(t, ok)

	ctx = WithUser(ctx, &User{ID: "7", FincaID: "3"})
	id, ok := GetUserID(ctx)
	require.True(t, ok)
	require.Equal(t, "7", id)
	finca, ok := GetFincaID(ctx)
	require.True(t, ok)
	require.Equal(t, "3", finca)

	require.Equal(t, ctx, WithUser(ctx, nil))
}

func TestPINLogin(t *testing.T) {
	ctx := context.Background()
	store, err := localstore.Open(":memory:", catalog.Defs(), nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Table(catalog.Usuario).BulkPut(ctx, []localstore.Row{
		{"id": float64(7), "clave_pin": "1234", "id_finca": float64(3), "nombre": "Ana"},
		{"id": float64(8), "pin": "5678", "nombre": "Luis"},
	}))

	login := &PINLogin{Store: store}

	u, err := login.Login(ctx, "1234")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, "7", u.ID)
	require.Equal(t, "3", u.FincaID)
	require.Equal(t, "Ana", u.Name)

	u, err = login.Login(ctx, " 5678 ")
	require.NoError(t, err)
	require.NotNil(t, u)
	require.Equal(t, "8", u.ID)
	require.Empty(t, u.FincaID)

	u, err = login.Login(ctx, "0000")
	require.NoError(t, err)
	require.Nil(t, u)
}
