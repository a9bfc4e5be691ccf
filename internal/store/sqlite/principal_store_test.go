package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/store"
	"github.com/wolfeidau/tokengate/internal/store/storetest"
)

func openTestStore(t *testing.T) *PrincipalStore {
	t.Helper()

	st, err := Open(context.Background(), filepath.Join(t.TempDir(), "principals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

func TestSQLitePrincipalStore(t *testing.T) {
	storetest.RunPrincipalStoreTests(t, func(t *testing.T) store.PrincipalStore {
		return openTestStore(t)
	})
}

func TestSQLitePrincipalStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "principals.db")

	st, err := Open(ctx, path)
	require.NoError(t, err)

	p := models.NewPrincipal("alice", "hash", models.RoleAdmin)
	require.NoError(t, st.Create(ctx, p))
	require.NoError(t, st.Close())

	st, err = Open(ctx, path)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Get(ctx, p.PrincipalID)
	require.NoError(t, err)
	require.Equal(t, p.TokenVersion, got.TokenVersion)
	require.Equal(t, models.RoleAdmin, got.Role)
	require.True(t, p.CreatedAt.Equal(got.CreatedAt))
}
