// Package storetest holds behaviour tests shared by every store.PrincipalStore
// implementation.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/store"
)

// RunPrincipalStoreTests exercises a PrincipalStore. newStore must return an empty store.
func RunPrincipalStoreTests(t *testing.T, newStore func(t *testing.T) store.PrincipalStore) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		p := newTestPrincipal("alice", models.RoleAdmin)
		require.NoError(t, st.Create(ctx, p))

		got, err := st.Get(ctx, p.PrincipalID)
		require.NoError(t, err)
		require.Equal(t, p.PrincipalID, got.PrincipalID)
		require.Equal(t, "alice", got.Username)
		require.Equal(t, models.RoleAdmin, got.Role)
		require.Equal(t, p.TokenVersion, got.TokenVersion)
		require.Equal(t, p.PasswordHash, got.PasswordHash)
	})

	t.Run("create duplicate username returns error", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		require.NoError(t, st.Create(ctx, newTestPrincipal("bob", models.RoleUser)))

		err := st.Create(ctx, newTestPrincipal("bob", models.RoleUser))
		require.ErrorIs(t, err, store.ErrPrincipalAlreadyExists)
	})

	t.Run("get nonexistent principal returns error", func(t *testing.T) {
		st := newStore(t)

		_, err := st.Get(context.Background(), uuid.New())
		require.ErrorIs(t, err, store.ErrPrincipalNotFound)

		_, err = st.GetByUsername(context.Background(), "nobody")
		require.ErrorIs(t, err, store.ErrPrincipalNotFound)
	})

	t.Run("get by username ignores case", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		p := newTestPrincipal("Carol", models.RoleUser)
		require.NoError(t, st.Create(ctx, p))

		got, err := st.GetByUsername(ctx, "carol")
		require.NoError(t, err)
		require.Equal(t, p.PrincipalID, got.PrincipalID)
	})

	t.Run("token version round trip", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		p := newTestPrincipal("dave", models.RoleUser)
		require.NoError(t, st.Create(ctx, p))

		version, err := st.GetTokenVersion(ctx, p.PrincipalID)
		require.NoError(t, err)
		require.Equal(t, p.TokenVersion, version)

		next := uuid.New()
		require.NoError(t, st.SetTokenVersion(ctx, p.PrincipalID, next))

		version, err = st.GetTokenVersion(ctx, p.PrincipalID)
		require.NoError(t, err)
		require.Equal(t, next, version)

		err = st.SetTokenVersion(ctx, uuid.New(), next)
		require.ErrorIs(t, err, store.ErrPrincipalNotFound)

		_, err = st.GetTokenVersion(ctx, uuid.New())
		require.ErrorIs(t, err, store.ErrPrincipalNotFound)
	})

	t.Run("password hash update", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		p := newTestPrincipal("erin", models.RoleUser)
		require.NoError(t, st.Create(ctx, p))

		require.NoError(t, st.SetPasswordHash(ctx, p.PrincipalID, "$argon2id$rehashed"))

		got, err := st.Get(ctx, p.PrincipalID)
		require.NoError(t, err)
		require.Equal(t, "$argon2id$rehashed", got.PasswordHash)
		require.Equal(t, p.TokenVersion, got.TokenVersion, "rehash must not revoke tokens")

		require.ErrorIs(t, st.SetPasswordHash(ctx, uuid.New(), "x"), store.ErrPrincipalNotFound)
	})

	t.Run("list pages and count", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		count, err := st.Count(ctx)
		require.NoError(t, err)
		require.Zero(t, count)

		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := range 5 {
			p := newTestPrincipal(fmt.Sprintf("user-%d", i), models.RoleUser)
			p.CreatedAt = base.Add(time.Duration(i) * time.Second)
			p.UpdatedAt = p.CreatedAt
			require.NoError(t, st.Create(ctx, p))
		}

		count, err = st.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 5, count)

		page, total, err := st.List(ctx, store.ListPrincipalsOptions{PageIndex: 2, PageSize: 2})
		require.NoError(t, err)
		require.Equal(t, 5, total)
		require.Len(t, page, 2)
		require.Equal(t, "user-2", page[0].Username)
		require.Equal(t, "user-3", page[1].Username)

		page, total, err = st.List(ctx, store.ListPrincipalsOptions{PageIndex: 9, PageSize: 2})
		require.NoError(t, err)
		require.Equal(t, 5, total)
		require.Empty(t, page)
	})

	t.Run("delete", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		p := newTestPrincipal("erin", models.RoleUser)
		require.NoError(t, st.Create(ctx, p))
		require.NoError(t, st.Delete(ctx, p.PrincipalID))

		_, err := st.Get(ctx, p.PrincipalID)
		require.ErrorIs(t, err, store.ErrPrincipalNotFound)

		err = st.Delete(ctx, p.PrincipalID)
		require.ErrorIs(t, err, store.ErrPrincipalNotFound)

		// username is free again
		require.NoError(t, st.Create(ctx, newTestPrincipal("erin", models.RoleUser)))
	})
}

func newTestPrincipal(username string, role models.Role) *models.Principal {
	p := models.NewPrincipal(username, "$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA", role)
	p.CreatedAt = p.CreatedAt.Truncate(time.Millisecond)
	p.UpdatedAt = p.CreatedAt
	return p
}
