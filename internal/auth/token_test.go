package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/store/memory"
)

type serviceFixture struct {
	svc        *Service
	principals *flakyStore
	now        *time.Time
}

func newServiceFixture(t *testing.T, expiry time.Duration) *serviceFixture {
	t.Helper()

	now := time.Now()
	f := &serviceFixture{
		principals: &flakyStore{PrincipalStore: memory.NewPrincipalStore()},
		now:        &now,
	}

	codec := newTestCodec(t, func() time.Time { return *f.now })
	versions := NewVersionStore(f.principals, newMemoryCache(t), time.Minute)
	f.svc = NewService(codec, versions, ServiceConfig{Expiry: expiry})

	return f
}

func TestService_IssueAndValidate(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, 30*time.Minute)
	admin := newTestPrincipal(t, f.principals, models.RoleAdmin)

	token, err := f.svc.Issue(ctx, admin)
	require.NoError(t, err)

	res := f.svc.ValidateToken(ctx, token, models.RoleAdmin)
	require.True(t, res.Valid, res.Reason)
	require.Equal(t, ReasonNone, res.Reason)
	require.Equal(t, admin.PrincipalID.String(), res.Claims.Subject)
	require.Equal(t, models.RoleAdmin, res.Claims.Role)

	id, err := res.Claims.PrincipalID()
	require.NoError(t, err)
	require.Equal(t, admin.PrincipalID, id)
}

func TestService_RoleHierarchy(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, 30*time.Minute)

	roles := []models.Role{models.RoleGuest, models.RoleUser, models.RoleAdmin, models.RoleSuperAdmin}
	for _, held := range roles {
		p := newTestPrincipal(t, f.principals, held)
		token, err := f.svc.Issue(ctx, p)
		require.NoError(t, err)

		for _, required := range append([]models.Role{models.RoleNone}, roles...) {
			res := f.svc.ValidateToken(ctx, token, required)
			if held >= required {
				require.True(t, res.Valid, "%s should satisfy %s", held, required)
			} else {
				require.False(t, res.Valid, "%s should not satisfy %s", held, required)
				require.Equal(t, ReasonRoleMismatch, res.Reason)
			}
		}
	}
}

func TestService_RevokeAll(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, 30*time.Minute)
	p := newTestPrincipal(t, f.principals, models.RoleUser)
	subject := p.PrincipalID.String()

	first, err := f.svc.Issue(ctx, p)
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeAll(ctx, subject))

	res := f.svc.ValidateToken(ctx, first, models.RoleUser)
	require.False(t, res.Valid)
	require.Equal(t, ReasonVersionMismatch, res.Reason)

	// a token issued between two revocations dies with the second one
	between, err := f.svc.Issue(ctx, p)
	require.NoError(t, err)
	require.True(t, f.svc.ValidateToken(ctx, between, models.RoleUser).Valid)

	require.NoError(t, f.svc.RevokeAll(ctx, subject))

	require.Equal(t, ReasonVersionMismatch, f.svc.ValidateToken(ctx, between, models.RoleUser).Reason)
	require.Equal(t, ReasonVersionMismatch, f.svc.ValidateToken(ctx, first, models.RoleUser).Reason)

	// unknown subjects are a no-op
	require.NoError(t, f.svc.RevokeAll(ctx, "not-a-uuid"))
}

func TestService_Expired(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, time.Minute)
	p := newTestPrincipal(t, f.principals, models.RoleUser)

	token, err := f.svc.Issue(ctx, p)
	require.NoError(t, err)

	*f.now = f.now.Add(5 * time.Minute)

	res := f.svc.ValidateToken(ctx, token, models.RoleUser)
	require.False(t, res.Valid)
	require.Equal(t, ReasonExpired, res.Reason)

	_, ok := f.svc.GetIdentity(token)
	require.False(t, ok)
}

func TestService_NeverExpires(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, -1)
	require.True(t, f.svc.NeverExpires())

	p := newTestPrincipal(t, f.principals, models.RoleUser)
	token, err := f.svc.Issue(ctx, p)
	require.NoError(t, err)

	*f.now = f.now.Add(24 * 365 * time.Hour)

	res := f.svc.ValidateToken(ctx, token, models.RoleUser)
	require.True(t, res.Valid)
	require.Nil(t, res.Claims.ExpiresAt)

	// revocation still applies
	require.NoError(t, f.svc.RevokeAll(ctx, p.PrincipalID.String()))
	require.Equal(t, ReasonVersionMismatch, f.svc.ValidateToken(ctx, token, models.RoleUser).Reason)
}

func TestService_FailsClosedOnStoreOutage(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, 30*time.Minute)
	p := newTestPrincipal(t, f.principals, models.RoleUser)

	token, err := f.svc.Issue(ctx, p)
	require.NoError(t, err)

	// a new service with a cold cache sees the outage
	codec := newTestCodec(t, func() time.Time { return *f.now })
	cold := NewService(codec, NewVersionStore(f.principals, nil, 0), ServiceConfig{Expiry: 30 * time.Minute})

	f.principals.setDown(true)

	res := cold.ValidateToken(ctx, token, models.RoleUser)
	require.False(t, res.Valid)
	require.Equal(t, ReasonStoreUnavailable, res.Reason)

	_, err = cold.CreateToken(ctx, p.PrincipalID.String(), models.RoleUser)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	require.ErrorIs(t, cold.RevokeAll(ctx, p.PrincipalID.String()), ErrStoreUnavailable)
}

func TestService_WarmCacheOutlivesOutageUntilTTL(t *testing.T) {
	ctx := context.Background()
	principals := &flakyStore{PrincipalStore: memory.NewPrincipalStore()}
	p := newTestPrincipal(t, principals, models.RoleUser)

	now := time.Now()
	codec := newTestCodec(t, func() time.Time { return now })
	ttl := 200 * time.Millisecond
	svc := NewService(codec, NewVersionStore(principals, newMemoryCache(t), ttl), ServiceConfig{Expiry: time.Hour})

	token, err := svc.Issue(ctx, p)
	require.NoError(t, err)
	require.True(t, svc.ValidateToken(ctx, token, models.RoleUser).Valid)

	principals.setDown(true)
	reads := principals.readCount()

	// the cached version is trusted for at most ttl
	require.True(t, svc.ValidateToken(ctx, token, models.RoleUser).Valid)
	require.Equal(t, reads, principals.readCount())

	require.Eventually(t, func() bool {
		res := svc.ValidateToken(ctx, token, models.RoleUser)
		return !res.Valid && res.Reason == ReasonStoreUnavailable
	}, 5*time.Second, 20*time.Millisecond)

	// a failed read must not refill the cache
	res := svc.ValidateToken(ctx, token, models.RoleUser)
	require.False(t, res.Valid)
	require.Equal(t, ReasonStoreUnavailable, res.Reason)
}

func TestService_DeletedPrincipal(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, 30*time.Minute)
	p := newTestPrincipal(t, f.principals, models.RoleUser)

	codec := newTestCodec(t, func() time.Time { return *f.now })
	svc := NewService(codec, NewVersionStore(f.principals, nil, 0), ServiceConfig{Expiry: time.Hour})

	token, err := svc.Issue(ctx, p)
	require.NoError(t, err)

	require.NoError(t, f.principals.Delete(ctx, p.PrincipalID))

	res := svc.ValidateToken(ctx, token, models.RoleNone)
	require.False(t, res.Valid)
	require.Equal(t, ReasonVersionMismatch, res.Reason)
}

func TestService_GetIdentity(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, 30*time.Minute)
	p := newTestPrincipal(t, f.principals, models.RoleGuest)

	token, err := f.svc.Issue(ctx, p)
	require.NoError(t, err)

	// identity does not consult versions
	require.NoError(t, f.svc.RevokeAll(ctx, p.PrincipalID.String()))

	claims, ok := f.svc.GetIdentity(token)
	require.True(t, ok)
	require.Equal(t, p.PrincipalID.String(), claims.Subject)
	require.Equal(t, models.RoleGuest, claims.Role)

	_, ok = f.svc.GetIdentity("garbage")
	require.False(t, ok)
}

func TestService_MalformedToken(t *testing.T) {
	f := newServiceFixture(t, 30*time.Minute)

	res := f.svc.ValidateToken(context.Background(), "garbage", models.RoleNone)
	require.False(t, res.Valid)
	require.Equal(t, ReasonMalformedToken, res.Reason)
	require.Equal(t, "token is malformed", res.Message())
}

func TestReasonFor(t *testing.T) {
	require.Equal(t, ReasonNone, ReasonFor(nil))
	require.Equal(t, ReasonExpired, ReasonFor(ErrExpired))
	require.Equal(t, ReasonStoreUnavailable, ReasonFor(ErrStoreUnavailable))
	require.Equal(t, ReasonVersionMismatch, ReasonFor(ErrSubjectNotFound))
	require.Equal(t, ReasonInternal, ReasonFor(context.Canceled))
	require.Equal(t, "ok", ReasonNone.Message())
}
