package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tokengate/internal/auth"
	"github.com/wolfeidau/tokengate/internal/conn"
	"github.com/wolfeidau/tokengate/internal/dispatch"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/store/memory"
)

type captureSender struct {
	mu      sync.Mutex
	replies []conn.Reply
	closed  bool
}

func (s *captureSender) Send(ctx context.Context, reply conn.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
	return nil
}

func (s *captureSender) Close(code conn.CloseCode, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSender) last(t *testing.T) conn.Reply {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.replies)
	return s.replies[len(s.replies)-1]
}

type routesFixture struct {
	svc        *auth.Service
	gate       *conn.Gate
	router     *dispatch.Router
	principals *memory.PrincipalStore
}

func newRoutesFixture(t *testing.T) *routesFixture {
	t.Helper()

	codec, err := auth.NewCodec(auth.CodecConfig{
		SigningKey: []byte("routes-test-signing-key-32-bytes-long"),
		Issuer:     "tokengate",
		Audience:   "tokengate-ws",
	})
	require.NoError(t, err)

	principals := memory.NewPrincipalStore()
	svc := auth.NewService(codec, auth.NewVersionStore(principals, nil, 0), auth.ServiceConfig{Expiry: time.Hour})
	gate := conn.NewGate(svc, conn.NewRegistry())

	router, err := NewRoutes(gate, svc).Register(dispatch.NewBuilder(gate)).Build()
	require.NoError(t, err)

	return &routesFixture{svc: svc, gate: gate, router: router, principals: principals}
}

func (f *routesFixture) token(t *testing.T, role models.Role) (*models.Principal, string) {
	t.Helper()

	p := models.NewPrincipal("u-"+uuid.NewString(), "hash", role)
	require.NoError(t, f.principals.Create(context.Background(), p))

	token, err := f.svc.Issue(context.Background(), p)
	require.NoError(t, err)
	return p, token
}

func (f *routesFixture) accept() (*conn.Connection, *captureSender) {
	s := &captureSender{}
	c := conn.New(uuid.NewString(), "127.0.0.1", s)
	f.gate.Accept(context.Background(), c)
	return c, s
}

func frame(t *testing.T, route string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"route": route, "data": data})
	require.NoError(t, err)
	return raw
}

func TestRoutes_Registered(t *testing.T) {
	f := newRoutesFixture(t)
	require.Equal(t, []string{"auth", "broadcast_message", "test", "whoami"}, f.router.Routes())

	route, ok := f.router.Lookup(RouteBroadcast)
	require.True(t, ok)
	require.Equal(t, models.RoleAdmin, route.Required)
}

func TestRoutes_Auth(t *testing.T) {
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		f := newRoutesFixture(t)
		p, token := f.token(t, models.RoleUser)
		c, s := f.accept()

		f.router.Dispatch(ctx, c, frame(t, RouteAuth, AuthRequest{Token: token}))

		require.Equal(t, conn.StateAuthenticated, c.State())
		reply := s.last(t)
		require.Equal(t, conn.RouteAuth, reply.Route)
		require.Equal(t, p.PrincipalID.String(), reply.Data.(map[string]string)["user_id"])
	})

	t.Run("invalid token closes", func(t *testing.T) {
		f := newRoutesFixture(t)
		c, s := f.accept()

		f.router.Dispatch(ctx, c, frame(t, RouteAuth, AuthRequest{Token: "garbage"}))

		require.Equal(t, conn.StateClosed, c.State())
		require.True(t, s.closed)
	})

	for name, payload := range map[string]any{
		"missing token": map[string]string{},
		"blank token":   AuthRequest{Token: "   "},
	} {
		t.Run(name+" closes like an invalid one", func(t *testing.T) {
			f := newRoutesFixture(t)
			c, s := f.accept()

			f.router.Dispatch(ctx, c, frame(t, RouteAuth, payload))

			require.Equal(t, conn.StateClosed, c.State())
			require.True(t, s.closed)
			reply := s.last(t)
			require.Equal(t, conn.RouteError, reply.Route)
		})
	}
}

func TestRoutes_Test(t *testing.T) {
	f := newRoutesFixture(t)
	c, s := f.accept()

	f.router.Dispatch(context.Background(), c, []byte(`{"route":"test","data":{"hello":"world"}}`))

	reply := s.last(t)
	require.Equal(t, RouteTest, reply.Route)
	require.JSONEq(t, `{"hello":"world"}`, string(reply.Data.(json.RawMessage)))
}

func TestRoutes_WhoAmI(t *testing.T) {
	ctx := context.Background()
	f := newRoutesFixture(t)
	p, token := f.token(t, models.RoleAdmin)

	c, s := f.accept()
	f.router.Dispatch(ctx, c, frame(t, RouteWhoAmI, nil))
	require.Equal(t, WhoAmIResponse{SocketID: c.ID}, s.last(t).Data)

	f.router.Dispatch(ctx, c, frame(t, RouteWhoAmI, WhoAmIRequest{Token: token}))
	require.Equal(t, WhoAmIResponse{
		SocketID: c.ID,
		UserID:   p.PrincipalID.String(),
		Role:     "admin",
	}, s.last(t).Data)

	require.True(t, f.gate.Authenticate(ctx, c, token).Valid)
	f.router.Dispatch(ctx, c, frame(t, RouteWhoAmI, nil))
	require.Equal(t, WhoAmIResponse{
		SocketID:      c.ID,
		Authenticated: true,
		UserID:        p.PrincipalID.String(),
		Role:          "admin",
	}, s.last(t).Data)
}

func TestRoutes_Broadcast(t *testing.T) {
	ctx := context.Background()

	t.Run("admin fans out", func(t *testing.T) {
		f := newRoutesFixture(t)
		admin, token := f.token(t, models.RoleAdmin)

		sender, senderOut := f.accept()
		_, listenerOut := f.accept()
		require.True(t, f.gate.Authenticate(ctx, sender, token).Valid)

		f.router.Dispatch(ctx, sender, frame(t, RouteBroadcast, BroadcastRequest{Message: "hello all"}))

		for _, out := range []*captureSender{senderOut, listenerOut} {
			reply := out.last(t)
			require.Equal(t, RouteBroadcast, reply.Route)
			require.Equal(t, "hello all", reply.Message)
			require.Equal(t, map[string]string{"from": admin.PrincipalID.String()}, reply.Data)
		}
	})

	t.Run("user is refused and closed", func(t *testing.T) {
		f := newRoutesFixture(t)
		_, token := f.token(t, models.RoleUser)

		c, _ := f.accept()
		_, listenerOut := f.accept()
		require.True(t, f.gate.Authenticate(ctx, c, token).Valid)

		f.router.Dispatch(ctx, c, frame(t, RouteBroadcast, BroadcastRequest{Message: "hi"}))

		require.Equal(t, conn.StateClosed, c.State())
		listenerOut.mu.Lock()
		require.Empty(t, listenerOut.replies)
		listenerOut.mu.Unlock()
	})

	t.Run("empty message", func(t *testing.T) {
		f := newRoutesFixture(t)
		_, token := f.token(t, models.RoleAdmin)
		c, s := f.accept()
		require.True(t, f.gate.Authenticate(ctx, c, token).Valid)

		f.router.Dispatch(ctx, c, frame(t, RouteBroadcast, BroadcastRequest{Message: "  "}))

		require.Equal(t, conn.StateAuthenticated, c.State())
		require.Equal(t, conn.RouteError, s.last(t).Route)
	})
}
