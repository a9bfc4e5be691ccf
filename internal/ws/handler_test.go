package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tokengate/internal/auth"
	"github.com/wolfeidau/tokengate/internal/conn"
	"github.com/wolfeidau/tokengate/internal/dispatch"
	"github.com/wolfeidau/tokengate/internal/handlers"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/store/memory"
)

type wsFixture struct {
	server     *httptest.Server
	svc        *auth.Service
	gate       *conn.Gate
	principals *memory.PrincipalStore
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	codec, err := auth.NewCodec(auth.CodecConfig{
		SigningKey: []byte("websocket-test-signing-key-32-bytes"),
		Issuer:     "tokengate",
		Audience:   "tokengate-ws",
	})
	require.NoError(t, err)

	principals := memory.NewPrincipalStore()
	svc := auth.NewService(codec, auth.NewVersionStore(principals, nil, 0), auth.ServiceConfig{Expiry: time.Hour})
	gate := conn.NewGate(svc, conn.NewRegistry())

	router, err := handlers.NewRoutes(gate, svc).Register(dispatch.NewBuilder(gate)).Build()
	require.NoError(t, err)

	server := httptest.NewServer(NewHandler(gate, router, Config{}))
	t.Cleanup(server.Close)

	return &wsFixture{server: server, svc: svc, gate: gate, principals: principals}
}

func (f *wsFixture) token(t *testing.T, role models.Role) (*models.Principal, string) {
	t.Helper()

	p := models.NewPrincipal("ws-"+uuid.NewString(), "hash", role)
	require.NoError(t, f.principals.Create(context.Background(), p))

	token, err := f.svc.Issue(context.Background(), p)
	require.NoError(t, err)
	return p, token
}

type inbound struct {
	Route   string          `json:"route"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *wsFixture) dial(t *testing.T, ctx context.Context, header http.Header, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })

	return c
}

func read(t *testing.T, ctx context.Context, c *websocket.Conn) inbound {
	t.Helper()

	_, data, err := c.Read(ctx)
	require.NoError(t, err)

	var msg inbound
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func write(t *testing.T, ctx context.Context, c *websocket.Conn, route string, data any) {
	t.Helper()

	raw, err := json.Marshal(map[string]any{"route": route, "data": data})
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, raw))
}

func TestHandler_GreetingAndEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newWSFixture(t)
	c := f.dial(t, ctx, nil, "")

	first := read(t, ctx, c)
	require.Equal(t, conn.RouteFirst, first.Route)
	require.Equal(t, "connected", first.Message)

	var greeting map[string]string
	require.NoError(t, json.Unmarshal(first.Data, &greeting))
	require.NotEmpty(t, greeting["socket_id"])

	write(t, ctx, c, handlers.RouteTest, map[string]int{"n": 1})
	echo := read(t, ctx, c)
	require.Equal(t, handlers.RouteTest, echo.Route)
	require.JSONEq(t, `{"n":1}`, string(echo.Data))

	// unknown route leaves the socket usable
	write(t, ctx, c, "missing", nil)
	require.Equal(t, conn.RouteError, read(t, ctx, c).Route)

	write(t, ctx, c, handlers.RouteTest, "again")
	require.Equal(t, handlers.RouteTest, read(t, ctx, c).Route)
}

func TestHandler_ProtectedRouteBeforeAuthCloses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newWSFixture(t)
	c := f.dial(t, ctx, nil, "")
	read(t, ctx, c)

	write(t, ctx, c, handlers.RouteBroadcast, handlers.BroadcastRequest{Message: "hi"})

	reply := read(t, ctx, c)
	require.Equal(t, conn.RouteError, reply.Route)
	require.Equal(t, auth.ReasonUnauthenticated.Message(), reply.Message)

	_, _, err := c.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestHandler_AuthRouteThenAdminBroadcast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newWSFixture(t)
	_, token := f.token(t, models.RoleAdmin)

	admin := f.dial(t, ctx, nil, "")
	read(t, ctx, admin)
	listener := f.dial(t, ctx, nil, "")
	read(t, ctx, listener)

	write(t, ctx, admin, handlers.RouteAuth, handlers.AuthRequest{Token: token})
	authed := read(t, ctx, admin)
	require.Equal(t, conn.RouteAuth, authed.Route)
	require.Equal(t, "authenticated", authed.Message)

	write(t, ctx, admin, handlers.RouteBroadcast, handlers.BroadcastRequest{Message: "hello"})

	for _, c := range []*websocket.Conn{admin, listener} {
		msg := read(t, ctx, c)
		require.Equal(t, handlers.RouteBroadcast, msg.Route)
		require.Equal(t, "hello", msg.Message)
	}
}

func TestHandler_HandshakeToken(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newWSFixture(t)
	p, token := f.token(t, models.RoleUser)

	t.Run("bearer header", func(t *testing.T) {
		c := f.dial(t, ctx, http.Header{"Authorization": []string{"Bearer " + token}}, "")

		require.Equal(t, conn.RouteFirst, read(t, ctx, c).Route)

		authed := read(t, ctx, c)
		require.Equal(t, conn.RouteAuth, authed.Route)

		var data map[string]string
		require.NoError(t, json.Unmarshal(authed.Data, &data))
		require.Equal(t, p.PrincipalID.String(), data["user_id"])
	})

	t.Run("query parameter", func(t *testing.T) {
		c := f.dial(t, ctx, nil, "?access_token="+token)

		read(t, ctx, c)
		require.Equal(t, conn.RouteAuth, read(t, ctx, c).Route)
	})

	t.Run("invalid token closes after greeting", func(t *testing.T) {
		c := f.dial(t, ctx, nil, "?access_token=garbage")

		require.Equal(t, conn.RouteFirst, read(t, ctx, c).Route)
		require.Equal(t, conn.RouteError, read(t, ctx, c).Route)

		_, _, err := c.Read(ctx)
		require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	})
}

func TestHandler_RevocationClosesOnNextProtectedMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newWSFixture(t)
	p, token := f.token(t, models.RoleAdmin)

	c := f.dial(t, ctx, nil, "?access_token="+token)
	read(t, ctx, c)
	read(t, ctx, c)

	require.NoError(t, f.svc.RevokeAll(ctx, p.PrincipalID.String()))

	write(t, ctx, c, handlers.RouteBroadcast, handlers.BroadcastRequest{Message: "late"})

	reply := read(t, ctx, c)
	require.Equal(t, conn.RouteError, reply.Route)
	require.Equal(t, auth.ReasonVersionMismatch.Message(), reply.Message)

	_, _, err := c.Read(ctx)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestHandler_DisconnectReleasesRegistry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	f := newWSFixture(t)
	c := f.dial(t, ctx, nil, "")
	read(t, ctx, c)
	require.Equal(t, 1, f.gate.Registry().Len())

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return f.gate.Registry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
