package conn

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/auth"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Gate drives connections through Anonymous -> Authenticated -> Closed. Every
// authentication or authorization failure closes the connection.
type Gate struct {
	validator auth.Validator
	registry  *Registry
}

// NewGate creates a gate that validates tokens with validator and tracks
// connections in registry.
func NewGate(validator auth.Validator, registry *Registry) *Gate {
	return &Gate{
		validator: validator,
		registry:  registry,
	}
}

// Registry returns the registry of open connections.
func (g *Gate) Registry() *Registry {
	return g.registry
}

// Accept registers a new anonymous connection.
func (g *Gate) Accept(ctx context.Context, c *Connection) {
	g.registry.Add(c)
	telemetry.GetMetrics().ActiveConnections.Add(ctx, 1)

	log.Debug().Str("socket_id", c.ID).Str("addr", c.RemoteAddr).Msg("Connection accepted")
}

// Authenticate validates token without a role requirement. On success the
// token is attached and the peer is told on the auth route; on failure the
// peer gets an error reply and the connection is closed.
func (g *Gate) Authenticate(ctx context.Context, c *Connection, token string) auth.Result {
	if c.State() == StateClosed {
		return auth.Result{Reason: auth.ReasonUnauthenticated}
	}

	if token == "" {
		g.reject(ctx, c, auth.ReasonUnauthenticated)
		return auth.Result{Reason: auth.ReasonUnauthenticated}
	}

	res := g.validator.ValidateToken(ctx, token, models.RoleNone)
	if !res.Valid {
		g.reject(ctx, c, res.Reason)
		return res
	}

	if err := c.authenticate(token, res.Claims); err != nil {
		// lost a race with a close
		return auth.Result{Reason: auth.ReasonUnauthenticated}
	}

	log.Info().
		Str("socket_id", c.ID).
		Str("principal_id", res.Claims.Subject).
		Str("role", res.Claims.Role.String()).
		Msg("Connection authenticated")

	g.send(ctx, c, Reply{
		Route:   RouteAuth,
		Message: "authenticated",
		Data: map[string]string{
			"socket_id": c.ID,
			"user_id":   res.Claims.Subject,
			"role":      res.Claims.Role.String(),
		},
	})

	return res
}

// Authorize checks that c may use a route requiring required. RoleNone always
// passes. Otherwise the connection must be authenticated and its token must
// still validate at the required role; the token is re-validated each time so
// revocations take effect mid-session. A failure closes the connection.
func (g *Gate) Authorize(ctx context.Context, c *Connection, required models.Role) bool {
	if required == models.RoleNone {
		return c.State() != StateClosed
	}

	if c.State() != StateAuthenticated {
		g.reject(ctx, c, auth.ReasonUnauthenticated)
		return false
	}

	res := g.validator.ValidateToken(ctx, c.Token(), required)
	if !res.Valid {
		g.reject(ctx, c, res.Reason)
		return false
	}

	c.refreshClaims(res.Claims)
	return true
}

// Disconnect removes c from the registry and closes it normally. Safe to call
// more than once.
func (g *Gate) Disconnect(ctx context.Context, c *Connection, reason string) {
	g.close(ctx, c, CloseNormal, reason)
}

// Broadcast sends reply to every open connection and returns how many accepted it.
func (g *Gate) Broadcast(ctx context.Context, reply Reply) int {
	sent := 0
	for _, c := range g.registry.Snapshot() {
		if err := c.Send(ctx, reply); err != nil {
			if !errors.Is(err, ErrClosed) {
				log.Debug().Err(err).Str("socket_id", c.ID).Msg("Broadcast send failed")
			}
			continue
		}
		sent++
	}
	return sent
}

func (g *Gate) reject(ctx context.Context, c *Connection, reason auth.Reason) {
	log.Warn().
		Str("socket_id", c.ID).
		Str("state", c.State().String()).
		Str("reason", string(reason)).
		Msg("Connection rejected")

	g.send(ctx, c, ErrorReply(reason))

	code := ClosePolicyViolation
	if reason == auth.ReasonStoreUnavailable {
		code = CloseInternalError
	}
	g.close(ctx, c, code, reason.Message())
}

func (g *Gate) close(ctx context.Context, c *Connection, code CloseCode, reason string) {
	g.registry.Remove(c.ID)

	if !c.markClosed() {
		return
	}

	m := telemetry.GetMetrics()
	m.ActiveConnections.Add(ctx, -1)
	m.ConnectionsClosedTotal.Add(ctx, 1, metric.WithAttributes(attribute.Int("code", int(code))))

	if err := c.sender.Close(code, reason); err != nil {
		log.Debug().Err(err).Str("socket_id", c.ID).Msg("Transport close failed")
	}

	log.Debug().Str("socket_id", c.ID).Str("reason", reason).Msg("Connection closed")
}

func (g *Gate) send(ctx context.Context, c *Connection, reply Reply) {
	if err := c.Send(ctx, reply); err != nil && !errors.Is(err, ErrClosed) {
		log.Debug().Err(err).Str("socket_id", c.ID).Str("route", reply.Route).Msg("Reply send failed")
	}
}
