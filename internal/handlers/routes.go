// Package handlers implements the websocket routes.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/auth"
	"github.com/wolfeidau/tokengate/internal/conn"
	"github.com/wolfeidau/tokengate/internal/dispatch"
	"github.com/wolfeidau/tokengate/internal/models"
)

// Route names.
const (
	RouteAuth      = conn.RouteAuth
	RouteTest      = "test"
	RouteWhoAmI    = "whoami"
	RouteBroadcast = "broadcast_message"
)

const maxBroadcastLength = 4096

// IdentityResolver decodes a token without consulting revocation state.
type IdentityResolver interface {
	GetIdentity(token string) (*auth.Claims, bool)
}

// Routes holds the dependencies shared by the websocket routes.
type Routes struct {
	gate       *conn.Gate
	identities IdentityResolver
}

// NewRoutes creates the route handlers.
func NewRoutes(gate *conn.Gate, identities IdentityResolver) *Routes {
	return &Routes{
		gate:       gate,
		identities: identities,
	}
}

// Register adds every route to b along with its required role.
func (rt *Routes) Register(b *dispatch.Builder) *dispatch.Builder {
	return b.
		Handle(RouteAuth, models.RoleNone, dispatch.Typed(rt.Auth)).
		Handle(RouteTest, models.RoleNone, rt.Test).
		Handle(RouteWhoAmI, models.RoleNone, dispatch.Typed(rt.WhoAmI)).
		Handle(RouteBroadcast, models.RoleAdmin, dispatch.Typed(rt.Broadcast))
}

type AuthRequest struct {
	Token string `json:"token"`
}

// Auth authenticates the connection with the supplied token. The gate replies
// on success and closes the connection on any failure, a missing token included.
func (rt *Routes) Auth(ctx context.Context, c *conn.Connection, req AuthRequest) error {
	rt.gate.Authenticate(ctx, c, strings.TrimSpace(req.Token))
	return nil
}

// Test echoes the payload back.
func (rt *Routes) Test(ctx context.Context, c *conn.Connection, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return c.Send(ctx, conn.Reply{Route: RouteTest, Message: "ok", Data: data})
}

type WhoAmIRequest struct {
	Token string `json:"token,omitempty"`
}

type WhoAmIResponse struct {
	SocketID      string `json:"socket_id"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	Role          string `json:"role,omitempty"`
}

// WhoAmI reports the identity in the supplied token, or the connection's own
// token when none is given.
func (rt *Routes) WhoAmI(ctx context.Context, c *conn.Connection, req WhoAmIRequest) error {
	token := req.Token
	if token == "" {
		token = c.Token()
	}

	resp := WhoAmIResponse{SocketID: c.ID}
	if token != "" {
		if claims, ok := rt.identities.GetIdentity(token); ok {
			resp.Authenticated = c.State() == conn.StateAuthenticated && req.Token == ""
			resp.UserID = claims.Subject
			resp.Role = claims.Role.String()
		}
	}

	return c.Send(ctx, conn.Reply{Route: RouteWhoAmI, Message: "ok", Data: resp})
}

type BroadcastRequest struct {
	Message string `json:"message"`
}

// Broadcast fans a message out to every open connection.
func (rt *Routes) Broadcast(ctx context.Context, c *conn.Connection, req BroadcastRequest) error {
	msg := strings.TrimSpace(req.Message)
	switch {
	case msg == "":
		return fmt.Errorf("%w: message is required", dispatch.ErrMalformedPayload)
	case len(msg) > maxBroadcastLength:
		return fmt.Errorf("%w: message exceeds %d bytes", dispatch.ErrMalformedPayload, maxBroadcastLength)
	}

	from := ""
	if claims := c.Claims(); claims != nil {
		from = claims.Subject
	}

	sent := rt.gate.Broadcast(ctx, conn.Reply{
		Route:   RouteBroadcast,
		Message: msg,
		Data:    map[string]string{"from": from},
	})

	log.Info().
		Str("socket_id", c.ID).
		Str("principal_id", from).
		Int("recipients", sent).
		Msg("Broadcast sent")

	return nil
}
