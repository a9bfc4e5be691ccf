// Package dispatch routes inbound socket messages to registered handlers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/auth"
	"github.com/wolfeidau/tokengate/internal/conn"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrDuplicateRoute   = errors.New("duplicate route")
	ErrEmptyRoute       = errors.New("empty route name")
	ErrNilHandler       = errors.New("nil handler")
)

// Message is an inbound frame.
type Message struct {
	Route string          `json:"route"`
	Data  json.RawMessage `json:"data"`
}

// HandlerFunc handles the data of one inbound message.
type HandlerFunc func(ctx context.Context, c *conn.Connection, data json.RawMessage) error

// Route is one entry in the routing table.
type Route struct {
	Name     string
	Required models.Role
	Handler  HandlerFunc
}

// Gate is the subset of conn.Gate the router needs.
type Gate interface {
	Authorize(ctx context.Context, c *conn.Connection, required models.Role) bool
}

// Builder collects routes before the router is frozen.
type Builder struct {
	gate   Gate
	routes []Route
}

// NewBuilder creates an empty builder whose router authorizes through gate.
func NewBuilder(gate Gate) *Builder {
	return &Builder{gate: gate}
}

// Handle registers handler for route. A required role of models.RoleNone
// makes the route public.
func (b *Builder) Handle(route string, required models.Role, handler HandlerFunc) *Builder {
	b.routes = append(b.routes, Route{Name: route, Required: required, Handler: handler})
	return b
}

// Build validates the registrations and returns an immutable router.
func (b *Builder) Build() (*Router, error) {
	table := make(map[string]Route, len(b.routes))

	var errs []error
	for i, r := range b.routes {
		switch {
		case strings.TrimSpace(r.Name) == "":
			errs = append(errs, fmt.Errorf("%w: registration %d", ErrEmptyRoute, i))
			continue
		case r.Handler == nil:
			errs = append(errs, fmt.Errorf("%w: %s", ErrNilHandler, r.Name))
			continue
		}

		if _, exists := table[r.Name]; exists {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateRoute, r.Name))
			continue
		}
		table[r.Name] = r
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid route table: %w", errors.Join(errs...))
	}

	return &Router{routes: table, gate: b.gate}, nil
}

// Router dispatches messages using a fixed routing table.
type Router struct {
	routes map[string]Route
	gate   Gate
}

// Routes returns the registered route names in sorted order.
func (r *Router) Routes() []string {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the route registered under name.
func (r *Router) Lookup(name string) (Route, bool) {
	route, ok := r.routes[name]
	return route, ok
}

// Dispatch decodes raw and runs the matching handler. Unknown routes and bad
// payloads are answered with an error reply and leave the connection open;
// authorization failures are handled, and the connection closed, by the gate.
func (r *Router) Dispatch(ctx context.Context, c *conn.Connection, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Route == "" {
		log.Debug().Str("socket_id", c.ID).Msg("Malformed message envelope")
		r.replyError(ctx, c, "", auth.ReasonMalformedPayload)
		record(ctx, "", auth.ReasonMalformedPayload, 0)
		return
	}

	route, ok := r.routes[msg.Route]
	if !ok {
		log.Debug().Str("socket_id", c.ID).Str("route", msg.Route).Msg("Unknown route")
		r.replyError(ctx, c, msg.Route, auth.ReasonUnknownRoute)
		record(ctx, "unknown", auth.ReasonUnknownRoute, 0)
		return
	}

	if !r.gate.Authorize(ctx, c, route.Required) {
		record(ctx, route.Name, auth.ReasonUnauthenticated, 0)
		return
	}

	start := time.Now()
	reason := r.invoke(ctx, c, route, msg.Data)
	record(ctx, route.Name, reason, time.Since(start))

	if reason != auth.ReasonNone {
		r.replyError(ctx, c, route.Name, reason)
	}
}

func (r *Router) invoke(ctx context.Context, c *conn.Connection, route Route, data json.RawMessage) (reason auth.Reason) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Str("socket_id", c.ID).
				Str("route", route.Name).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Route handler panicked")
			reason = auth.ReasonInternal
		}
	}()

	err := route.Handler(ctx, c, data)
	switch {
	case err == nil:
		return auth.ReasonNone
	case errors.Is(err, ErrMalformedPayload):
		log.Debug().Err(err).Str("socket_id", c.ID).Str("route", route.Name).Msg("Malformed payload")
		return auth.ReasonMalformedPayload
	case errors.Is(err, conn.ErrClosed):
		return auth.ReasonNone
	default:
		log.Error().Err(err).Str("socket_id", c.ID).Str("route", route.Name).Msg("Route handler failed")
		return auth.ReasonInternal
	}
}

func (r *Router) replyError(ctx context.Context, c *conn.Connection, route string, reason auth.Reason) {
	reply := conn.ErrorReply(reason)
	if route != "" {
		reply.Data = map[string]string{"reason": string(reason), "route": route}
	}
	if err := c.Send(ctx, reply); err != nil && !errors.Is(err, conn.ErrClosed) {
		log.Debug().Err(err).Str("socket_id", c.ID).Msg("Error reply send failed")
	}
}

func record(ctx context.Context, route string, reason auth.Reason, elapsed time.Duration) {
	outcome := string(reason)
	if reason == auth.ReasonNone {
		outcome = "ok"
	}

	m := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("route", route), attribute.String("outcome", outcome))
	m.DispatchTotal.Add(ctx, 1, attrs)
	if elapsed > 0 {
		m.DispatchDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}
