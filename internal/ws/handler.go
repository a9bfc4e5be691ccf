// Package ws serves the websocket endpoint on top of coder/websocket.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/conn"
	"github.com/wolfeidau/tokengate/internal/dispatch"
	httpmiddleware "github.com/wolfeidau/tokengate/internal/http"
)

const (
	DefaultReadLimit    = 64 * 1024
	DefaultWriteTimeout = 10 * time.Second
)

// Config holds transport settings.
type Config struct {
	// ReadLimit caps a single inbound message in bytes
	ReadLimit int64

	// WriteTimeout bounds a single outbound write
	WriteTimeout time.Duration

	// OriginPatterns lists extra origins allowed to upgrade, see websocket.AcceptOptions
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return c
}

// Handler upgrades requests and runs one receive loop per connection.
type Handler struct {
	gate   *conn.Gate
	router *dispatch.Router
	cfg    Config
}

// NewHandler creates a websocket handler.
func NewHandler(gate *conn.Gate, router *dispatch.Router, cfg Config) *Handler {
	return &Handler{
		gate:   gate,
		router: router,
		cfg:    cfg.withDefaults(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := httpmiddleware.RequestToken(r)

	remoteAddr := httpmiddleware.ClientIPFromContext(r.Context())
	if remoteAddr == "" {
		remoteAddr = httpmiddleware.ExtractClientIP(r, false)
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		log.Warn().Err(err).Str("addr", remoteAddr).Msg("Websocket upgrade failed")
		return
	}
	ws.SetReadLimit(h.cfg.ReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id, err := uuid.NewV7()
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "internal error")
		return
	}

	c := conn.New(id.String(), remoteAddr, &sender{ws: ws, writeTimeout: h.cfg.WriteTimeout})

	h.gate.Accept(ctx, c)
	defer h.gate.Disconnect(context.WithoutCancel(ctx), c, "connection ended")

	err = c.Send(ctx, conn.Reply{
		Route:   conn.RouteFirst,
		Message: "connected",
		Data:    map[string]string{"socket_id": c.ID},
	})
	if err != nil {
		log.Debug().Err(err).Str("socket_id", c.ID).Msg("Greeting send failed")
		return
	}

	if token != "" && !h.gate.Authenticate(ctx, c, token).Valid {
		return
	}

	h.receive(ctx, c, ws)
}

// receive dispatches messages in arrival order until the peer goes away or
// the connection is closed.
func (h *Handler) receive(ctx context.Context, c *conn.Connection, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			logReadError(c, err)
			return
		}

		h.router.Dispatch(ctx, c, data)

		if c.State() == conn.StateClosed {
			return
		}
	}
}

func logReadError(c *conn.Connection, err error) {
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Debug().Str("socket_id", c.ID).Msg("Peer closed connection")
	case errors.Is(err, context.Canceled):
		log.Debug().Str("socket_id", c.ID).Msg("Connection context cancelled")
	case c.State() == conn.StateClosed:
		// closed by the gate
	default:
		log.Info().Err(err).Str("socket_id", c.ID).Int("status", int(status)).Msg("Connection read failed")
	}
}
