// Package conn tracks long-lived client connections and gates them on token
// authentication.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfeidau/tokengate/internal/auth"
)

// Well known reply routes.
const (
	RouteFirst = "first"
	RouteAuth  = "auth"
	RouteError = "error"
)

var (
	ErrClosed            = errors.New("connection closed")
	ErrInvalidTransition = errors.New("invalid connection state transition")
)

// Reply is an outbound frame.
type Reply struct {
	Route   string `json:"route"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// ErrorReply builds a reply on the error route for a rejection reason.
func ErrorReply(reason auth.Reason) Reply {
	return Reply{
		Route:   RouteError,
		Message: reason.Message(),
		Data:    map[string]string{"reason": string(reason)},
	}
}

// CloseCode tells the transport why a connection is being closed.
type CloseCode int

const (
	CloseNormal CloseCode = iota
	ClosePolicyViolation
	CloseInternalError
)

// Sender is the transport side of a connection.
type Sender interface {
	// Send writes a reply to the peer
	Send(ctx context.Context, reply Reply) error

	// Close terminates the transport, aborting any blocked receive
	Close(code CloseCode, reason string) error
}

// Connection is one client session and its authentication state.
type Connection struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	sender Sender

	mu     sync.RWMutex
	state  State
	token  string
	claims *auth.Claims
}

// New creates an anonymous connection.
func New(id, remoteAddr string, sender Sender) *Connection {
	return &Connection{
		ID:         id,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now().UTC(),
		sender:     sender,
		state:      StateAnonymous,
	}
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Token returns the token attached on authentication, empty otherwise.
func (c *Connection) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Claims returns the most recently validated claims, nil when not authenticated.
func (c *Connection) Claims() *auth.Claims {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.claims
}

// Send writes a reply unless the connection is closed.
func (c *Connection) Send(ctx context.Context, reply Reply) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	return c.sender.Send(ctx, reply)
}

func (c *Connection) authenticate(token string, claims *auth.Claims) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !canTransition(c.state, StateAuthenticated) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, StateAuthenticated)
	}

	c.state = StateAuthenticated
	c.token = token
	c.claims = claims
	return nil
}

func (c *Connection) refreshClaims(claims *auth.Claims) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateAuthenticated {
		c.claims = claims
	}
}

// markClosed moves the connection to Closed and drops its credentials.
// It returns false if the connection was already closed.
func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return false
	}

	c.state = StateClosed
	c.token = ""
	c.claims = nil
	return true
}
