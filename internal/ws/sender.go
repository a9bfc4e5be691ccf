package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/wolfeidau/tokengate/internal/conn"
)

// sender serializes writes to one socket.
type sender struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

func (s *sender) Send(ctx context.Context, reply conn.Reply) error {
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ws.Write(ctx, websocket.MessageText, payload)
}

func (s *sender) Close(code conn.CloseCode, reason string) error {
	return s.ws.Close(statusFor(code), truncateReason(reason))
}

func statusFor(code conn.CloseCode) websocket.StatusCode {
	switch code {
	case conn.ClosePolicyViolation:
		return websocket.StatusPolicyViolation
	case conn.CloseInternalError:
		return websocket.StatusInternalError
	default:
		return websocket.StatusNormalClosure
	}
}

// close frame reasons are limited to 123 bytes
func truncateReason(reason string) string {
	const maxReason = 123
	if len(reason) > maxReason {
		return reason[:maxReason]
	}
	return reason
}
