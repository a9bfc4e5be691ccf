package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/wolfeidau/tokengate/internal/conn"
)

// Decode unmarshals a message payload into T. Unknown fields are rejected and
// any failure wraps ErrMalformedPayload. An absent payload decodes to the zero value.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return v, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if dec.More() {
		return v, fmt.Errorf("%w: trailing data", ErrMalformedPayload)
	}

	return v, nil
}

// Typed adapts a handler taking a decoded payload.
func Typed[T any](fn func(ctx context.Context, c *conn.Connection, payload T) error) HandlerFunc {
	return func(ctx context.Context, c *conn.Connection, data json.RawMessage) error {
		payload, err := Decode[T](data)
		if err != nil {
			return err
		}
		return fn(ctx, c, payload)
	}
}
