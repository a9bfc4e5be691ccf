package auth

import (
	"errors"
)

// Errors
var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrExpired          = errors.New("token expired")
	ErrSubjectNotFound  = errors.New("subject not found")
	ErrStoreUnavailable = errors.New("version store unavailable")
)

// Reason is a stable, client safe code describing why a token or request was rejected.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMalformedToken   Reason = "malformed_token"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonExpired          Reason = "expired"
	ReasonRoleMismatch     Reason = "role_mismatch"
	ReasonVersionMismatch  Reason = "version_mismatch"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonUnauthenticated  Reason = "unauthenticated"
	ReasonUnknownRoute     Reason = "unknown_route"
	ReasonMalformedPayload Reason = "malformed_payload"
	ReasonInternal         Reason = "internal"
)

var reasonMessages = map[Reason]string{
	ReasonMalformedToken:   "token is malformed",
	ReasonInvalidSignature: "token signature is invalid",
	ReasonExpired:          "token has expired",
	ReasonRoleMismatch:     "insufficient role",
	ReasonVersionMismatch:  "token has been revoked",
	ReasonStoreUnavailable: "authentication is temporarily unavailable",
	ReasonUnauthenticated:  "authentication required",
	ReasonUnknownRoute:     "unknown route",
	ReasonMalformedPayload: "malformed payload",
	ReasonInternal:         "internal error",
}

// Message returns the human readable text sent to clients.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return "ok"
}

// ReasonFor classifies an error returned by the codec or version store.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrMalformedToken):
		return ReasonMalformedToken
	case errors.Is(err, ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrSubjectNotFound):
		return ReasonVersionMismatch
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	default:
		return ReasonInternal
	}
}

// Result is the outcome of validating a token. Claims is set only when Valid.
type Result struct {
	Valid  bool
	Reason Reason
	Claims *Claims
}

// Message returns the client facing description of the result.
func (r Result) Message() string {
	return r.Reason.Message()
}

func valid(claims *Claims) Result {
	return Result{Valid: true, Claims: claims}
}

func rejected(reason Reason) Result {
	return Result{Reason: reason}
}
