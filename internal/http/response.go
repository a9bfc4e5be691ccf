package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Code is the application outcome carried in every JSON response body.
type Code int

const (
	CodeError      Code = -1
	CodeSuccess    Code = 0
	CodeTokenError Code = 1
)

// Response is the JSON envelope for every API reply. Application failures are
// reported through Code with HTTP status 200.
type Response struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// WriteResponse writes resp as JSON with status 200.
func WriteResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

// WriteSuccess writes a success envelope carrying data.
func WriteSuccess(w http.ResponseWriter, message string, data any) {
	WriteResponse(w, Response{Code: CodeSuccess, Message: message, Data: data})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, message string) {
	WriteResponse(w, Response{Code: CodeError, Message: message})
}

// WriteTokenError writes a token error envelope with the reason in data.
func WriteTokenError(w http.ResponseWriter, detail string) {
	WriteResponse(w, Response{Code: CodeTokenError, Message: "token validation failed", Data: detail})
}

// AccessTokenQueryParam is the query parameter accepted when headers cannot be
// set, such as browser websocket upgrades.
const AccessTokenQueryParam = "access_token"

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequestToken returns the bearer token, falling back to the access_token query parameter.
func RequestToken(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	return r.URL.Query().Get(AccessTokenQueryParam)
}
