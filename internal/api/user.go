// Package api serves the JSON user API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tokengate/internal/auth"
	httpmiddleware "github.com/wolfeidau/tokengate/internal/http"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/password"
	"github.com/wolfeidau/tokengate/internal/store"
)

const (
	maxBodyBytes      = 1 << 20
	minUsernameLength = 3
	maxUsernameLength = 64
)

var errInvalidUsername = fmt.Errorf("username must be %d to %d characters without spaces", minUsernameLength, maxUsernameLength)

// TokenService issues, validates and revokes access tokens.
type TokenService interface {
	auth.Validator
	Issue(ctx context.Context, principal *models.Principal) (string, error)
	RevokeAll(ctx context.Context, subject string) error
}

// UserAPI implements the /api/user endpoints.
type UserAPI struct {
	principals store.PrincipalStore
	tokens     TokenService
	hasher     *password.Hasher

	// serializes the empty check and create so only one first user becomes admin
	registerMu sync.Mutex
}

func NewUserAPI(principals store.PrincipalStore, tokens TokenService, hasher *password.Hasher) *UserAPI {
	return &UserAPI{
		principals: principals,
		tokens:     tokens,
		hasher:     hasher,
	}
}

// Handler returns the API routes. Protected endpoints sit behind auth.Middleware.
func (a *UserAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	authenticated := auth.Middleware(a.tokens, models.RoleGuest)
	admin := auth.Middleware(a.tokens, models.RoleAdmin)

	mux.HandleFunc("POST /api/user/register", a.Register)
	mux.HandleFunc("POST /api/user/login", a.Login)
	mux.Handle("POST /api/user/get-user-info", authenticated(http.HandlerFunc(a.GetUserInfo)))
	mux.Handle("POST /api/user/get-user-list", admin(http.HandlerFunc(a.GetUserList)))
	mux.Handle("POST /api/user/get-logout", authenticated(http.HandlerFunc(a.Logout)))
	mux.Handle("POST /api/user/revoke", admin(http.HandlerFunc(a.Revoke)))
	mux.HandleFunc("GET /healthz", a.Healthz)

	return mux
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserInfo struct {
	UserID    uuid.UUID   `json:"user_id"`
	Username  string      `json:"username"`
	Role      models.Role `json:"role"`
	CreatedAt time.Time   `json:"created_at"`
}

type TokenResponse struct {
	UserID   uuid.UUID   `json:"user_id"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
	Token    string      `json:"token"`
}

type ListRequest struct {
	PageIndex int `json:"page_index"`
	PageSize  int `json:"page_size"`
}

type ListResponse struct {
	Total int        `json:"total"`
	Data  []UserInfo `json:"data"`
}

type RevokeRequest struct {
	UserID string `json:"user_id"`
}

// Register creates a user. The first registered user becomes an admin.
func (a *UserAPI) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	var req CredentialsRequest
	if err := decodeBody(r, &req); err != nil {
		httpmiddleware.WriteError(w, "invalid request body")
		return
	}

	username := strings.TrimSpace(req.Username)
	if err := validateUsername(username); err != nil {
		httpmiddleware.WriteError(w, err.Error())
		return
	}
	if err := password.CheckStrength(req.Password); err != nil {
		httpmiddleware.WriteError(w, err.Error())
		return
	}

	hash, err := a.hasher.Hash(req.Password)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to hash password")
		httpmiddleware.WriteError(w, "registration failed")
		return
	}

	principal, err := a.create(ctx, username, hash)
	if err != nil {
		if errors.Is(err, store.ErrPrincipalAlreadyExists) {
			httpmiddleware.WriteError(w, "username already exists")
			return
		}
		logger.Error().Err(err).Msg("Failed to create user")
		httpmiddleware.WriteError(w, "registration failed")
		return
	}

	logger.Info().
		Str("principal_id", principal.PrincipalID.String()).
		Str("role", principal.Role.String()).
		Msg("User registered")

	a.writeToken(w, r, principal, "registered")
}

func (a *UserAPI) create(ctx context.Context, username, hash string) (*models.Principal, error) {
	a.registerMu.Lock()
	defer a.registerMu.Unlock()

	count, err := a.principals.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	role := models.RoleUser
	if count == 0 {
		role = models.RoleAdmin
	}

	principal := models.NewPrincipal(username, hash, role)
	if err := a.principals.Create(ctx, principal); err != nil {
		return nil, err
	}

	return principal, nil
}

// Login checks credentials and issues a token.
func (a *UserAPI) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	var req CredentialsRequest
	if err := decodeBody(r, &req); err != nil {
		httpmiddleware.WriteError(w, "invalid request body")
		return
	}

	principal, err := a.principals.GetByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if !errors.Is(err, store.ErrPrincipalNotFound) {
			logger.Error().Err(err).Msg("Failed to load user")
		}
		httpmiddleware.WriteError(w, "invalid username or password")
		return
	}

	ok, err := a.hasher.Verify(req.Password, principal.PasswordHash)
	if err != nil {
		logger.Error().Err(err).Str("principal_id", principal.PrincipalID.String()).Msg("Stored password hash is unreadable")
	}
	if !ok {
		httpmiddleware.WriteError(w, "invalid username or password")
		return
	}

	a.rehash(ctx, principal, req.Password)

	a.writeToken(w, r, principal, "logged in")
}

// rehash replaces a hash made with outdated parameters once the password has
// been verified. Failures only cost the upgrade, never the login.
func (a *UserAPI) rehash(ctx context.Context, principal *models.Principal, pw string) {
	logger := zerolog.Ctx(ctx).With().Str("principal_id", principal.PrincipalID.String()).Logger()

	upgrade, err := a.hasher.NeedsUpgrade(principal.PasswordHash)
	if err != nil || !upgrade {
		return
	}

	hash, err := a.hasher.Hash(pw)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to rehash password")
		return
	}
	if err := a.principals.SetPasswordHash(ctx, principal.PrincipalID, hash); err != nil {
		logger.Error().Err(err).Msg("Failed to store rehashed password")
		return
	}

	logger.Info().Msg("Password hash upgraded")
}

// GetUserInfo returns the caller's profile.
func (a *UserAPI) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, ok := a.caller(w, r)
	if !ok {
		return
	}

	zerolog.Ctx(ctx).Debug().Msg("User info requested")
	httpmiddleware.WriteSuccess(w, "ok", toUserInfo(principal))
}

// GetUserList returns a page of users.
func (a *UserAPI) GetUserList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ListRequest
	if err := decodeBody(r, &req); err != nil {
		httpmiddleware.WriteError(w, "invalid request body")
		return
	}

	principals, total, err := a.principals.List(ctx, store.ListPrincipalsOptions{
		PageIndex: req.PageIndex,
		PageSize:  req.PageSize,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to list users")
		httpmiddleware.WriteError(w, "failed to list users")
		return
	}

	resp := ListResponse{Total: total, Data: make([]UserInfo, 0, len(principals))}
	for _, p := range principals {
		resp.Data = append(resp.Data, toUserInfo(p))
	}

	httpmiddleware.WriteSuccess(w, "ok", resp)
}

// Logout revokes every token held by the caller.
func (a *UserAPI) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFromContext(r.Context())

	if err := a.tokens.RevokeAll(r.Context(), claims.Subject); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to revoke tokens on logout")
		httpmiddleware.WriteError(w, "logout failed")
		return
	}

	httpmiddleware.WriteSuccess(w, "logged out", nil)
}

// Revoke revokes every token held by another user.
func (a *UserAPI) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	var req RevokeRequest
	if err := decodeBody(r, &req); err != nil {
		httpmiddleware.WriteError(w, "invalid request body")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		httpmiddleware.WriteError(w, "invalid user_id")
		return
	}

	if _, err := a.principals.Get(ctx, userID); err != nil {
		if errors.Is(err, store.ErrPrincipalNotFound) {
			httpmiddleware.WriteError(w, "user not found")
			return
		}
		logger.Error().Err(err).Msg("Failed to load user")
		httpmiddleware.WriteError(w, "revoke failed")
		return
	}

	if err := a.tokens.RevokeAll(ctx, userID.String()); err != nil {
		logger.Error().Err(err).Str("target", userID.String()).Msg("Failed to revoke tokens")
		httpmiddleware.WriteError(w, "revoke failed")
		return
	}

	logger.Info().Str("target", userID.String()).Msg("Tokens revoked by admin")
	httpmiddleware.WriteSuccess(w, "revoked", nil)
}

// Healthz reports liveness.
func (a *UserAPI) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (a *UserAPI) caller(w http.ResponseWriter, r *http.Request) (*models.Principal, bool) {
	ctx := r.Context()

	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		httpmiddleware.WriteTokenError(w, auth.ReasonUnauthenticated.Message())
		return nil, false
	}

	id, err := claims.PrincipalID()
	if err != nil {
		httpmiddleware.WriteError(w, "user not found")
		return nil, false
	}

	principal, err := a.principals.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrPrincipalNotFound) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to load user")
		}
		httpmiddleware.WriteError(w, "user not found")
		return nil, false
	}

	return principal, true
}

func (a *UserAPI) writeToken(w http.ResponseWriter, r *http.Request, principal *models.Principal, message string) {
	token, err := a.tokens.Issue(r.Context(), principal)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to issue token")
		httpmiddleware.WriteError(w, "failed to issue token")
		return
	}

	httpmiddleware.WriteSuccess(w, message, TokenResponse{
		UserID:   principal.PrincipalID,
		Username: principal.Username,
		Role:     principal.Role,
		Token:    token,
	})
}

func toUserInfo(p *models.Principal) UserInfo {
	return UserInfo{
		UserID:    p.PrincipalID,
		Username:  p.Username,
		Role:      p.Role,
		CreatedAt: p.CreatedAt,
	}
}

func validateUsername(username string) error {
	n := len([]rune(username))
	if n < minUsernameLength || n > maxUsernameLength || strings.ContainsAny(username, " \t\r\n") {
		return errInvalidUsername
	}
	return nil
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return err
	}
	if len(body) > maxBodyBytes {
		return errors.New("request body too large")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
