package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultExpiry is the token lifetime when none is configured.
const DefaultExpiry = 30 * time.Minute

// Versions is the revocation primitive the token service depends on.
type Versions interface {
	// GetVersion returns the current version for subject
	GetVersion(ctx context.Context, subject string) (uuid.UUID, error)

	// BumpVersion replaces the version for subject, revoking outstanding tokens
	BumpVersion(ctx context.Context, subject string) (uuid.UUID, error)
}

// Validator validates tokens against a required role. Implemented by *Service.
type Validator interface {
	ValidateToken(ctx context.Context, token string, required models.Role) Result
}

// ServiceConfig configures token lifetimes.
type ServiceConfig struct {
	// Expiry is the token lifetime. Zero or negative issues tokens that never expire.
	Expiry time.Duration
}

// Service issues, validates and revokes versioned access tokens.
type Service struct {
	codec    *Codec
	versions Versions
	expiry   time.Duration
}

var _ Validator = (*Service)(nil)

// NewService creates a token service.
func NewService(codec *Codec, versions Versions, cfg ServiceConfig) *Service {
	return &Service{
		codec:    codec,
		versions: versions,
		expiry:   cfg.Expiry,
	}
}

// NeverExpires reports whether issued tokens omit the exp claim.
func (s *Service) NeverExpires() bool {
	return s.expiry <= 0
}

// CreateToken issues a token for subject carrying role and the subject's
// current version.
func (s *Service) CreateToken(ctx context.Context, subject string, role models.Role) (string, error) {
	version, err := s.versions.GetVersion(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("failed to resolve token version: %w", err)
	}

	now := s.codec.Now()
	claims := Claims{
		Role:    role,
		Version: version,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.Must(uuid.NewV7()).String(),
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if !s.NeverExpires() {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}

	token, err := s.codec.Encode(claims)
	if err != nil {
		return "", err
	}

	telemetry.GetMetrics().TokensIssuedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role.String())))

	return token, nil
}

// Issue creates a token for a stored principal.
func (s *Service) Issue(ctx context.Context, principal *models.Principal) (string, error) {
	return s.CreateToken(ctx, principal.PrincipalID.String(), principal.Role)
}

// ValidateToken decodes the token, checks its role against required and
// compares its version with the subject's current version, in that order.
// RoleNone disables the role check.
func (s *Service) ValidateToken(ctx context.Context, token string, required models.Role) Result {
	result := s.validate(ctx, token, required)

	telemetry.GetMetrics().TokenValidationsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reasonLabel(result.Reason))))

	return result
}

func (s *Service) validate(ctx context.Context, token string, required models.Role) Result {
	claims, err := s.codec.Decode(token, !s.NeverExpires())
	if err != nil {
		log.Debug().Err(err).Msg("Token decode failed")
		return rejected(ReasonFor(err))
	}

	if !claims.Role.Satisfies(required) {
		return rejected(ReasonRoleMismatch)
	}

	current, err := s.versions.GetVersion(ctx, claims.Subject)
	if err != nil {
		if !errors.Is(err, ErrSubjectNotFound) {
			log.Error().Err(err).Str("subject", claims.Subject).Msg("Token version lookup failed")
		}
		return rejected(ReasonFor(err))
	}

	if current != claims.Version {
		return rejected(ReasonVersionMismatch)
	}

	return valid(claims)
}

// GetIdentity decodes the token without consulting the version store. Expiry is
// enforced unless tokens are configured to never expire.
func (s *Service) GetIdentity(token string) (*Claims, bool) {
	claims, err := s.codec.Decode(token, !s.NeverExpires())
	if err != nil {
		return nil, false
	}
	return claims, true
}

// RevokeAll invalidates every token issued to subject. Unknown subjects are
// not an error.
func (s *Service) RevokeAll(ctx context.Context, subject string) error {
	_, err := s.versions.BumpVersion(ctx, subject)
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return nil
		}
		return err
	}

	telemetry.GetMetrics().TokenRevocationsTotal.Add(ctx, 1)

	return nil
}

func reasonLabel(r Reason) string {
	if r == ReasonNone {
		return "ok"
	}
	return string(r)
}
