package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/wolfeidau/tokengate/internal/models"
)

const (
	minSigningKeyBytes = 32
	maxLeeway          = 2 * time.Minute
	kidLength          = 16
)

// Claims are the signed contents of an access token. ExpiresAt is nil for
// tokens that never expire.
type Claims struct {
	Role    models.Role `json:"rol"`
	Version uuid.UUID   `json:"ver"`
	jwt.RegisteredClaims
}

// PrincipalID parses the subject as a principal ID.
func (c *Claims) PrincipalID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// CodecConfig configures a Codec.
type CodecConfig struct {
	// SigningKey is the HMAC-SHA256 secret, at least 32 bytes.
	SigningKey []byte
	Issuer     string
	Audience   string

	// Leeway tolerates clock skew when checking expiry, at most two minutes.
	Leeway time.Duration

	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// Validate checks that the configuration is valid.
func (c CodecConfig) Validate() error {
	if len(c.SigningKey) < minSigningKeyBytes {
		return fmt.Errorf("signing key must be at least %d bytes (256 bits) for HMAC-SHA256", minSigningKeyBytes)
	}
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.Audience == "" {
		return errors.New("audience is required")
	}
	if c.Leeway < 0 || c.Leeway > maxLeeway {
		return fmt.Errorf("leeway must be between 0 and %s", maxLeeway)
	}
	return nil
}

// Codec signs and verifies HS256 tokens for a single key, issuer and audience.
type Codec struct {
	key      []byte
	kid      string
	issuer   string
	audience string
	now      func() time.Time

	expiry *jwt.Validator
}

// NewCodec creates a codec from a validated configuration.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Codec{
		key:      slices.Clone(cfg.SigningKey),
		kid:      KeyID(cfg.SigningKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      now,
		expiry: jwt.NewValidator(
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(cfg.Leeway),
			jwt.WithTimeFunc(now),
		),
	}, nil
}

// KeyID derives the public key identifier placed in the token header.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return base58.Encode(sum[:])[:kidLength]
}

// Kid returns the key identifier for this codec.
func (c *Codec) Kid() string {
	return c.kid
}

// Now returns the codec's current time.
func (c *Codec) Now() time.Time {
	return c.now()
}

// Encode signs claims. Issuer and audience are always set from the codec; exp
// is omitted when ExpiresAt is nil.
func (c *Codec) Encode(claims Claims) (string, error) {
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: subject is required", ErrMalformedToken)
	}

	claims.Issuer = c.issuer
	claims.Audience = jwt.ClaimStrings{c.audience}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	token.Header["kid"] = c.kid

	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and returns the claims. When enforceExpiry is
// set, tokens that are past exp, or that carry no exp at all, fail with ErrExpired.
func (c *Codec) Decode(raw string, enforceExpiry bool) (*Claims, error) {
	claims := &Claims{}

	_, err := jwt.ParseWithClaims(raw, claims, c.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}

	// a token for another issuer or audience is not ours, whoever signed it
	if claims.Issuer != c.issuer || !slices.Contains(claims.Audience, c.audience) {
		return nil, fmt.Errorf("%w: issuer or audience mismatch", ErrInvalidSignature)
	}

	if claims.Subject == "" || claims.Version == uuid.Nil {
		return nil, fmt.Errorf("%w: missing subject or version", ErrMalformedToken)
	}

	if enforceExpiry {
		if err := c.expiry.Validate(claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
	}

	return claims, nil
}

func (c *Codec) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid != c.kid {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return c.key, nil
}
