package models

import (
	"time"

	"github.com/google/uuid"
)

// Principal represents a user account that can be issued tokens.
type Principal struct {
	PrincipalID  uuid.UUID // UUIDv7
	Username     string    // Unique login name
	PasswordHash string    // PHC encoded argon2id hash
	Role         Role

	// TokenVersion is embedded in every token issued to this principal. Replacing it
	// revokes all outstanding tokens at once.
	TokenVersion uuid.UUID

	// Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPrincipal returns a principal with fresh identifiers and timestamps.
func NewPrincipal(username, passwordHash string, role Role) *Principal {
	now := time.Now().UTC()
	return &Principal{
		PrincipalID:  uuid.Must(uuid.NewV7()),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		TokenVersion: uuid.New(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
