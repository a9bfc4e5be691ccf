package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/wolfeidau/tokengate/internal/models"
)

var (
	ErrPrincipalNotFound      = errors.New("principal not found")
	ErrPrincipalAlreadyExists = errors.New("principal already exists")
	// ErrUnavailable wraps backend failures that may succeed on retry.
	ErrUnavailable = errors.New("store unavailable")
)

// PrincipalStore persists principals and their current token version.
type PrincipalStore interface {
	// Create stores a new principal. Usernames are unique.
	Create(ctx context.Context, principal *models.Principal) error

	// Get retrieves a principal by ID
	Get(ctx context.Context, principalID uuid.UUID) (*models.Principal, error)

	// GetByUsername retrieves a principal by login name
	GetByUsername(ctx context.Context, username string) (*models.Principal, error)

	// List returns one page of principals ordered by creation time, plus the total count
	List(ctx context.Context, opts ListPrincipalsOptions) ([]*models.Principal, int, error)

	// Count returns the number of stored principals
	Count(ctx context.Context) (int, error)

	// GetTokenVersion returns the principal's current token version
	GetTokenVersion(ctx context.Context, principalID uuid.UUID) (uuid.UUID, error)

	// SetTokenVersion replaces the principal's token version
	SetTokenVersion(ctx context.Context, principalID uuid.UUID, version uuid.UUID) error

	// SetPasswordHash replaces the stored password hash
	SetPasswordHash(ctx context.Context, principalID uuid.UUID, hash string) error

	// Delete removes a principal
	Delete(ctx context.Context, principalID uuid.UUID) error
}

// ListPrincipalsOptions selects a page of principals.
type ListPrincipalsOptions struct {
	PageIndex int // 1-based page number (0 = first page)
	PageSize  int // Max results (0 = default)
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps the options into a usable range.
func (o ListPrincipalsOptions) Normalize() ListPrincipalsOptions {
	if o.PageIndex < 1 {
		o.PageIndex = 1
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize > MaxPageSize {
		o.PageSize = MaxPageSize
	}
	return o
}

// Offset returns the number of rows to skip for the page.
func (o ListPrincipalsOptions) Offset() int {
	n := o.Normalize()
	return (n.PageIndex - 1) * n.PageSize
}
