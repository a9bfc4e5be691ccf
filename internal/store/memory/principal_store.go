package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/store"
)

var _ store.PrincipalStore = (*PrincipalStore)(nil)

// PrincipalStore keeps principals in process memory, indexed by id and
// lower-cased username. Values are copied on the way in and out.
// Data is lost on restart.
type PrincipalStore struct {
	mu sync.RWMutex

	principals           map[uuid.UUID]*models.Principal // principal_id -> Principal
	principalsByUsername map[string]*models.Principal    // lower(username) -> Principal
}

func NewPrincipalStore() *PrincipalStore {
	return &PrincipalStore{
		principals:           make(map[uuid.UUID]*models.Principal),
		principalsByUsername: make(map[string]*models.Principal),
	}
}

func (s *PrincipalStore) Create(ctx context.Context, principal *models.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.principals[principal.PrincipalID]; exists {
		return store.ErrPrincipalAlreadyExists
	}

	key := usernameKey(principal.Username)
	if _, exists := s.principalsByUsername[key]; exists {
		return store.ErrPrincipalAlreadyExists
	}

	clone := *principal
	s.principals[clone.PrincipalID] = &clone
	s.principalsByUsername[key] = &clone

	return nil
}

func (s *PrincipalStore) Get(ctx context.Context, principalID uuid.UUID) (*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	principal, exists := s.principals[principalID]
	if !exists {
		return nil, store.ErrPrincipalNotFound
	}

	clone := *principal
	return &clone, nil
}

// GetByUsername retrieves a principal by login name, ignoring case.
func (s *PrincipalStore) GetByUsername(ctx context.Context, username string) (*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	principal, exists := s.principalsByUsername[usernameKey(username)]
	if !exists {
		return nil, store.ErrPrincipalNotFound
	}

	clone := *principal
	return &clone, nil
}

// List returns a page of principals ordered by creation time.
func (s *PrincipalStore) List(ctx context.Context, opts store.ListPrincipalsOptions) ([]*models.Principal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*models.Principal, 0, len(s.principals))
	for _, p := range s.principals {
		all = append(all, p)
	}
	slices.SortFunc(all, func(a, b *models.Principal) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.PrincipalID.String(), b.PrincipalID.String())
	})

	opts = opts.Normalize()
	start := min(opts.Offset(), len(all))
	end := min(start+opts.PageSize, len(all))

	result := make([]*models.Principal, 0, end-start)
	for _, p := range all[start:end] {
		clone := *p
		result = append(result, &clone)
	}

	return result, len(all), nil
}

func (s *PrincipalStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.principals), nil
}

// GetTokenVersion returns the principal's current token version.
func (s *PrincipalStore) GetTokenVersion(ctx context.Context, principalID uuid.UUID) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	principal, exists := s.principals[principalID]
	if !exists {
		return uuid.Nil, store.ErrPrincipalNotFound
	}

	return principal.TokenVersion, nil
}

// SetTokenVersion replaces the principal's token version.
func (s *PrincipalStore) SetTokenVersion(ctx context.Context, principalID uuid.UUID, version uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	principal, exists := s.principals[principalID]
	if !exists {
		return store.ErrPrincipalNotFound
	}

	principal.TokenVersion = version
	principal.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *PrincipalStore) SetPasswordHash(ctx context.Context, principalID uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	principal, exists := s.principals[principalID]
	if !exists {
		return store.ErrPrincipalNotFound
	}

	principal.PasswordHash = hash
	principal.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *PrincipalStore) Delete(ctx context.Context, principalID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	principal, exists := s.principals[principalID]
	if !exists {
		return store.ErrPrincipalNotFound
	}

	delete(s.principalsByUsername, usernameKey(principal.Username))
	delete(s.principals, principalID)

	return nil
}

func usernameKey(username string) string {
	return strings.ToLower(username)
}
