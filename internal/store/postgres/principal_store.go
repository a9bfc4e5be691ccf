package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/store"
)

var _ store.PrincipalStore = (*PrincipalStore)(nil)

const principalColumns = `principal_id, username, password_hash, role, token_version, created_at, updated_at`

// PrincipalStore is the PostgreSQL store.PrincipalStore. Username
// uniqueness is enforced by a unique index on lower(username).
type PrincipalStore struct {
	pool *pgxpool.Pool
}

func NewPrincipalStore(pool *pgxpool.Pool) *PrincipalStore {
	return &PrincipalStore{
		pool: pool,
	}
}

func (s *PrincipalStore) Create(ctx context.Context, principal *models.Principal) error {
	query := `
		INSERT INTO principals (` + principalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		principal.PrincipalID,
		principal.Username,
		principal.PasswordHash,
		principal.Role.String(),
		principal.TokenVersion,
		principal.CreatedAt,
		principal.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrPrincipalAlreadyExists
		}
		return fmt.Errorf("failed to create principal: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("principal_id", principal.PrincipalID.String()).
		Str("role", principal.Role.String()).
		Msg("Created principal")

	return nil
}

func (s *PrincipalStore) Get(ctx context.Context, principalID uuid.UUID) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE principal_id = $1`

	p, err := scanPrincipal(s.pool.QueryRow(ctx, query, principalID))
	if err != nil {
		return nil, fmt.Errorf("failed to get principal: %w", mapPostgresError(err))
	}
	return p, nil
}

// GetByUsername retrieves a principal by login name, ignoring case.
func (s *PrincipalStore) GetByUsername(ctx context.Context, username string) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE lower(username) = lower($1)`

	p, err := scanPrincipal(s.pool.QueryRow(ctx, query, username))
	if err != nil {
		return nil, fmt.Errorf("failed to get principal by username: %w", mapPostgresError(err))
	}
	return p, nil
}

// List returns a page of principals ordered by creation time.
func (s *PrincipalStore) List(ctx context.Context, opts store.ListPrincipalsOptions) ([]*models.Principal, int, error) {
	opts = opts.Normalize()

	total, err := s.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + principalColumns + `
		FROM principals
		ORDER BY created_at, principal_id
		LIMIT $1 OFFSET $2
	`

	rows, err := s.pool.Query(ctx, query, opts.PageSize, opts.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list principals: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var result []*models.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan principal: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate principals: %w", mapPostgresError(err))
	}

	return result, total, nil
}

// Count returns the number of principals.
func (s *PrincipalStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM principals`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count principals: %w", mapPostgresError(err))
	}
	return count, nil
}

func (s *PrincipalStore) GetTokenVersion(ctx context.Context, principalID uuid.UUID) (uuid.UUID, error) {
	var version uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT token_version FROM principals WHERE principal_id = $1`, principalID,
	).Scan(&version)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to get token version: %w", mapPostgresError(err))
	}
	return version, nil
}

// SetTokenVersion replaces the principal's token version.
func (s *PrincipalStore) SetTokenVersion(ctx context.Context, principalID uuid.UUID, version uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE principals SET token_version = $2, updated_at = $3 WHERE principal_id = $1`,
		principalID, version, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set token version: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrPrincipalNotFound
	}

	log.Debug().Str("principal_id", principalID.String()).Msg("Updated token version")

	return nil
}

func (s *PrincipalStore) SetPasswordHash(ctx context.Context, principalID uuid.UUID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE principals SET password_hash = $2, updated_at = $3 WHERE principal_id = $1`,
		principalID, hash, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set password hash: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrPrincipalNotFound
	}
	return nil
}

// Delete removes a principal.
func (s *PrincipalStore) Delete(ctx context.Context, principalID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM principals WHERE principal_id = $1`, principalID)
	if err != nil {
		return fmt.Errorf("failed to delete principal: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrPrincipalNotFound
	}
	return nil
}

func scanPrincipal(row pgx.Row) (*models.Principal, error) {
	var (
		p    models.Principal
		role string
	)
	err := row.Scan(
		&p.PrincipalID,
		&p.Username,
		&p.PasswordHash,
		&role,
		&p.TokenVersion,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.Role, err = models.ParseRole(role); err != nil {
		return nil, err
	}

	return &p, nil
}
