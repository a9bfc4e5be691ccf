// Package sqlite provides an embedded principal store for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/models"
	"github.com/wolfeidau/tokengate/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.PrincipalStore = (*PrincipalStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS principals (
	principal_id  TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT NOT NULL,
	role          TEXT NOT NULL,
	token_version TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_principals_created ON principals (created_at, principal_id);
`

const principalColumns = `principal_id, username, password_hash, role, token_version, created_at, updated_at`

// PrincipalStore implements store.PrincipalStore on an SQLite database file.
type PrincipalStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*PrincipalStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Opened sqlite principal store")

	return &PrincipalStore{db: db}, nil
}

// Close releases the database handle.
func (s *PrincipalStore) Close() error {
	return s.db.Close()
}

// Create creates a new principal.
func (s *PrincipalStore) Create(ctx context.Context, principal *models.Principal) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (`+principalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		principal.PrincipalID.String(),
		principal.Username,
		principal.PasswordHash,
		principal.Role.String(),
		principal.TokenVersion.String(),
		principal.CreatedAt.UnixNano(),
		principal.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to create principal: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create principal: %w", err)
	}
	if n == 0 {
		return store.ErrPrincipalAlreadyExists
	}

	return nil
}

// Get retrieves a principal by ID.
func (s *PrincipalStore) Get(ctx context.Context, principalID uuid.UUID) (*models.Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE principal_id = ?`, principalID.String())
	return scanPrincipal(row)
}

// GetByUsername retrieves a principal by login name, ignoring case.
func (s *PrincipalStore) GetByUsername(ctx context.Context, username string) (*models.Principal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE username = ?`, username)
	return scanPrincipal(row)
}

// List returns a page of principals ordered by creation time.
func (s *PrincipalStore) List(ctx context.Context, opts store.ListPrincipalsOptions) ([]*models.Principal, int, error) {
	opts = opts.Normalize()

	total, err := s.Count(ctx)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+principalColumns+`
		FROM principals
		ORDER BY created_at, principal_id
		LIMIT ? OFFSET ?
	`, opts.PageSize, opts.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list principals: %w", err)
	}
	defer rows.Close()

	var result []*models.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate principals: %w", err)
	}

	return result, total, nil
}

// Count returns the number of principals.
func (s *PrincipalStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM principals`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count principals: %w", err)
	}
	return count, nil
}

// GetTokenVersion returns the principal's current token version.
func (s *PrincipalStore) GetTokenVersion(ctx context.Context, principalID uuid.UUID) (uuid.UUID, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		`SELECT token_version FROM principals WHERE principal_id = ?`, principalID.String(),
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, store.ErrPrincipalNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to get token version: %w", err)
	}
	return uuid.Parse(version)
}

// SetTokenVersion replaces the principal's token version.
func (s *PrincipalStore) SetTokenVersion(ctx context.Context, principalID uuid.UUID, version uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET token_version = ?, updated_at = ? WHERE principal_id = ?`,
		version.String(), time.Now().UTC().UnixNano(), principalID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to set token version: %w", err)
	}
	return requireAffected(res)
}

func (s *PrincipalStore) SetPasswordHash(ctx context.Context, principalID uuid.UUID, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET password_hash = ?, updated_at = ? WHERE principal_id = ?`,
		hash, time.Now().UTC().UnixNano(), principalID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to set password hash: %w", err)
	}
	return requireAffected(res)
}

// Delete removes a principal.
func (s *PrincipalStore) Delete(ctx context.Context, principalID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM principals WHERE principal_id = ?`, principalID.String())
	if err != nil {
		return fmt.Errorf("failed to delete principal: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrPrincipalNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row scanner) (*models.Principal, error) {
	var (
		p                    models.Principal
		id, role, version    string
		createdAt, updatedAt int64
	)
	err := row.Scan(&id, &p.Username, &p.PasswordHash, &role, &version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("failed to scan principal: %w", err)
	}

	if p.PrincipalID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid principal_id %q: %w", id, err)
	}
	if p.TokenVersion, err = uuid.Parse(version); err != nil {
		return nil, fmt.Errorf("invalid token_version %q: %w", version, err)
	}
	if p.Role, err = models.ParseRole(role); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &p, nil
}
