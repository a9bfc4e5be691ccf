package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wolfeidau/tokengate/internal/store"
)

// mapPostgresError translates pgx errors into the store sentinels. Errors it
// does not recognise are returned unchanged.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrPrincipalNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %s", store.ErrPrincipalAlreadyExists, pgErr.ConstraintName)
	case retryable(pgErr.Code):
		return fmt.Errorf("%w: %s: %w", store.ErrUnavailable, pgErr.Code, err)
	default:
		return fmt.Errorf("postgres error [%s] %s: %w", pgErr.Code, pgErr.Message, err)
	}
}

// retryable reports codes caused by server state rather than the statement.
func retryable(code string) bool {
	return pgerrcode.IsConnectionException(code) ||
		pgerrcode.IsInsufficientResources(code) ||
		pgerrcode.IsOperatorIntervention(code) ||
		code == pgerrcode.SerializationFailure ||
		code == pgerrcode.DeadlockDetected
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
