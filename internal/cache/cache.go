// Package cache holds the fast-path lookup for principal token versions.
//
// The cache is never the source of truth: every entry carries a TTL and a miss
// falls back to the principal store.
package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// VersionCache stores the current token version per subject.
type VersionCache interface {
	// Get returns the cached version and whether it was present
	Get(ctx context.Context, subject string) (uuid.UUID, bool, error)

	// Set stores version for subject, expiring after ttl
	Set(ctx context.Context, subject string, version uuid.UUID, ttl time.Duration) error

	// Delete removes any cached version for subject
	Delete(ctx context.Context, subject string) error
}

// DefaultTTL bounds how long a cached version is trusted.
const DefaultTTL = 60 * time.Minute
