package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

var _ VersionCache = (*Memory)(nil)

// DefaultMaxEntries bounds the memory cache when no size is configured.
const DefaultMaxEntries = 100_000

// ErrSetDropped is returned when the cache refused to admit an entry.
var ErrSetDropped = errors.New("version cache dropped the entry")

// Memory is a process-local VersionCache backed by ristretto. Every entry
// costs 1, so maxEntries is the capacity; expired entries are never returned.
type Memory struct {
	c *ristretto.Cache[string, uuid.UUID]
}

// NewMemory creates a cache holding at most maxEntries subjects. A
// non-positive maxEntries uses DefaultMaxEntries.
func NewMemory(maxEntries int64) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, uuid.UUID]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create version cache: %w", err)
	}

	return &Memory{c: c}, nil
}

func (m *Memory) Get(ctx context.Context, subject string) (uuid.UUID, bool, error) {
	version, ok := m.c.Get(subject)
	return version, ok, nil
}

// Set stores version for subject and waits until it is visible to Get. A
// non-positive ttl falls back to DefaultTTL.
func (m *Memory) Set(ctx context.Context, subject string, version uuid.UUID, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if !m.c.SetWithTTL(subject, version, 1, ttl) {
		return ErrSetDropped
	}
	m.c.Wait()

	if got, ok := m.c.Get(subject); !ok || got != version {
		// rejected by the admission policy
		return ErrSetDropped
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, subject string) error {
	m.c.Del(subject)
	return nil
}

// Close stops ristretto's background goroutines. The cache is unusable after.
func (m *Memory) Close() {
	m.c.Close()
}
