package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tokengate/internal/cache"
	"github.com/wolfeidau/tokengate/internal/store"
	"github.com/wolfeidau/tokengate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// VersionStore resolves the current token version of a subject. The principal
// store is authoritative; the optional cache is a bounded fast path.
type VersionStore struct {
	principals store.PrincipalStore
	cache      cache.VersionCache
	ttl        time.Duration

	// per subject: a cache fill holds the read side, a bump holds the write
	// side, so a fill can never reinstate a superseded version
	locks subjectLocks
}

// NewVersionStore creates a version store. versionCache may be nil to always
// read through to the principal store. A non-positive ttl uses cache.DefaultTTL.
func NewVersionStore(principals store.PrincipalStore, versionCache cache.VersionCache, ttl time.Duration) *VersionStore {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &VersionStore{
		principals: principals,
		cache:      versionCache,
		ttl:        ttl,
	}
}

// GetVersion returns the subject's current version. Store failures fail closed
// with ErrStoreUnavailable; unknown subjects return ErrSubjectNotFound.
func (v *VersionStore) GetVersion(ctx context.Context, subject string) (uuid.UUID, error) {
	principalID, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subject)
	}

	unlock := v.locks.RLock(subject)
	defer unlock()

	if v.cache != nil {
		version, ok, err := v.cache.Get(ctx, subject)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("subject", subject).Msg("Version cache read failed, using store")
		case ok:
			recordLookup(ctx, "cache")
			return version, nil
		}
	}

	recordLookup(ctx, "store")

	version, err := v.principals.GetTokenVersion(ctx, principalID)
	if err != nil {
		if errors.Is(err, store.ErrPrincipalNotFound) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subject)
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if v.cache != nil {
		if err := v.cache.Set(ctx, subject, version, v.ttl); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("Version cache fill failed")
		}
	}

	return version, nil
}

// BumpVersion replaces the subject's version with a fresh random value,
// invalidating every token issued before the call.
func (v *VersionStore) BumpVersion(ctx context.Context, subject string) (uuid.UUID, error) {
	principalID, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subject)
	}

	unlock := v.locks.Lock(subject)
	defer unlock()

	version := uuid.New()

	if err := v.principals.SetTokenVersion(ctx, principalID, version); err != nil {
		if errors.Is(err, store.ErrPrincipalNotFound) {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrSubjectNotFound, subject)
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if v.cache != nil {
		if err := v.cache.Set(ctx, subject, version, v.ttl); err != nil {
			// the old version must not outlive the bump in the cache
			if delErr := v.cache.Delete(ctx, subject); delErr != nil {
				return uuid.Nil, fmt.Errorf("%w: version persisted but cache still holds the old value: %v",
					ErrStoreUnavailable, errors.Join(err, delErr))
			}
		}
	}

	log.Info().Str("subject", subject).Msg("Token version bumped")

	return version, nil
}

func recordLookup(ctx context.Context, source string) {
	telemetry.GetMetrics().VersionLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
