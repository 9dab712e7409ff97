package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ddasdkimo/keyvalueserver/types"
)

// EpochKey names the cache entry that changes on every invalidation. It
// sits outside the record prefixes so prefix deletes leave it alone.
const EpochKey = "epoch"

const epochTTL = 24 * time.Hour

// AdvanceEpoch records an invalidation. Call it before deleting the
// entries it covers: a write-back computed under the previous epoch then
// withdraws itself even if it lands after the delete.
func AdvanceEpoch(ctx context.Context, cache types.CacheClient) error {
	return cache.Set(ctx, EpochKey, []byte(uuid.NewString()), epochTTL)
}

// currentEpoch reads the epoch; an absent entry is the empty epoch. ok is
// false when the store cannot answer, in which case nothing computed now
// may be written back.
func currentEpoch(ctx context.Context, cache types.CacheClient) (epoch string, ok bool) {
	result := cache.Get(ctx, EpochKey)

	switch result.Outcome {
	case types.CacheHit:
		return string(result.Value), true
	case types.CacheMiss:
		return "", true
	default:
		return "", false
	}
}
