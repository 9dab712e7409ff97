package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

// Worker serves requests through the cache: a hit is answered from the
// store, anything else is computed and written back in the background.
// The cache is an optimisation only; with the store gone every request is
// computed.
type Worker struct {
	cache     types.CacheClient
	populator *Populator
	guard     types.MemoryGuard
	logger    types.Logger
	metrics   types.MetricsManager
	group     singleflight.Group
}

// New wires a worker. cache and guard may be nil: without a cache every
// request is computed, without a guard population is never refused.
func New(cache types.CacheClient, populator *Populator, guard types.MemoryGuard, logger types.Logger, metrics types.MetricsManager) *Worker {
	return &Worker{
		cache:     cache,
		populator: populator,
		guard:     guard,
		logger:    logger,
		metrics:   metrics,
	}
}

type flightResult struct {
	response *types.Response
}

func (w *Worker) Serve(ctx context.Context, key string, ttl time.Duration, compute types.ComputeFunc) (*types.Response, types.CacheOutcome, error) {
	outcome := types.CacheUnavailable

	if w.cache != nil {
		result := w.cache.Get(ctx, key)
		outcome = result.Outcome

		if result.Outcome == types.CacheHit {
			response, err := decodeResponse(result.Value)
			if err == nil {
				w.record(types.CacheHit)
				return response, types.CacheHit, nil
			}

			w.logger.Warn("Cached response is unreadable, recomputing", zap.String("key", key), zap.Error(err))
			if err := w.cache.Delete(ctx, key); err != nil {
				w.logger.Debug("Failed to drop unreadable cached response", zap.String("key", key), zap.Error(err))
			}
			outcome = types.CacheMiss
		}
	}

	w.record(outcome)

	// Concurrent misses on one key share a single computation.
	v, err, _ := w.group.Do(key, func() (interface{}, error) {
		// The epoch is read before computing: an invalidation after this
		// point may describe data the computation did not see.
		epoch, tracked := w.epoch(ctx)

		response, err := w.compute(ctx, compute)
		if err != nil {
			return nil, err
		}

		if tracked {
			w.populate(ctx, key, ttl, epoch, response)
		}

		return flightResult{response: response}, nil
	})
	if err != nil {
		return nil, outcome, err
	}

	return v.(flightResult).response, outcome, nil
}

func (w *Worker) compute(ctx context.Context, compute types.ComputeFunc) (response *types.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Computation panic", zap.Any("panic", r))
			response, err = nil, &types.ComputationError{
				Status: http.StatusInternalServerError,
				Err:    types.NewErrorf("panic: %v", r),
			}
		}
	}()

	response, err = compute(ctx)
	if err != nil {
		var compErr *types.ComputationError
		if errors.As(err, &compErr) {
			return nil, compErr
		}
		return nil, &types.ComputationError{Status: http.StatusInternalServerError, Err: err}
	}

	if response == nil {
		return nil, &types.ComputationError{Status: http.StatusInternalServerError, Err: types.ErrComputationFailed}
	}

	return response, nil
}

func (w *Worker) epoch(ctx context.Context) (string, bool) {
	if w.cache == nil || w.populator == nil {
		return "", false
	}
	return currentEpoch(ctx, w.cache)
}

// populate stores successful responses only. Anything else would make a
// transient failure sticky.
func (w *Worker) populate(ctx context.Context, key string, ttl time.Duration, epoch string, response *types.Response) {
	if w.cache == nil || w.populator == nil {
		return
	}

	if response.Status < 200 || response.Status >= 300 {
		return
	}

	if w.guard != nil && !w.guard.AllowPopulate() {
		w.populator.record("refused")
		return
	}

	value, err := encodeResponse(response)
	if err != nil {
		w.logger.Error("Failed to encode response for cache", zap.String("key", key), zap.Error(err))
		return
	}

	w.populator.EnqueueSince(ctx, epoch, key, value, ttl)
}

func (w *Worker) record(outcome types.CacheOutcome) {
	if w.metrics == nil {
		return
	}
	w.metrics.Counter("worker_requests_total", map[string]string{"cache": outcome.String()}).Inc()
}

func encodeResponse(response *types.Response) ([]byte, error) {
	return utils.Marshal(response)
}

func decodeResponse(data []byte) (*types.Response, error) {
	var response types.Response
	if err := utils.Unmarshal(data, &response); err != nil {
		return nil, err
	}
	if response.Status == 0 {
		return nil, types.Errorf(types.ErrCacheCodec, "cached response has no status")
	}
	return &response, nil
}
