package cache

import (
	"context"
	"time"

	"github.com/ddasdkimo/keyvalueserver/types"
)

var customBackendCreators = make(map[string]types.CacheBackendCreator)

func RegisterCacheBackend(name string, creator types.CacheBackendCreator) {
	customBackendCreators[name] = creator
}

func NewCacheClient(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.CacheClient, error) {
	cacheConfig := config.GetConfig().Cache

	if cacheConfig == nil || !cacheConfig.Enabled {
		return nil, types.ErrCacheIsDisabled
	}

	backend, err := NewBackend(cacheConfig)
	if err != nil {
		return nil, err
	}

	client := NewClient(ctx, cacheConfig, backend, logger)

	if metrics == nil {
		return client, nil
	}

	return newInstrumentedCacheClient(metrics, client), nil
}

func NewBackend(cacheConfig *types.CacheConfig) (types.CacheBackend, error) {
	switch cacheConfig.Type {
	case "memory":
		return NewMemoryBackend(cacheConfig)
	case "redis", "":
		return NewRedisBackend(cacheConfig)
	default:
		if creator, exists := customBackendCreators[cacheConfig.Type]; exists {
			return creator(cacheConfig)
		}
		return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", cacheConfig.Type)
	}
}

type instrumentedCacheClient struct {
	impl    types.CacheClient
	metrics types.MetricsManager
}

func newInstrumentedCacheClient(metrics types.MetricsManager, impl types.CacheClient) types.CacheClient {
	return &instrumentedCacheClient{
		impl:    impl,
		metrics: metrics,
	}
}

func (icc *instrumentedCacheClient) Get(ctx context.Context, key string) types.CacheResult {
	start := time.Now()
	result := icc.impl.Get(ctx, key)
	duration := time.Since(start)

	label := result.Outcome.String()
	if result.Reason != "" {
		label += "_" + result.Reason
	}

	icc.recordMetric("get", label, duration)
	return result
}

func (icc *instrumentedCacheClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := icc.impl.Set(ctx, key, value, ttl)
	icc.recordMetric("set", resultLabel(err), time.Since(start))
	return err
}

func (icc *instrumentedCacheClient) Delete(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := icc.impl.Delete(ctx, keys...)
	icc.recordMetric("delete", resultLabel(err), time.Since(start))
	return err
}

func (icc *instrumentedCacheClient) DeletePrefix(ctx context.Context, prefix string) error {
	start := time.Now()
	err := icc.impl.DeletePrefix(ctx, prefix)
	icc.recordMetric("delete_prefix", resultLabel(err), time.Since(start))
	return err
}

func (icc *instrumentedCacheClient) Ping(ctx context.Context) error {
	start := time.Now()
	err := icc.impl.Ping(ctx)
	icc.recordMetric("ping", resultLabel(err), time.Since(start))
	return err
}

func (icc *instrumentedCacheClient) State() types.ConnectionState {
	state := icc.impl.State()
	icc.metrics.Gauge("cache_connection_state", nil).Set(float64(state))
	return state
}

func (icc *instrumentedCacheClient) UnavailableSince() time.Time {
	return icc.impl.UnavailableSince()
}

func (icc *instrumentedCacheClient) Start() error {
	start := time.Now()
	err := icc.impl.Start()
	icc.recordMetric("start", resultLabel(err), time.Since(start))
	return err
}

func (icc *instrumentedCacheClient) Stop() error {
	return icc.impl.Stop()
}

func (icc *instrumentedCacheClient) IsRunning() bool {
	return icc.impl.IsRunning()
}

func (icc *instrumentedCacheClient) recordMetric(operation, result string, duration time.Duration) {
	opCounter := icc.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	opCounter.Inc()

	opDuration := icc.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	)
	opDuration.Observe(duration.Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
