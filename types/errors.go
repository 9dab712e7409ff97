package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
	ErrConfigNotInitialized = errors.New("config not initialized")
)

var (
	ErrServerNotRunning        = errors.New("server not running")
	ErrServerAlreadyRunning    = errors.New("server already running")
	ErrServerStartFailed       = errors.New("server start failed")
	ErrRouteFinalizationFailed = errors.New("route finalization failed")
)

var (
	ErrMiddlewareInvalidType  = errors.New("middleware invalid type")
	ErrMiddlewareOrderInvalid = errors.New("middleware order invalid")
)

// Cache errors. ErrCacheUnavailable and ErrCacheCapacityExceeded never
// reach a client of the worker: the first is served as a miss, the
// second is the store's business.
var (
	ErrCacheUnavailable      = errors.New("cache unavailable")
	ErrCacheCapacityExceeded = errors.New("cache capacity exceeded")
	ErrCacheKeyEmpty         = errors.New("cache key empty")
	ErrCacheTypeUnknown      = errors.New("cache type unknown")
	ErrCacheIsDisabled       = errors.New("cache client is disabled")
	ErrCacheCodec            = errors.New("cache value codec")
)

var (
	ErrStoreClosed      = errors.New("store closed")
	ErrStoreSyntax      = errors.New("syntax error")
	ErrStoreNotInteger  = errors.New("value is not an integer or out of range")
	ErrAOFCorrupted     = errors.New("append only file corrupted")
	ErrAOFRewriteFailed = errors.New("append only file rewrite failed")
	ErrEvictionPolicy   = errors.New("unsupported eviction policy")
)

var ErrComputationFailed = errors.New("computation failed")

var (
	ErrRecordNotFound     = errors.New("record not found")
	ErrRecordStoreUnknown = errors.New("record store type unknown")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobTimeout        = errors.New("cron job timeout")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsStartFailed = errors.New("metrics start failed")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthProbeTimeout = errors.New("health probe timeout")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsNotRunning  = errors.New("service is not running")
	ErrComponentStartFailed = errors.New("component start failed")
	ErrComponentStopFailed  = errors.New("component stop failed")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotSupported     = errors.New("not supported")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
