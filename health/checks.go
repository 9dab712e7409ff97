package health

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ddasdkimo/keyvalueserver/types"
)

// ProcessChecker reports whether the component accepting requests runs.
func ProcessChecker(component types.LifecycleManager) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if component.IsRunning() {
			return types.HealthCheck{Status: types.StatusHealthy}
		}
		return types.HealthCheck{Status: types.StatusUnhealthy, Message: "HTTP server is not accepting requests"}
	}
}

// CacheChecker tolerates an unreachable store for grace before reporting
// degraded. The cache never makes the service unhealthy: requests are still
// answered by computing them.
func CacheChecker(client types.CacheClient, grace time.Duration) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		err := client.Ping(ctx)

		details := map[string]interface{}{
			"state": client.State().String(),
		}

		if err == nil {
			return types.HealthCheck{Status: types.StatusHealthy, Details: details}
		}

		details["error"] = err.Error()

		since := client.UnavailableSince()
		if since.IsZero() {
			return types.HealthCheck{Status: types.StatusHealthy, Message: "Cache store not contacted yet", Details: details}
		}

		unavailable := time.Since(since)
		details["unavailable_for"] = unavailable.Round(time.Millisecond).String()

		if unavailable < grace {
			return types.HealthCheck{Status: types.StatusHealthy, Message: "Cache store unreachable, within grace period", Details: details}
		}

		return types.HealthCheck{Status: types.StatusDegraded, Message: "Cache store unreachable", Details: details}
	}
}

func MemoryChecker(guard types.MemoryGuard) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		usage := guard.Usage()

		details := map[string]interface{}{
			"in_use":     humanize.IBytes(usage.TotalRuntime),
			"heap":       humanize.IBytes(usage.HeapInUse),
			"soft_limit": humanize.IBytes(usage.SoftLimit),
			"hard_limit": humanize.IBytes(usage.HardLimit),
			"ratio":      usage.Ratio,
		}

		switch {
		case usage.Pressure:
			return types.HealthCheck{Status: types.StatusDegraded, Message: "Memory above high watermark, cache population paused", Details: details}
		case usage.OverSoft:
			return types.HealthCheck{Status: types.StatusHealthy, Message: "Memory above soft limit", Details: details}
		default:
			return types.HealthCheck{Status: types.StatusHealthy, Details: details}
		}
	}
}

func RecordsChecker(store types.RecordStore) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		count, err := store.Count(ctx)
		if err != nil {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error()}
		}
		return types.HealthCheck{
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{"records": count},
		}
	}
}
