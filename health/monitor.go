package health

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
)

var statusValues = map[types.HealthStatus]float64{
	types.StatusHealthy:   0,
	types.StatusDegraded:  1,
	types.StatusUnhealthy: 2,
	types.StatusUnknown:   3,
}

func (hm *Manager) scheduleProbe() {
	if !hm.IsRunning() {
		return
	}

	spec := fmt.Sprintf("@every %s", hm.config.GetConfig().Health.Interval)
	if err := hm.cron.Add(probeJobName, spec, hm.Probe); err != nil {
		hm.logger.Error("Failed to schedule health self-probe", zap.Error(err))
		return
	}

	hm.Probe()
}

// Probe runs one self-check the way the orchestrator would: a failure is an
// unhealthy report, or a degraded one when fail_on_degraded is set. Only the
// retries-th consecutive failure is logged as an error.
func (hm *Manager) Probe() {
	healthConfig := hm.config.GetConfig().Health

	report := hm.Check(hm.ctx)

	if hm.metrics != nil {
		hm.metrics.Gauge("health_status", nil).Set(statusValues[report.Status])
	}

	failed := report.Status == types.StatusUnhealthy ||
		(report.Status == types.StatusDegraded && healthConfig.FailOnDegraded)

	if !failed {
		hm.record("success")
		if previous := hm.failures.Swap(0); previous >= int32(healthConfig.Retries) {
			hm.logger.Info("Service recovered", zap.Int32("failed_probes", previous))
		}
		return
	}

	hm.record("failure")
	failures := hm.failures.Add(1)

	fields := []zap.Field{
		zap.String("status", string(report.Status)),
		zap.Int32("consecutive_failures", failures),
		zap.Int("retries", healthConfig.Retries),
	}
	if report.Error != "" {
		fields = append(fields, zap.String("error", report.Error))
	}

	switch {
	case failures == int32(healthConfig.Retries):
		hm.logger.Error("Service unhealthy", fields...)
	case failures < int32(healthConfig.Retries):
		hm.logger.Warn("Health probe failed", fields...)
	}
}

// ConsecutiveFailures is the number of failed probes since the last success.
func (hm *Manager) ConsecutiveFailures() int {
	return int(hm.failures.Load())
}
