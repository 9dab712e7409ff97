package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/types"
)

type stubCache struct {
	types.CacheClient
	pingErr error
	since   time.Time
}

func (s *stubCache) Ping(context.Context) error   { return s.pingErr }
func (s *stubCache) State() types.ConnectionState { return types.StateDisconnected }
func (s *stubCache) UnavailableSince() time.Time  { return s.since }

func newTestManager(t *testing.T, mutate func(*types.HealthConfig)) *Manager {
	t.Helper()

	cfg := config.NewLoader().Defaults()
	cfg.Health.Timeout = 200 * time.Millisecond
	if mutate != nil {
		mutate(cfg.Health)
	}

	hm, err := NewManager(context.Background(), config.NewStaticManager(cfg), logger.NewNop(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, hm.Start())
	t.Cleanup(func() { _ = hm.Stop() })

	return hm
}

func fixed(status types.HealthStatus) types.HealthChecker {
	return func(context.Context) types.HealthCheck { return types.HealthCheck{Status: status} }
}

func TestReportAggregatesStatuses(t *testing.T) {
	hm := newTestManager(t, nil)

	hm.RegisterChecker("a", fixed(types.StatusHealthy))
	assert.Equal(t, types.StatusHealthy, hm.Check(context.Background()).Status)

	hm.RegisterChecker("b", fixed(types.StatusDegraded))
	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusDegraded, report.Status)
	assert.Equal(t, 1, report.Summary.Degraded)

	hm.RegisterChecker("c", fixed(types.StatusUnhealthy))
	report = hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, 3, report.Summary.Total)
	assert.Equal(t, "b", report.Checks["b"].Name)
}

func TestSlowCheckerTimesOut(t *testing.T) {
	hm := newTestManager(t, func(h *types.HealthConfig) { h.Timeout = 30 * time.Millisecond })

	hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Contains(t, report.Error, types.ErrHealthProbeTimeout.Error())
	assert.Equal(t, types.StatusUnhealthy, report.Checks["slow"].Status)
}

func TestPanickingCheckerIsUnhealthy(t *testing.T) {
	hm := newTestManager(t, nil)
	hm.RegisterChecker("boom", func(context.Context) types.HealthCheck { panic("boom") })

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Checks["boom"].Status)
	assert.Contains(t, report.Checks["boom"].Message, "panicked")
}

func TestDegradedStatusCode(t *testing.T) {
	tests := []struct {
		name           string
		failOnDegraded bool
		want           int
	}{
		{"fails when configured", true, fasthttp.StatusServiceUnavailable},
		{"passes otherwise", false, fasthttp.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := newTestManager(t, func(h *types.HealthConfig) { h.FailOnDegraded = tt.failOnDegraded })
			hm.RegisterChecker("cache", fixed(types.StatusDegraded))

			var ctx fasthttp.RequestCtx
			hm.handleHealth(&ctx)
			assert.Equal(t, tt.want, ctx.Response.StatusCode())
			assert.Contains(t, string(ctx.Response.Body()), `"status":"degraded"`)
		})
	}
}

func TestCacheCheckerGracePeriod(t *testing.T) {
	down := errors.New("connection refused")

	healthy := CacheChecker(&stubCache{}, time.Minute)(context.Background())
	assert.Equal(t, types.StatusHealthy, healthy.Status)

	recent := CacheChecker(&stubCache{pingErr: down, since: time.Now()}, time.Minute)(context.Background())
	assert.Equal(t, types.StatusHealthy, recent.Status)
	assert.Contains(t, recent.Message, "grace")

	long := CacheChecker(&stubCache{pingErr: down, since: time.Now().Add(-2 * time.Minute)}, time.Minute)(context.Background())
	assert.Equal(t, types.StatusDegraded, long.Status)
	assert.Equal(t, "disconnected", long.Details["state"])
}

func TestMemoryCheckerDegradesUnderPressure(t *testing.T) {
	guard := &stubGuard{usage: types.MemoryUsage{OverSoft: true, Pressure: true, HardLimit: 5 << 30}}
	assert.Equal(t, types.StatusDegraded, MemoryChecker(guard)(context.Background()).Status)

	guard.usage.Pressure = false
	result := MemoryChecker(guard)(context.Background())
	assert.Equal(t, types.StatusHealthy, result.Status)
	assert.Equal(t, "5.0 GiB", result.Details["hard_limit"])
}

type stubGuard struct {
	types.MemoryGuard
	usage types.MemoryUsage
}

func (g *stubGuard) Usage() types.MemoryUsage { return g.usage }

func TestProbeCountsConsecutiveFailures(t *testing.T) {
	hm := newTestManager(t, func(h *types.HealthConfig) { h.Retries = 2 })

	status := types.StatusUnhealthy
	hm.RegisterChecker("flaky", func(context.Context) types.HealthCheck { return types.HealthCheck{Status: status} })

	hm.Probe()
	hm.Probe()
	hm.Probe()
	assert.Equal(t, 3, hm.ConsecutiveFailures())

	status = types.StatusHealthy
	hm.Probe()
	assert.Equal(t, 0, hm.ConsecutiveFailures())
	require.NotNil(t, hm.Last())
	assert.Equal(t, types.StatusHealthy, hm.Last().Status)
}

func TestExternalProbe(t *testing.T) {
	hm := newTestManager(t, nil)
	hm.RegisterChecker("process", fixed(types.StatusHealthy))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/health" {
			hm.handleHealth(ctx)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})

	base := "http://" + ln.Addr().String()

	report, err := Probe(base+"/health", time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, report.Status)

	_, err = Probe(base+"/missing", time.Second)
	assert.ErrorIs(t, err, types.ErrHealthCheckFailed)

	hm.RegisterChecker("broken", fixed(types.StatusUnhealthy))
	_, err = Probe(base+"/health", time.Second)
	assert.ErrorIs(t, err, types.ErrHealthCheckFailed)
}

func TestBuildInfoString(t *testing.T) {
	info := BuildInfo{Version: "1.2.0", GitCommit: "0123456789abcdef", GoVersion: "go1.22", Platform: "linux/amd64"}
	assert.Equal(t, "1.2.0-0123456 (unknown, go1.22 linux/amd64)", info.String())
}
