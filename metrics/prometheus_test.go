package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/types"
)

// routeRecorder only keeps what Add receives.
type routeRecorder struct {
	types.HTTPRouter
	routes map[string]*types.RouteInfo
}

func (r *routeRecorder) Add(method, path string, handler types.FastHTTPHandler, config *types.RouteConfig) {
	r.routes[method+" "+path] = &types.RouteInfo{Method: method, Path: path, Handler: handler, Config: config}
}

func newTestPrometheus(t *testing.T) *PrometheusMetrics {
	t.Helper()

	p, err := NewPrometheusMetrics(context.Background(), logger.NewNop(), &types.MetricsConfig{
		Enabled: true,
		Type:    "prometheus",
		Prefix:  "kvserver",
		Labels:  map[string]string{"service": "test"},
		Config:  map[string]interface{}{"enable_go_metrics": false},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })

	return p
}

func gathered(t *testing.T, p *PrometheusMetrics, name string) float64 {
	t.Helper()

	families, err := p.Registry().Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		var total float64
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
		return total
	}

	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestCountersAreNamespaced(t *testing.T) {
	p := newTestPrometheus(t)

	hit := p.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "hit"})
	hit.Inc()
	hit.Add(2)
	p.Counter("cache_operations_total", map[string]string{"result": "miss", "operation": "get"}).Inc()

	assert.Equal(t, float64(3), hit.Get())
	assert.Equal(t, float64(4), gathered(t, p, "kvserver_cache_operations_total"))
}

func TestGaugeAndHistogram(t *testing.T) {
	p := newTestPrometheus(t)

	g := p.Gauge("cache_connection_state", nil)
	g.Set(2)
	g.Dec()
	assert.Equal(t, float64(1), g.Get())

	h := p.Histogram("cache_operation_duration_seconds", []float64{0.001, 0.01}, map[string]string{"operation": "set"})
	h.Observe(0.005)
	h.ObserveDuration(time.Now())
	assert.Equal(t, uint64(2), h.GetCount())
	assert.Greater(t, h.GetSum(), 0.004)

	s := p.Summary("record_size_bytes", map[float64]float64{0.5: 0.05}, nil)
	s.Observe(10)
	assert.Equal(t, uint64(1), s.GetCount())
}

func TestLabelMismatchDoesNotPanic(t *testing.T) {
	p := newTestPrometheus(t)

	p.Counter("worker_requests_total", map[string]string{"cache": "hit"}).Inc()

	c := p.Counter("worker_requests_total", map[string]string{"other": "x"})
	assert.NotPanics(t, func() { c.Inc() })
	assert.Equal(t, float64(0), c.Get())
}

func TestExpositionRoute(t *testing.T) {
	p := newTestPrometheus(t)
	p.Counter("cache_populate_total", map[string]string{"result": "written"}).Inc()

	router := &routeRecorder{routes: map[string]*types.RouteInfo{}}
	p.RegisterRoutes(router)

	route, ok := router.routes["GET /metrics"]
	require.True(t, ok)
	assert.Contains(t, route.Config.DisabledMiddlewares, "Cache")

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/metrics")
	route.Handler(&ctx)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), `kvserver_cache_populate_total{result="written",service="test"} 1`)
}

func TestManagerIsNoopUntilStarted(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	cfg.Metrics.Enabled = true

	m, err := NewManager(context.Background(), config.NewStaticManager(cfg), logger.NewNop())
	require.NoError(t, err)

	m.Counter("early_total", nil).Inc()
	assert.Equal(t, float64(0), m.Counter("early_total", nil).Get())

	require.NoError(t, m.Start())
	defer m.Stop()

	m.Counter("late_total", nil).Inc()
	assert.Equal(t, float64(1), m.Counter("late_total", nil).Get())
}

func TestDisabledAndUnknownManagers(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	cfg.Metrics.Enabled = false

	_, err := NewManager(context.Background(), config.NewStaticManager(cfg), logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)

	cfg.Metrics.Enabled = true
	cfg.Metrics.Type = "statsd"
	_, err = NewManager(context.Background(), config.NewStaticManager(cfg), logger.NewNop())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}
