package metrics

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

type PrometheusConfig struct {
	EnableGoMetrics bool `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

// PrometheusMetrics creates metric vectors on first use. A metric keeps the
// label names it was first created with.
type PrometheusMetrics struct {
	ctx        context.Context
	logger     types.Logger
	config     *types.MetricsConfig
	registry   *prometheus.Registry
	handler    http.Handler
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	summaries  map[string]*prometheus.SummaryVec
	mu         sync.Mutex
	running    atomic.Bool
}

func NewPrometheusMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	promConfig := &PrometheusConfig{EnableGoMetrics: true}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	metrics := &PrometheusMetrics{
		ctx:        ctx,
		logger:     logger,
		config:     config,
		registry:   registry,
		handler:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		summaries:  make(map[string]*prometheus.SummaryVec),
	}

	logger.Debug("Prometheus metrics initialized",
		zap.String("namespace", config.Prefix),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return metrics, nil
}

func (p *PrometheusMetrics) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return p.running.Load()
}

func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	counter, exists := p.counters[name]
	if !exists {
		counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.config.Prefix,
			Name:        name,
			Help:        help(name),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
		if !p.register(name, counter) {
			return &emptyCounter{}
		}
		p.counters[name] = counter
	}

	c, err := counter.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Metric label mismatch", zap.String("name", name), zap.Error(err))
		return &emptyCounter{}
	}
	return &PrometheusCounter{counter: c}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	gauge, exists := p.gauges[name]
	if !exists {
		gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   p.config.Prefix,
			Name:        name,
			Help:        help(name),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
		if !p.register(name, gauge) {
			return &emptyGauge{}
		}
		p.gauges[name] = gauge
	}

	g, err := gauge.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Metric label mismatch", zap.String("name", name), zap.Error(err))
		return &emptyGauge{}
	}
	return &PrometheusGauge{gauge: g}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	histogram, exists := p.histograms[name]
	if !exists {
		histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.config.Prefix,
			Name:        name,
			Help:        help(name),
			Buckets:     buckets,
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
		if !p.register(name, histogram) {
			return &emptyHistogram{}
		}
		p.histograms[name] = histogram
	}

	h, err := histogram.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Metric label mismatch", zap.String("name", name), zap.Error(err))
		return &emptyHistogram{}
	}
	return &PrometheusHistogram{observer: h}
}

func (p *PrometheusMetrics) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()

	summary, exists := p.summaries[name]
	if !exists {
		summary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:   p.config.Prefix,
			Name:        name,
			Help:        help(name),
			Objectives:  objectives,
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
		if !p.register(name, summary) {
			return &emptySummary{}
		}
		p.summaries[name] = summary
	}

	s, err := summary.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Metric label mismatch", zap.String("name", name), zap.Error(err))
		return &emptySummary{}
	}
	return &PrometheusSummary{observer: s}
}

func (p *PrometheusMetrics) RegisterRoutes(router types.HTTPRouter) {
	path := p.config.Path
	if path == "" {
		path = "/metrics"
	}

	router.Add("GET", path, p.serve, &types.RouteConfig{
		Timeout:             5 * time.Second,
		DisabledMiddlewares: []string{types.MiddlewareCache, types.MiddlewareLogging, types.MiddlewareBodyLimit},
	})
}

func (p *PrometheusMetrics) serve(ctx *fasthttp.RequestCtx) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, string(ctx.RequestURI()), nil)
	if err != nil {
		utils.WriteError(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	// promhttp negotiates compression from this header.
	if enc := ctx.Request.Header.Peek("Accept-Encoding"); len(enc) > 0 {
		req.Header.Set("Accept-Encoding", string(enc))
	}

	p.handler.ServeHTTP(types.NewFastResponseWriter(ctx), req)
}

func (p *PrometheusMetrics) register(name string, collector prometheus.Collector) bool {
	if err := p.registry.Register(collector); err != nil {
		p.logger.Error("Failed to register metric", zap.String("name", name), zap.Error(err))
		return false
	}
	return true
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func help(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

type PrometheusCounter struct {
	counter prometheus.Counter
}

func (c *PrometheusCounter) Inc()              { c.counter.Inc() }
func (c *PrometheusCounter) Add(value float64) { c.counter.Add(value) }

func (c *PrometheusCounter) Get() float64 {
	metric := &dto.Metric{}
	if err := c.counter.Write(metric); err != nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

type PrometheusGauge struct {
	gauge prometheus.Gauge
}

func (g *PrometheusGauge) Set(value float64) { g.gauge.Set(value) }
func (g *PrometheusGauge) Inc()              { g.gauge.Inc() }
func (g *PrometheusGauge) Dec()              { g.gauge.Dec() }
func (g *PrometheusGauge) Add(value float64) { g.gauge.Add(value) }
func (g *PrometheusGauge) Sub(value float64) { g.gauge.Sub(value) }

func (g *PrometheusGauge) Get() float64 {
	metric := &dto.Metric{}
	if err := g.gauge.Write(metric); err != nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

type PrometheusHistogram struct {
	observer prometheus.Observer
}

func (h *PrometheusHistogram) Observe(value float64) { h.observer.Observe(value) }

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.observer.Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) GetCount() uint64 {
	if m := writeObserver(h.observer); m != nil {
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func (h *PrometheusHistogram) GetSum() float64 {
	if m := writeObserver(h.observer); m != nil {
		return m.GetHistogram().GetSampleSum()
	}
	return 0
}

type PrometheusSummary struct {
	observer prometheus.Observer
}

func (s *PrometheusSummary) Observe(value float64) { s.observer.Observe(value) }

func (s *PrometheusSummary) ObserveDuration(start time.Time) {
	s.observer.Observe(time.Since(start).Seconds())
}

func (s *PrometheusSummary) GetCount() uint64 {
	if m := writeObserver(s.observer); m != nil {
		return m.GetSummary().GetSampleCount()
	}
	return 0
}

func (s *PrometheusSummary) GetSum() float64 {
	if m := writeObserver(s.observer); m != nil {
		return m.GetSummary().GetSampleSum()
	}
	return 0
}

func writeObserver(observer prometheus.Observer) *dto.Metric {
	metric, ok := observer.(prometheus.Metric)
	if !ok {
		return nil
	}

	out := &dto.Metric{}
	if err := metric.Write(out); err != nil {
		return nil
	}
	return out
}
