package middleware

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
)

const MaxMiddlewares = 64

var defaultRouteConfig = &types.RouteConfig{}

type registered struct {
	Name       string
	Middleware types.Middleware
	Weight     int
}

// Manager orders middlewares by weight (lowest runs first, outermost) and
// resolves each route's chain once, keyed by its RouteConfig.
type Manager struct {
	ctx           context.Context
	config        types.ConfigManager
	logger        types.Logger
	metrics       types.MetricsManager
	worker        types.Worker
	ordered       []registered
	middlewareMap map[string]*registered
	chains        sync.Map
	mu            sync.RWMutex
	initialized   atomic.Bool
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, worker types.Worker) (*Manager, error) {
	return &Manager{
		ctx:           ctx,
		config:        config,
		logger:        logger,
		metrics:       metrics,
		worker:        worker,
		middlewareMap: make(map[string]*registered),
	}, nil
}

// RegisterMiddlewares builds the middlewares enabled in configuration.
func (m *Manager) RegisterMiddlewares() error {
	config := m.config.GetConfig().Middlewares
	if config == nil || !config.Enabled {
		return m.finalizeConfiguration()
	}

	builders := []struct {
		item  *types.MiddlewareItemConfig
		build func() (types.Middleware, error)
	}{
		{config.Recovery, func() (types.Middleware, error) {
			return NewRecoveryMiddleware(m.config, m.logger, m.metrics), nil
		}},
		{config.Logging, func() (types.Middleware, error) {
			return NewLoggingMiddleware(m.config, m.logger, m.metrics), nil
		}},
		{config.Metadata, func() (types.Middleware, error) {
			return NewMetadataMiddleware(m.config, m.logger, m.metrics), nil
		}},
		{config.RateLimit, func() (types.Middleware, error) {
			return NewRateLimitMiddleware(m.ctx, m.config, m.logger, m.metrics), nil
		}},
		{config.BodyLimit, func() (types.Middleware, error) {
			return NewBodyLimitMiddleware(m.config, m.logger, m.metrics), nil
		}},
		{config.Compression, func() (types.Middleware, error) {
			return NewCompressionMiddleware(m.config, m.logger, m.metrics)
		}},
		{config.Cache, func() (types.Middleware, error) {
			if m.worker == nil {
				return nil, nil
			}
			return NewCacheMiddleware(m.ctx, m.config, m.logger, m.metrics, m.worker), nil
		}},
	}

	for _, b := range builders {
		if b.item == nil || !b.item.Enabled {
			continue
		}

		mw, err := b.build()
		if err != nil {
			return err
		}
		if mw == nil {
			continue
		}

		if err := m.Register(mw); err != nil {
			return err
		}
		m.logger.Debug("Middleware registered", zap.String("name", mw.Name()), zap.Int("weight", mw.Weight()))
	}

	return m.finalizeConfiguration()
}

func (m *Manager) Register(middleware types.Middleware) error {
	if middleware == nil {
		return types.ErrMiddlewareInvalidType
	}

	if m.initialized.Load() {
		return types.NewErrorf("cannot register middleware after finalization")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.middlewareMap) >= MaxMiddlewares {
		return types.NewErrorf("maximum middleware count exceeded: %d", MaxMiddlewares)
	}

	name := middleware.Name()

	m.middlewareMap[name] = &registered{
		Name:       name,
		Middleware: middleware,
		Weight:     middleware.Weight(),
	}
	return nil
}

func (m *Manager) finalizeConfiguration() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized.Load() {
		return types.NewErrorf("configuration already finalized")
	}

	weights := make(map[int]string)
	for name, entry := range m.middlewareMap {
		if existingName, exists := weights[entry.Weight]; exists {
			return types.Errorf(types.ErrMiddlewareOrderInvalid, "duplicate weight %d for middlewares '%s' and '%s'",
				entry.Weight, existingName, name)
		}
		weights[entry.Weight] = name
	}

	m.ordered = make([]registered, 0, len(m.middlewareMap))
	for _, entry := range m.middlewareMap {
		m.ordered = append(m.ordered, *entry)
	}

	sort.Slice(m.ordered, func(i, j int) bool {
		return m.ordered[i].Weight < m.ordered[j].Weight
	})

	m.middlewareMap = nil
	m.initialized.Store(true)

	names := make([]string, len(m.ordered))
	for i, entry := range m.ordered {
		names[i] = entry.Name
	}
	m.logger.Info("Middlewares configured", zap.Strings("order", names))

	return nil
}

func (m *Manager) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if !m.initialized.Load() {
		handler(ctx)
		return
	}

	if config == nil {
		config = defaultRouteConfig
	}

	chain := m.chainFor(config)
	if len(chain) == 0 {
		handler(ctx)
		return
	}

	var index int
	var next func(*fasthttp.RequestCtx)
	next = func(ctx *fasthttp.RequestCtx) {
		if index >= len(chain) {
			handler(ctx)
			return
		}

		mw := chain[index]
		index++
		mw.Handle(ctx, next, config)
	}

	next(ctx)
}

// chainFor selects every registered middleware except the ones the route
// disables. Route-level Middlewares only re-enable a globally disabled name.
func (m *Manager) chainFor(config *types.RouteConfig) []types.Middleware {
	if chain, ok := m.chains.Load(config); ok {
		return chain.([]types.Middleware)
	}

	disabled := make(map[string]bool, len(config.DisabledMiddlewares))
	for _, name := range config.DisabledMiddlewares {
		disabled[name] = true
	}
	for _, name := range config.Middlewares {
		delete(disabled, name)
	}

	m.mu.RLock()
	chain := make([]types.Middleware, 0, len(m.ordered))
	for _, entry := range m.ordered {
		if !disabled[entry.Name] {
			chain = append(chain, entry.Middleware)
		}
	}
	m.mu.RUnlock()

	actual, _ := m.chains.LoadOrStore(config, chain)
	return actual.([]types.Middleware)
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ordered = nil
	m.middlewareMap = make(map[string]*registered)
	m.chains.Range(func(key, _ interface{}) bool {
		m.chains.Delete(key)
		return true
	})

	m.initialized.Store(false)

	m.logger.Info("Middleware manager stopped")
}
