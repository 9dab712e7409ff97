package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/prefork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          types.ConfigManager
	logger          types.Logger
	metrics         types.MetricsManager
	middlewares     types.MiddlewareManager
	router          *Router
	server          *fasthttp.Server
	listener        net.Listener
	httpConfig      *types.HTTPConfig
	handlers        map[*types.RouteInfo]fasthttp.RequestHandler
	handlersMu      sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewHTTPServer(
	ctx context.Context,
	config types.ConfigManager,
	logger types.Logger,
	metrics types.MetricsManager,
	middlewares types.MiddlewareManager,
	router *Router) (*FastHTTPServer, error) {
	httpConfig := config.GetConfig().Server.HTTP

	serverCtx, cancel := context.WithCancel(ctx)

	shutdownTimeout := time.Duration(httpConfig.ShutdownTimeout) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}

	server := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		middlewares:     middlewares,
		router:          router,
		httpConfig:      httpConfig,
		handlers:        make(map[*types.RouteInfo]fasthttp.RequestHandler),
		shutdownTimeout: shutdownTimeout,
	}

	server.state.Store(StateStopped)

	return server, nil
}

// Start binds the configured address. With prefork enabled the master
// process only supervises children; each child runs its own copy of the
// service on the inherited socket.
func (h *FastHTTPServer) Start() error {
	if !h.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	addr := fmt.Sprintf("%s:%d", h.httpConfig.Host, h.httpConfig.Port)

	if h.preforkEnabled() {
		if err := h.prepare(); err != nil {
			h.setState(StateStopped)
			return err
		}
		h.startPrefork(addr)
		h.setState(StateRunning)
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		h.setState(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", addr, err)
	}

	return h.Serve(ln)
}

// Serve runs the server on an existing listener.
func (h *FastHTTPServer) Serve(ln net.Listener) error {
	if !h.transitionState(StateStopped, StateStarting) && h.getState() != StateStarting {
		return types.ErrServerAlreadyRunning
	}

	if err := h.prepare(); err != nil {
		h.setState(StateStopped)
		return err
	}

	h.listener = ln

	go func() {
		if err := h.server.Serve(ln); err != nil && h.IsRunning() {
			h.logger.Error("HTTP server failed", zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.setState(StateRunning)

	h.logger.Info("HTTP server started",
		zap.String("address", ln.Addr().String()),
		zap.Int("external_port", h.httpConfig.ExternalPort))

	return nil
}

func (h *FastHTTPServer) prepare() error {
	if err := h.compileRoutes(); err != nil {
		return types.WrapError(err, "failed to compile routes")
	}

	h.server = &fasthttp.Server{
		Handler:                      h.Handler(),
		Name:                         h.config.GetConfig().Name,
		ReadTimeout:                  time.Duration(h.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(h.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(h.httpConfig.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
		Logger:                       fasthttpLogger{logger: h.logger},
	}

	return nil
}

func (h *FastHTTPServer) preforkEnabled() bool {
	return h.httpConfig.Prefork != nil && h.httpConfig.Prefork.Enabled
}

func (h *FastHTTPServer) startPrefork(addr string) {
	p := prefork.New(h.server)
	if h.httpConfig.Prefork.RecoverThreshold > 0 {
		p.RecoverThreshold = h.httpConfig.Prefork.RecoverThreshold
	}

	role := "master"
	if prefork.IsChild() {
		role = "child"
	}

	go func() {
		if err := p.ListenAndServe(addr); err != nil && h.IsRunning() {
			h.logger.Error("Prefork HTTP server failed", zap.String("role", role), zap.Error(err))
			h.setState(StateStopped)
		}
	}()

	h.logger.Info("HTTP server started in prefork mode",
		zap.String("address", addr),
		zap.String("role", role))
}

func (h *FastHTTPServer) Stop() error {
	if !h.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		h.setState(StateStopped)
		h.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if h.server == nil {
			return nil
		}
		return h.server.ShutdownWithContext(gCtx)
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			h.logger.Warn("HTTP server stop timeout, open connections were closed")
		default:
			h.logger.Error("Error during server shutdown", zap.Error(err))
		}
	} else {
		h.logger.Info("HTTP server stopped gracefully")
	}

	return nil
}

func (h *FastHTTPServer) IsRunning() bool {
	return h.getState() == StateRunning
}

func (h *FastHTTPServer) getState() State {
	return h.state.Load().(State)
}

func (h *FastHTTPServer) setState(newState State) bool {
	currentState := h.getState()
	return h.state.CompareAndSwap(currentState, newState)
}

func (h *FastHTTPServer) transitionState(from, to State) bool {
	return h.state.CompareAndSwap(from, to)
}

func (h *FastHTTPServer) compileRoutes() error {
	if err := h.router.FinalizePendingRoutes(); err != nil {
		return err
	}

	routes := h.router.GetAllRoutes()

	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()

	for _, info := range routes {
		h.handlers[info] = h.buildHandler(info)
	}

	h.logger.Debug("Routes compiled", zap.Strings("routes", h.router.Paths()))
	return nil
}

// buildHandler wraps a route in its middleware chain and, when the route
// has a timeout, in a handler answering 503 once it expires.
func (h *FastHTTPServer) buildHandler(info *types.RouteInfo) fasthttp.RequestHandler {
	handler := fasthttp.RequestHandler(info.Handler)

	if h.middlewares != nil {
		inner := handler
		config := info.Config
		handler = func(ctx *fasthttp.RequestCtx) {
			h.middlewares.Execute(ctx, inner, config)
		}
	}

	if info.Config.Timeout > 0 {
		handler = fasthttp.TimeoutWithCodeHandler(handler, info.Config.Timeout,
			`{"error":"request timeout"}`, fasthttp.StatusServiceUnavailable)
	}

	return handler
}

func (h *FastHTTPServer) handlerFor(info *types.RouteInfo) fasthttp.RequestHandler {
	h.handlersMu.RLock()
	handler, ok := h.handlers[info]
	h.handlersMu.RUnlock()

	if ok {
		return handler
	}

	handler = h.buildHandler(info)

	h.handlersMu.Lock()
	h.handlers[info] = handler
	h.handlersMu.Unlock()

	return handler
}

// Handler dispatches requests through the router.
func (h *FastHTTPServer) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		info, params := h.router.Lookup(string(ctx.Method()), string(ctx.Path()))
		if info == nil {
			utils.WriteError(ctx, fasthttp.StatusNotFound, "Not found")
			return
		}

		for _, param := range params {
			ctx.SetUserValue(param.Name, param.Value)
		}

		h.handlerFor(info)(ctx)
	}
}

// fasthttpLogger adapts types.Logger to fasthttp.Logger.
type fasthttpLogger struct {
	logger types.Logger
}

func (l fasthttpLogger) Printf(format string, args ...interface{}) {
	l.logger.Warn("HTTP server: " + fmt.Sprintf(format, args...))
}
