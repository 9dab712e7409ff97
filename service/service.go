package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ddasdkimo/keyvalueserver/cache"
	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/cron"
	"github.com/ddasdkimo/keyvalueserver/database"
	"github.com/ddasdkimo/keyvalueserver/health"
	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/metrics"
	"github.com/ddasdkimo/keyvalueserver/middleware"
	"github.com/ddasdkimo/keyvalueserver/records"
	"github.com/ddasdkimo/keyvalueserver/sai"
	"github.com/ddasdkimo/keyvalueserver/server"
	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/worker"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const cacheWarmJobName = "cache_warm_ping"

// Service runs one request-serving process: records store, cache client,
// worker path, middleware chain and HTTP server, plus the health monitor.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	container       *sai.Container
	httpServer      *server.FastHTTPServer
	health          *health.Manager
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, types.WrapError(err, "file does not exist")
		}
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return NewServiceWithConfig(ctx, configManager)
}

// NewServiceWithConfig wires a service around an already loaded
// configuration.
func NewServiceWithConfig(ctx context.Context, configManager types.ConfigManager) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)
	container := sai.InitContainer()

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		container:       container,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	if httpConfig := configManager.GetConfig().Server.HTTP; httpConfig.ShutdownTimeout > 0 {
		service.shutdownTimeout = time.Duration(httpConfig.ShutdownTimeout)*time.Second + 5*time.Second
	}

	service.state.Store(StateStopped)

	if err := service.registerProviders(serviceCtx, configManager); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	sai.SetContainer(container)
	return service, nil
}

// Start brings every component up and blocks until the service stops.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger().Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger().Error("Service run panic", zap.String("stack", string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	s.logger().Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		_ = s.stopComponents()
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger().Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger().Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	s.logger().Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger().Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	s.logger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) Container() *sai.Container {
	return s.container
}

// Health exposes the monitor, mainly for probes run in-process.
func (s *Service) Health() *health.Manager {
	return s.health
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) {
	s.state.Store(newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) logger() types.Logger {
	if ptr := s.container.Logger.Load(); ptr != nil {
		return *ptr
	}
	return logger.NewNop()
}

// startComponents starts dependencies before their users: storage and
// cache before the worker path, the HTTP server last but one, then the
// health monitor.
func (s *Service) startComponents(ctx context.Context) error {
	_config := s.container.Config.Load()
	cfg := (*_config).GetConfig()

	steps := []struct {
		name     string
		required bool
		manager  types.LifecycleManager
	}{
		{"config manager", true, lifecycle(s.container.Config.Load())},
		{"logger", true, lifecycle(s.container.Logger.Load())},
		{"metrics manager", false, lifecycle(s.container.Metrics.Load())},
		{"cron manager", false, lifecycle(s.container.Cron.Load())},
		{"record store", true, lifecycle(s.container.Records.Load())},
		{"cache client", false, lifecycle(s.container.Cache.Load())},
		{"populator", false, lifecycle(s.container.Populator.Load())},
		{"memory guard", false, lifecycle(s.container.MemoryGuard.Load())},
		{"HTTP server", true, lifecycle(s.container.HTTPServer.Load())},
		{"health manager", false, lifecycle(s.container.Health.Load())},
	}

	for _, step := range steps {
		if step.manager == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
		}

		if err := step.manager.Start(); err != nil {
			if step.required {
				return types.Errorf(types.ErrComponentStartFailed, "%s: %v", step.name, err)
			}
			s.logger().Error("Failed to start "+step.name, zap.Error(err))
		}
	}

	if cfg.Cron != nil && cfg.Cron.Enabled {
		s.scheduleCacheWarmPing(cfg.Cache)
	}

	s.logger().Info("All components started successfully")
	return nil
}

// scheduleCacheWarmPing keeps the store connection warm and lets the
// client notice a returning store between requests.
func (s *Service) scheduleCacheWarmPing(cacheConfig *types.CacheConfig) {
	cachePtr := s.container.Cache.Load()
	cronPtr := s.container.Cron.Load()
	if cachePtr == nil || cronPtr == nil || cacheConfig.KeepAlive <= 0 {
		return
	}

	client := *cachePtr
	timeout := cacheConfig.ResponseTimeout

	err := (*cronPtr).Add(cacheWarmJobName, fmt.Sprintf("@every %s", cacheConfig.KeepAlive), func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		if err := client.Ping(ctx); err != nil {
			s.logger().Debug("Cache warm ping failed", zap.String("state", client.State().String()), zap.Error(err))
		}
	})
	if err != nil {
		s.logger().Warn("Failed to schedule cache warm ping", zap.Error(err))
	}
}

// stopComponents stops in reverse dependency order. The HTTP server goes
// first so no request sees a half-stopped worker path.
func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	s.logger().Info("Stopping service components...")

	stopOne := func(name string, manager types.LifecycleManager) {
		if manager == nil || !manager.IsRunning() {
			return
		}
		if err := manager.Stop(); err != nil {
			s.logger().Error("Failed to stop "+name, zap.Error(err))
			errs = append(errs, err)
		}
	}

	stopOne("health manager", lifecycle(s.container.Health.Load()))
	stopOne("HTTP server", lifecycle(s.container.HTTPServer.Load()))

	if ptr := s.container.Cron.Load(); ptr != nil {
		_ = (*ptr).Remove(cacheWarmJobName)
	}

	// Pending populates drain into the cache before it closes.
	stopOne("populator", lifecycle(s.container.Populator.Load()))

	g, gCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, component := range []struct {
		name    string
		manager types.LifecycleManager
	}{
		{"memory guard", lifecycle(s.container.MemoryGuard.Load())},
		{"cache client", lifecycle(s.container.Cache.Load())},
		{"record store", lifecycle(s.container.Records.Load())},
		{"cron manager", lifecycle(s.container.Cron.Load())},
	} {
		if component.manager == nil || !component.manager.IsRunning() {
			continue
		}
		name, manager := component.name, component.manager
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}
			if err := manager.Stop(); err != nil {
				s.logger().Error("Failed to stop "+name, zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger().Warn("Component shutdown timeout, some components may not have stopped gracefully")
	}

	stopOne("metrics manager", lifecycle(s.container.Metrics.Load()))
	stopOne("config manager", lifecycle(s.container.Config.Load()))

	if len(errs) > 0 {
		return types.Errorf(types.ErrComponentStopFailed, "errors during shutdown: %v", errs)
	}

	s.logger().Info("All components stopped successfully")

	if ptr := s.container.Logger.Load(); ptr != nil && (*ptr).IsRunning() {
		_ = (*ptr).Stop()
	}
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			s.logger().Info("Service context cancelled")
		}

		signal.Stop(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger().Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger().Info("Service shutdown: context done")
	}
}

func (s *Service) registerProviders(ctx context.Context, configManager types.ConfigManager) error {
	container := s.container
	container.SetConfig(configManager)

	_config := configManager.GetConfig()

	loggerManager, err := logger.NewManager(ctx, configManager)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	container.SetLogger(loggerManager)

	var metricsManager types.MetricsManager
	if _config.Metrics != nil && _config.Metrics.Enabled {
		metricsManager, err = metrics.NewManager(ctx, configManager, loggerManager)
		if err != nil {
			return types.WrapError(err, "failed to register metrics manager")
		}
		container.SetMetrics(metricsManager)
	}

	var cronManager types.CronManager
	if _config.Cron != nil && _config.Cron.Enabled {
		cronManager, err = cron.NewManager(ctx, configManager, loggerManager, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register cron manager")
		}
		container.SetCron(cronManager)
	}

	recordStore, err := database.NewRecordStore(ctx, configManager, loggerManager, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to register record store")
	}
	container.SetRecords(recordStore)

	cacheClient, err := cache.NewCacheClient(ctx, configManager, loggerManager, metricsManager)
	switch {
	case err == nil:
		container.SetCache(cacheClient)
	case types.IsError(err, types.ErrCacheIsDisabled):
		cacheClient = nil
		loggerManager.Info("Cache disabled, every request is computed")
	default:
		return types.WrapError(err, "failed to register cache client")
	}

	guard, err := worker.NewMemoryGuard(ctx, _config.Worker.Memory, cronManager, loggerManager, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to register memory guard")
	}
	container.SetMemoryGuard(guard)

	var populator *worker.Populator
	if cacheClient != nil {
		populator = worker.NewPopulator(ctx, _config.Worker.Populate, cacheClient, loggerManager, metricsManager)
		container.SetPopulator(populator)
	}

	requestWorker := worker.New(cacheClient, populator, guard, loggerManager, metricsManager)
	container.SetWorker(requestWorker)

	middlewareManager, err := middleware.NewManager(ctx, configManager, loggerManager, metricsManager, requestWorker)
	if err != nil {
		return types.WrapError(err, "failed to register middleware manager")
	}
	if err := middlewareManager.RegisterMiddlewares(); err != nil {
		return types.WrapError(err, "failed to register middlewares")
	}
	container.SetMiddlewares(middlewareManager)

	router := server.NewRouter()
	container.SetRouter(router)

	records.NewHandlers(ctx, configManager, recordStore, cacheClient, loggerManager, metricsManager).RegisterRoutes(router)

	if metricsManager != nil {
		metricsManager.RegisterRoutes(router)
	}

	httpServer, err := server.NewHTTPServer(ctx, configManager, loggerManager, metricsManager, middlewareManager, router)
	if err != nil {
		return types.WrapError(err, "failed to register HTTP server")
	}
	container.SetHTTPServer(httpServer)
	s.httpServer = httpServer

	healthManager, err := health.NewManager(ctx, configManager, loggerManager, metricsManager, cronManager)
	if err != nil {
		return types.WrapError(err, "failed to register health manager")
	}
	healthManager.RegisterChecker("http_server", health.ProcessChecker(httpServer))
	healthManager.RegisterChecker("records", health.RecordsChecker(recordStore))
	healthManager.RegisterChecker("memory", health.MemoryChecker(guard))
	if cacheClient != nil {
		healthManager.RegisterChecker("cache", health.CacheChecker(cacheClient, _config.Health.GracePeriod))
	}
	healthManager.RegisterRoutes(router)
	container.SetHealth(healthManager)
	s.health = healthManager

	return nil
}

// lifecycle unwraps a container slot, returning nil for empty slots.
func lifecycle[T any](ptr *T) types.LifecycleManager {
	if ptr == nil {
		return nil
	}
	manager, ok := any(*ptr).(types.LifecycleManager)
	if !ok || manager == nil {
		return nil
	}
	return manager
}
