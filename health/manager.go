package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
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

const probeJobName = "health_self_probe"

type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          types.ConfigManager
	logger          types.Logger
	metrics         types.MetricsManager
	cron            types.CronManager
	checkers        map[string]types.HealthChecker
	last            atomic.Pointer[types.HealthReport]
	startTime       time.Time
	startTimer      *time.Timer
	failures        atomic.Int32
	mu              sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, cron types.CronManager) (*Manager, error) {
	if config.GetConfig().Health == nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "health section is missing")
	}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:             managerCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		cron:            cron,
		checkers:        make(map[string]types.HealthChecker),
		startTime:       time.Now(),
		shutdownTimeout: 10 * time.Second,
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

// Check runs every checker concurrently under health.timeout. Checkers that
// miss the deadline are reported unhealthy and the report carries
// ErrHealthProbeTimeout.
func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	timeout := hm.config.GetConfig().Health.Timeout

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(checkCtx)
	results := make(map[string]types.HealthCheck, len(checkers))
	var resultMu sync.Mutex

	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			result := hm.executeCheck(gCtx, name, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	report := hm.buildReport(results)
	if checkCtx.Err() == context.DeadlineExceeded {
		report.Error = types.Errorf(types.ErrHealthProbeTimeout, "after %v", timeout).Error()
		report.Status = types.StatusUnhealthy
		hm.record("timeout")
	}

	hm.last.Store(&report)
	return report
}

// Last returns the most recent report, or nil before the first check.
func (hm *Manager) Last() *types.HealthReport {
	return hm.last.Load()
}

func (hm *Manager) Start() error {
	if !hm.transitionState(StateStopped, StateStarting) {
		hm.logger.Warn("Health manager is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if hm.getState() == StateStarting {
			hm.setState(StateRunning)
		}
	}()

	hm.startTime = time.Now()

	healthConfig := hm.config.GetConfig().Health
	if hm.cron != nil && healthConfig.Enabled {
		hm.startTimer = time.AfterFunc(healthConfig.StartPeriod, hm.scheduleProbe)
	}

	hm.logger.Info("Health manager started",
		zap.Duration("interval", healthConfig.Interval),
		zap.Duration("start_period", healthConfig.StartPeriod))
	return nil
}

func (hm *Manager) Stop() error {
	if !hm.transitionState(StateRunning, StateStopping) {
		hm.logger.Warn("Health manager is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		hm.setState(StateStopped)
		hm.cancel()
	}()

	if hm.startTimer != nil {
		hm.startTimer.Stop()
	}

	if hm.cron != nil {
		_ = hm.cron.Remove(probeJobName)
	}

	hm.logger.Info("Health manager stopped gracefully")
	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.getState() == StateRunning
}

func (hm *Manager) getState() State {
	return hm.state.Load().(State)
}

func (hm *Manager) setState(newState State) bool {
	currentState := hm.getState()
	return hm.state.CompareAndSwap(currentState, newState)
}

func (hm *Manager) transitionState(from, to State) bool {
	return hm.state.CompareAndSwap(from, to)
}

func (hm *Manager) RegisterRoutes(router types.HTTPRouter) {
	config := &types.RouteConfig{
		Timeout:             hm.config.GetConfig().Health.Timeout + time.Second,
		DisabledMiddlewares: []string{"Cache", "RateLimit", "Logging"},
	}

	router.Add("GET", "/health", hm.handleHealth, config)
	router.Add("GET", "/api/v1/health", hm.handleHealth, config)
	router.Add("GET", "/version", hm.handleVersion, config)
}

func (hm *Manager) handleVersion(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, types.VersionInfo{
		Version:   hm.config.GetConfig().Version,
		BuildInfo: GetBuildInfo().String(),
	})
}

func (hm *Manager) handleHealth(ctx *fasthttp.RequestCtx) {
	if !hm.IsRunning() {
		utils.CreateServiceUnavailableResponse(ctx, types.ErrServerNotRunning.Error())
		return
	}

	report := hm.Check(hm.ctx)
	utils.WriteJSON(ctx, hm.statusCode(report.Status), report)
}

func (hm *Manager) statusCode(status types.HealthStatus) int {
	switch status {
	case types.StatusHealthy, types.StatusUnknown:
		return fasthttp.StatusOK
	case types.StatusDegraded:
		if hm.config.GetConfig().Health.FailOnDegraded {
			return fasthttp.StatusServiceUnavailable
		}
		return fasthttp.StatusOK
	default:
		return fasthttp.StatusServiceUnavailable
	}
}

func (hm *Manager) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()

	resultChan := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- types.HealthCheck{
					Status:  types.StatusUnhealthy,
					Message: fmt.Sprintf("Health check panicked: %v", r),
				}
			}
		}()

		resultChan <- checker(ctx)
	}()

	var result types.HealthCheck
	select {
	case result = <-resultChan:
	case <-hm.ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: "Health manager shutting down"}
	case <-ctx.Done():
		result = types.HealthCheck{Status: types.StatusUnhealthy, Message: types.ErrHealthProbeTimeout.Error()}
	}

	result.Name = name
	result.LastCheck = time.Now()
	result.Duration = time.Since(start)
	return result
}

func (hm *Manager) buildReport(results map[string]types.HealthCheck) types.HealthReport {
	config := hm.config.GetConfig()

	summary := types.HealthSummary{
		Total: len(results),
	}

	overallStatus := types.StatusHealthy
	for _, result := range results {
		switch result.Status {
		case types.StatusHealthy:
			summary.Healthy++
		case types.StatusDegraded:
			summary.Degraded++
			if overallStatus != types.StatusUnhealthy {
				overallStatus = types.StatusDegraded
			}
		case types.StatusUnhealthy:
			summary.Unhealthy++
			overallStatus = types.StatusUnhealthy
		default:
			summary.Unknown++
			if overallStatus == types.StatusHealthy {
				overallStatus = types.StatusUnknown
			}
		}
	}

	return types.HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		Service: types.ServiceInfo{
			Name:         config.Name,
			Version:      config.Version,
			Mode:         config.Mode,
			Host:         config.Server.HTTP.Host,
			Port:         config.Server.HTTP.Port,
			ExternalPort: config.Server.HTTP.ExternalPort,
			PID:          os.Getpid(),
		},
		Checks:  results,
		Summary: summary,
	}
}

func (hm *Manager) record(result string) {
	if hm.metrics == nil {
		return
	}
	hm.metrics.Counter("health_probe_total", map[string]string{"result": result}).Inc()
}
