package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ddasdkimo/keyvalueserver/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const defaultJobTimeout = 30 * time.Second

// Manager runs the periodic housekeeping of a process: health self-probes
// and memory sampling. Jobs never overlap with themselves and a job that
// outlives its timeout is abandoned, not waited for.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	jobs            map[string]*types.JobEntry
	mu              sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
	jobTimeout      time.Duration
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.CronManager, error) {
	timezone := time.UTC
	if cronConfig := config.GetConfig().Cron; cronConfig != nil && cronConfig.Timezone != "" {
		loc, err := time.LoadLocation(cronConfig.Timezone)
		if err != nil {
			logger.Warn("Unknown cron timezone, using UTC", zap.String("timezone", cronConfig.Timezone))
		} else {
			timezone = loc
		}
	}

	cronL := cronLogger{logger: logger}

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronL), cron.SkipIfStillRunning(cronL)),
		),
		jobs:            make(map[string]*types.JobEntry),
		shutdownTimeout: 10 * time.Second,
		jobTimeout:      defaultJobTimeout,
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

func (m *Manager) Add(jobName, spec string, job func()) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}

	if spec == "" {
		return types.ErrCronExpressionInvalid
	}

	if job == nil {
		return types.ErrCronJobIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return types.ErrCronSchedulerStopped
	}

	if _, exists := m.jobs[jobName]; exists {
		return types.ErrCronJobExists
	}

	entryID, err := m.cron.AddFunc(spec, m.wrapJob(jobName, job))
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	m.jobs[jobName] = &types.JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		Job:     job,
		Timeout: m.jobTimeout,
		AddedAt: time.Now(),
	}

	m.logger.Debug("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "%s", jobName)
	}

	m.cron.Remove(entry.ID)
	delete(m.jobs, jobName)

	m.logger.Debug("Cron job removed", zap.String("job_name", jobName))

	return nil
}

// Jobs returns a snapshot of the registered jobs.
func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.JobEntry, 0, len(m.jobs))
	for _, entry := range m.jobs {
		out = append(out, *entry)
	}
	return out
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.setState(StateRunning)
	m.setSchedulerStatus(1)

	m.logger.Info("Cron manager started")
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer m.setState(StateStopped)

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stopCtx := m.cron.Stop()

		select {
		case <-stopCtx.Done():
			return nil
		case <-gCtx.Done():
			return types.ErrCronJobTimeout
		}
	})

	m.setSchedulerStatus(0)

	if err := g.Wait(); err != nil {
		m.logger.Warn("Cron manager stop timeout, running jobs abandoned")
		return err
	}

	m.logger.Info("Cron scheduler stopped gracefully")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) wrapJob(jobName string, job func()) func() {
	return func() {
		if m.ctx.Err() != nil {
			return
		}

		startTime := time.Now()
		done := make(chan error, 1)

		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- types.Errorf(types.ErrCronJobFailed, "job panic: %v", r)
				}
			}()
			job()
			done <- nil
		}()

		timer := time.NewTimer(m.jobTimeout)
		defer timer.Stop()

		var err error
		select {
		case err = <-done:
		case <-timer.C:
			err = types.Errorf(types.ErrCronJobTimeout, "timeout after %v", m.jobTimeout)
		case <-m.ctx.Done():
			err = types.WrapError(m.ctx.Err(), "job canceled")
		}

		duration := time.Since(startTime)
		m.finish(jobName, startTime, duration, err)
	}
}

func (m *Manager) finish(jobName string, started time.Time, duration time.Duration, err error) {
	m.mu.Lock()
	if entry, exists := m.jobs[jobName]; exists {
		entry.LastRun = started
		entry.LastDuration = duration
		entry.TotalDuration += duration
		entry.RunCount++
		entry.Error = err
	}
	m.mu.Unlock()

	result := "success"
	if err != nil {
		result = "error"
		m.logger.Error("Cron job failed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration),
			zap.Error(err))
	}

	if m.metrics == nil {
		return
	}

	m.metrics.Counter("cron_job_executions_total", map[string]string{
		"job_name": jobName,
		"result":   result,
	}).Inc()

	m.metrics.Histogram("cron_job_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 10.0, 30.0},
		map[string]string{"job_name": jobName},
	).Observe(duration.Seconds())
}

func (m *Manager) setSchedulerStatus(value float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge("cron_scheduler_running", nil).Set(value)
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

// cronLogger adapts types.Logger to cron.Logger.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("Cron: "+msg, toFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("Cron: "+msg, append(toFields(keysAndValues), zap.Error(err))...)
}

func toFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
