package logger

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ddasdkimo/keyvalueserver/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Manager fronts the configured logger for the service lifecycle; Stop
// flushes it.
type Manager struct {
	logger types.Logger
	state  atomic.Value
}

var customLoggerCreators = make(map[string]types.LoggerCreator)

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	customLoggerCreators[loggerName] = creator
}

func NewManager(_ context.Context, config types.ConfigManager) (types.LoggerManager, error) {
	serviceConfig := config.GetConfig()
	if serviceConfig == nil || serviceConfig.Logger == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	logger, err := createLogger(serviceConfig.Logger, serviceConfig.Mode)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	manager := &Manager{logger: logger}
	manager.state.Store(StateStopped)

	return manager, nil
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	m.setState(StateRunning)

	return nil
}

// Stop flushes buffered entries. Sync errors on stdout are expected on
// some platforms and ignored.
func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer m.setState(StateStopped)

	if syncer, ok := m.logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) Error(msg string, fields ...zap.Field) {
	m.logger.Error(msg, fields...)
}

func (m *Manager) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	m.logger.ErrorWithErrStack(msg, err, fields...)
}

func (m *Manager) Warn(msg string, fields ...zap.Field) {
	m.logger.Warn(msg, fields...)
}

func (m *Manager) Info(msg string, fields ...zap.Field) {
	m.logger.Info(msg, fields...)
}

func (m *Manager) Debug(msg string, fields ...zap.Field) {
	m.logger.Debug(msg, fields...)
}

func (m *Manager) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	m.logger.Log(lvl, msg, fields...)
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

// createLogger picks zap unless logger.type names a registered creator.
func createLogger(loggerConfig *types.LoggerConfig, mode string) (types.Logger, error) {
	switch loggerConfig.Type {
	case "", "default", "zap":
		return NewDefaultLogger(loggerConfig, mode)
	}

	creator, exists := customLoggerCreators[loggerConfig.Type]
	if !exists {
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", loggerConfig.Type)
	}

	return creator(loggerConfig.Config)
}
