package config

import (
	"context"
	"sync/atomic"
	"time"

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

// ConfigurationManager loads the configuration once at startup. The result
// is immutable for the life of the process.
type ConfigurationManager struct {
	ctx         context.Context
	cancel      context.CancelFunc
	config      atomic.Pointer[types.ServiceConfig]
	rawData     atomic.Pointer[map[string]interface{}]
	parser      atomic.Pointer[Parser]
	configPath  string
	loader      *Loader
	state       atomic.Value
	loadTimeout time.Duration
}

func NewConfigurationManager(ctx context.Context, configPath string) (*ConfigurationManager, error) {
	return newManager(ctx, configPath, NewLoader())
}

// NewConfigurationManagerWithLoader lets callers supply a Loader with a
// custom environment.
func NewConfigurationManagerWithLoader(ctx context.Context, configPath string, loader *Loader) (*ConfigurationManager, error) {
	return newManager(ctx, configPath, loader)
}

// NewStaticManager wraps an already built configuration.
func NewStaticManager(config *types.ServiceConfig) *ConfigurationManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConfigurationManager{
		ctx:         ctx,
		cancel:      cancel,
		loader:      NewLoader(),
		loadTimeout: 30 * time.Second,
	}
	cm.state.Store(StateStopped)
	cm.store(config, map[string]interface{}{})
	return cm
}

func newManager(ctx context.Context, configPath string, loader *Loader) (*ConfigurationManager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	cm := &ConfigurationManager{
		ctx:         managerCtx,
		cancel:      cancel,
		configPath:  configPath,
		loader:      loader,
		loadTimeout: 30 * time.Second,
	}

	cm.state.Store(StateStopped)

	if err := cm.Load(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

func (cm *ConfigurationManager) Start() error {
	if !cm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if cm.getState() == StateStarting {
			cm.setState(StateRunning)
		}
	}()

	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		cm.setState(StateStopped)
		cm.cancel()
	}()

	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return cm.getState() == StateRunning
}

func (cm *ConfigurationManager) Load() error {
	loadCtx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(loadCtx)

	var (
		config *types.ServiceConfig
		raw    map[string]interface{}
	)

	g.Go(func() error {
		var err error
		config, raw, err = cm.loader.LoadFromFile(gCtx, cm.configPath)
		if err != nil {
			return types.WrapError(err, "failed to load configuration from file")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-loadCtx.Done():
			return types.WrapError(loadCtx.Err(), "configuration load timeout")
		default:
			return err
		}
	}

	cm.store(config, raw)

	return nil
}

func (cm *ConfigurationManager) store(config *types.ServiceConfig, raw map[string]interface{}) {
	cm.parser.Store(NewParser(config, raw))
	cm.rawData.Store(&raw)
	cm.config.Store(config)
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	return cm.config.Load()
}

func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	parser := cm.parser.Load()
	if parser == nil {
		return defaultValue
	}
	return parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	parser := cm.parser.Load()
	if parser == nil {
		return types.ErrConfigNotInitialized
	}
	return parser.GetAs(path, target)
}

func (cm *ConfigurationManager) GetAllPaths() ([]string, error) {
	parser := cm.parser.Load()
	if parser == nil {
		return nil, types.ErrConfigNotInitialized
	}
	return parser.GetAllPaths(), nil
}

func (cm *ConfigurationManager) getState() State {
	return cm.state.Load().(State)
}

func (cm *ConfigurationManager) setState(newState State) bool {
	currentState := cm.getState()
	return cm.state.CompareAndSwap(currentState, newState)
}

func (cm *ConfigurationManager) transitionState(from, to State) bool {
	return cm.state.CompareAndSwap(from, to)
}
