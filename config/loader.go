package config

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

// Environment variables read once at startup.
const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvMode          = "APP_MODE"
	EnvCacheHost     = "CACHE_HOST"
	EnvCachePort     = "CACHE_PORT"
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvRedisPassword = "REDIS_PASSWORD"
)

type Loader struct {
	validator *validator.Validate
	lookupEnv func(string) (string, bool)
}

func NewLoader() *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateServiceConfig, types.ServiceConfig{})

	return &Loader{
		validator: v,
		lookupEnv: os.LookupEnv,
	}
}

// WithEnv replaces the environment lookup, mainly for tests.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// LoadFromFile decodes the file over Defaults, applies the environment and
// validates. An empty path loads the defaults alone.
func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	config := l.Defaults()
	raw := make(map[string]interface{})

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, nil, types.Errorf(types.ErrConfigNotFound, "file not found: %s", configPath)
		}

		data, err := l.ReadFileWithTimeout(ctx, configPath)
		if err != nil {
			return nil, nil, types.WrapError(err, "failed to read config file")
		}

		if err := l.decode(data, config, &raw); err != nil {
			return nil, nil, err
		}
	}

	return l.finish(config, raw)
}

// LoadFromBytes is LoadFromFile for an in-memory document.
func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, map[string]interface{}, error) {
	config := l.Defaults()
	raw := make(map[string]interface{})

	if err := l.decode(data, config, &raw); err != nil {
		return nil, nil, err
	}

	return l.finish(config, raw)
}

func (l *Loader) decode(data []byte, config *types.ServiceConfig, raw *map[string]interface{}) error {
	if err := yaml.Unmarshal(data, config); err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "failed to parse YAML config: %v", err)
	}
	if err := yaml.Unmarshal(data, raw); err != nil {
		return types.Errorf(types.ErrConfigParseFailed, "failed to parse YAML config: %v", err)
	}
	return nil
}

func (l *Loader) finish(config *types.ServiceConfig, raw map[string]interface{}) (*types.ServiceConfig, map[string]interface{}, error) {
	if err := l.applyEnv(config); err != nil {
		return nil, nil, err
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return config, raw, nil
}

func (l *Loader) applyEnv(config *types.ServiceConfig) error {
	if mode, ok := l.env(EnvMode); ok {
		config.Mode = strings.ToLower(mode)
	}

	if host, ok := l.env(EnvCacheHost, EnvRedisHost); ok {
		config.Cache.Host = host
	}

	if port, ok := l.env(EnvCachePort, EnvRedisPort); ok {
		p, err := strconv.Atoi(port)
		if err != nil {
			return types.Errorf(types.ErrConfigValidateFailed, "cache port %q is not a number", port)
		}
		config.Cache.Port = p
	}

	if password, ok := l.env(EnvRedisPassword); ok {
		config.Cache.Password = password
	}

	return nil
}

func (l *Loader) env(names ...string) (string, bool) {
	for _, name := range names {
		if value, ok := l.lookupEnv(name); ok && value != "" {
			return value, true
		}
	}
	return "", false
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

// Defaults match the production deployment manifest.
func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "keyvalueserver",
		Version: "1.0.0",
		Mode:    types.ModeProduction,
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "0.0.0.0",
				Port:            5000,
				ExternalPort:    35001,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 10,
				Prefork: &types.PreforkConfig{
					Enabled: false,
				},
			},
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Cache: &types.CacheConfig{
			Enabled:         true,
			Type:            "redis",
			Host:            "localhost",
			Port:            6379,
			PoolSize:        10,
			DialTimeout:     time.Second,
			ResponseTimeout: time.Second,
			IdleTimeout:     300 * time.Second,
			KeepAlive:       60 * time.Second,
			BackoffBase:     100 * time.Millisecond,
			DefaultTTL:      5 * time.Minute,
			KeyPrefix:       "kv:",
			Compression: &types.CacheCompressionConfig{
				Algorithm: "lz4",
				Threshold: 1024,
			},
		},
		Store: &types.StoreConfig{
			Host:                     "0.0.0.0",
			Port:                     6379,
			Dir:                      "./data",
			AppendOnly:               true,
			AppendFilename:           "appendonly.aof",
			AppendFsync:              "everysec",
			AOFLoadTruncated:         true,
			AutoAOFRewritePercentage: 100,
			AutoAOFRewriteMinSize:    "64mb",
			MaxMemory:                "512mb",
			MaxMemoryPolicy:          "allkeys-lru",
			TCPKeepAlive:             60,
			Timeout:                  300,
			ExpireSweepInterval:      100 * time.Millisecond,
		},
		Worker: &types.WorkerConfig{
			Populate: &types.PopulateConfig{
				QueueSize: 1024,
				Workers:   4,
				Timeout:   2 * time.Second,
			},
			Memory: &types.MemoryConfig{
				SoftLimit:      "512mb",
				HardLimit:      "5gb",
				HighWatermark:  0.9,
				SampleInterval: 5 * time.Second,
			},
		},
		Records: &types.RecordsConfig{
			Type:          "sqlite",
			Path:          "./data/records.db",
			CacheTTL:      5 * time.Minute,
			QueryCacheTTL: 10 * time.Second,
			BusyTimeout:   5 * time.Second,
		},
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "prometheus",
			Path:    "/metrics",
		},
		Health: &types.HealthConfig{
			Enabled:        true,
			Interval:       30 * time.Second,
			Timeout:        10 * time.Second,
			Retries:        3,
			StartPeriod:    5 * time.Second,
			GracePeriod:    60 * time.Second,
			FailOnDegraded: true,
		},
		Middlewares: &types.MiddlewaresConfig{
			Enabled: true,
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"stack_trace": true,
				},
				Weight: 10,
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"log_level":   "info",
					"log_headers": false,
					"log_body":    false,
				},
				Weight: 20,
			},
			Metadata: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"generate_request_id": true,
				},
				Weight: 30,
			},
			RateLimit: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"requests_per_minute": 6000,
					"burst":               100,
				},
				Weight: 40,
			},
			BodyLimit: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"max_body_size": 1048576,
				},
				Weight: 50,
			},
			Compression: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"algorithm": "gzip",
					"min_size":  1024,
				},
				Weight: 60,
			},
			Cache: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  80,
			},
		},
	}
}

// validateServiceConfig covers rules spanning several sections.
func validateServiceConfig(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(types.ServiceConfig)

	if cfg.Cache != nil {
		if cfg.Cache.Enabled && cfg.Cache.Type == "" {
			sl.ReportError(cfg.Cache.Type, "Cache.Type", "Type", "required_if", "Enabled")
		}
		if cfg.Cache.IdleTimeout > 0 && cfg.Cache.ResponseTimeout >= cfg.Cache.IdleTimeout {
			sl.ReportError(cfg.Cache.ResponseTimeout, "Cache.ResponseTimeout", "ResponseTimeout", "ltfield", "IdleTimeout")
		}
	}

	if cfg.Store != nil {
		if _, err := utils.ParseSize(cfg.Store.MaxMemory); err != nil {
			sl.ReportError(cfg.Store.MaxMemory, "Store.MaxMemory", "MaxMemory", "size", "")
		}
		if cfg.Store.AutoAOFRewriteMinSize != "" {
			if _, err := utils.ParseSize(cfg.Store.AutoAOFRewriteMinSize); err != nil {
				sl.ReportError(cfg.Store.AutoAOFRewriteMinSize, "Store.AutoAOFRewriteMinSize", "AutoAOFRewriteMinSize", "size", "")
			}
		}
	}

	if cfg.Worker != nil && cfg.Worker.Memory != nil {
		soft, softErr := utils.ParseSize(cfg.Worker.Memory.SoftLimit)
		hard, hardErr := utils.ParseSize(cfg.Worker.Memory.HardLimit)
		if softErr != nil {
			sl.ReportError(cfg.Worker.Memory.SoftLimit, "Worker.Memory.SoftLimit", "SoftLimit", "size", "")
		}
		if hardErr != nil {
			sl.ReportError(cfg.Worker.Memory.HardLimit, "Worker.Memory.HardLimit", "HardLimit", "size", "")
		}
		if softErr == nil && hardErr == nil && soft > hard {
			sl.ReportError(cfg.Worker.Memory.SoftLimit, "Worker.Memory.SoftLimit", "SoftLimit", "ltefield", "HardLimit")
		}
	}

	// Badger, behind clover, locks its directory to one process.
	if cfg.Records != nil && cfg.Records.Type == "clover" &&
		cfg.Server != nil && cfg.Server.HTTP != nil && cfg.Server.HTTP.Prefork != nil && cfg.Server.HTTP.Prefork.Enabled {
		sl.ReportError(cfg.Records.Type, "Records.Type", "Type", "prefork_sqlite_only", "")
	}
}
