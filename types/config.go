package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Mode        string             `yaml:"mode" json:"mode" validate:"oneof=production development"`
	Server      *ServerConfig      `yaml:"server" json:"server" validate:"required"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger" validate:"required"`
	Cache       *CacheConfig       `yaml:"cache" json:"cache" validate:"required"`
	Store       *StoreConfig       `yaml:"store" json:"store" validate:"required"`
	Worker      *WorkerConfig      `yaml:"worker" json:"worker" validate:"required"`
	Records     *RecordsConfig     `yaml:"records" json:"records" validate:"required"`
	Cron        *CronConfig        `yaml:"cron" json:"cron"`
	Middlewares *MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig      `yaml:"health" json:"health" validate:"required"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http" validate:"required"`
}

type HTTPConfig struct {
	Host            string         `yaml:"host" json:"host"`
	Port            int            `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ExternalPort    int            `yaml:"external_port" json:"external_port" validate:"min=1,max=65535"`
	ReadTimeout     int            `yaml:"read_timeout" json:"read_timeout" validate:"min=0"`
	WriteTimeout    int            `yaml:"write_timeout" json:"write_timeout" validate:"min=0"`
	IdleTimeout     int            `yaml:"idle_timeout" json:"idle_timeout" validate:"min=0"`
	ShutdownTimeout int            `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"min=0"`
	Prefork         *PreforkConfig `yaml:"prefork" json:"prefork"`
}

// PreforkConfig runs the HTTP server as a pool of worker processes
// sharing one listening socket.
type PreforkConfig struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	RecoverThreshold int  `yaml:"recover_threshold" json:"recover_threshold" validate:"min=0"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

// CacheConfig describes how a worker process reaches the shared store.
type CacheConfig struct {
	Enabled         bool                    `yaml:"enabled" json:"enabled"`
	Type            string                  `yaml:"type" json:"type" validate:"omitempty,oneof=redis memory"`
	Host            string                  `yaml:"host" json:"host" validate:"required_if=Type redis"`
	Port            int                     `yaml:"port" json:"port" validate:"min=0,max=65535"`
	Password        string                  `yaml:"password" json:"password"`
	DB              int                     `yaml:"db" json:"db" validate:"min=0"`
	PoolSize        int                     `yaml:"pool_size" json:"pool_size" validate:"min=0"`
	DialTimeout     time.Duration           `yaml:"dial_timeout" json:"dial_timeout" validate:"min=0"`
	ResponseTimeout time.Duration           `yaml:"response_timeout" json:"response_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration           `yaml:"idle_timeout" json:"idle_timeout" validate:"min=0"`
	KeepAlive       time.Duration           `yaml:"keepalive" json:"keepalive" validate:"min=0"`
	BackoffBase     time.Duration           `yaml:"backoff_base" json:"backoff_base" validate:"gt=0"`
	DefaultTTL      time.Duration           `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	KeyPrefix       string                  `yaml:"key_prefix" json:"key_prefix"`
	Compression     *CacheCompressionConfig `yaml:"compression" json:"compression"`
	// MaxMemory bounds the in-process backend only.
	MaxMemory string `yaml:"maxmemory" json:"maxmemory"`
}

type CacheCompressionConfig struct {
	Algorithm string `yaml:"algorithm" json:"algorithm" validate:"omitempty,oneof=none lz4 zstd"`
	Threshold int    `yaml:"threshold" json:"threshold" validate:"min=0"`
}

// StoreConfig mirrors the redis.conf directives the deployment relies on.
// Durations that redis expresses in seconds stay in seconds here.
type StoreConfig struct {
	Host                     string        `yaml:"host" json:"host"`
	Port                     int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	Dir                      string        `yaml:"dir" json:"dir"`
	AppendOnly               bool          `yaml:"appendonly" json:"appendonly"`
	AppendFilename           string        `yaml:"appendfilename" json:"appendfilename" validate:"required_if=AppendOnly true"`
	AppendFsync              string        `yaml:"appendfsync" json:"appendfsync" validate:"oneof=always everysec no"`
	AOFLoadTruncated         bool          `yaml:"aof_load_truncated" json:"aof_load_truncated"`
	AutoAOFRewritePercentage int           `yaml:"auto_aof_rewrite_percentage" json:"auto_aof_rewrite_percentage" validate:"min=0"`
	AutoAOFRewriteMinSize    string        `yaml:"auto_aof_rewrite_min_size" json:"auto_aof_rewrite_min_size"`
	MaxMemory                string        `yaml:"maxmemory" json:"maxmemory" validate:"required"`
	MaxMemoryPolicy          string        `yaml:"maxmemory_policy" json:"maxmemory_policy" validate:"eq=allkeys-lru"`
	TCPKeepAlive             int           `yaml:"tcp_keepalive" json:"tcp_keepalive" validate:"min=0"`
	Timeout                  int           `yaml:"timeout" json:"timeout" validate:"min=0"`
	ExpireSweepInterval      time.Duration `yaml:"expire_sweep_interval" json:"expire_sweep_interval" validate:"min=0"`
}

type WorkerConfig struct {
	Populate *PopulateConfig `yaml:"populate" json:"populate" validate:"required"`
	Memory   *MemoryConfig   `yaml:"memory" json:"memory" validate:"required"`
}

type PopulateConfig struct {
	QueueSize int           `yaml:"queue_size" json:"queue_size" validate:"min=1"`
	Workers   int           `yaml:"workers" json:"workers" validate:"min=1"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

type MemoryConfig struct {
	SoftLimit      string        `yaml:"soft_limit" json:"soft_limit" validate:"required"`
	HardLimit      string        `yaml:"hard_limit" json:"hard_limit" validate:"required"`
	HighWatermark  float64       `yaml:"high_watermark" json:"high_watermark" validate:"gt=0,lte=1"`
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval" validate:"gt=0"`
}

type RecordsConfig struct {
	Type          string        `yaml:"type" json:"type" validate:"oneof=sqlite clover"`
	Path          string        `yaml:"path" json:"path" validate:"required"`
	CacheTTL      time.Duration `yaml:"cache_ttl" json:"cache_ttl" validate:"min=0"`
	QueryCacheTTL time.Duration `yaml:"query_cache_ttl" json:"query_cache_ttl" validate:"min=0"`
	BusyTimeout   time.Duration `yaml:"busy_timeout" json:"busy_timeout" validate:"min=0"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MiddlewaresConfig struct {
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	Metadata    *MiddlewareItemConfig `yaml:"metadata" json:"metadata"`
	RateLimit   *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit"`
	BodyLimit   *MiddlewareItemConfig `yaml:"body_limit" json:"body_limit"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
	Cache       *MiddlewareItemConfig `yaml:"cache" json:"cache"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

// CacheHandlerConfig marks a route as served through the worker cache path.
type CacheHandlerConfig struct {
	Enabled   bool
	KeyPrefix string
	TTL       time.Duration `validate:"min=0"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildInfo string `json:"build_info"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Prefix  string            `yaml:"prefix" json:"prefix"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	Path    string            `yaml:"path" json:"path"`
}

// HealthConfig carries the orchestrator probe contract. Interval, Timeout,
// Retries and StartPeriod drive the self-monitor; GracePeriod decides when
// an unreachable store turns the report degraded.
type HealthConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Interval       time.Duration `yaml:"interval" json:"interval" validate:"gt=0"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0,ltfield=Interval"`
	Retries        int           `yaml:"retries" json:"retries" validate:"min=1"`
	StartPeriod    time.Duration `yaml:"start_period" json:"start_period" validate:"min=0"`
	GracePeriod    time.Duration `yaml:"grace_period" json:"grace_period" validate:"min=0"`
	FailOnDegraded bool          `yaml:"fail_on_degraded" json:"fail_on_degraded"`
}
