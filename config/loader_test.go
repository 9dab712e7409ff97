package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddasdkimo/keyvalueserver/types"
)

func noEnv(string) (string, bool) { return "", false }

func envFrom(values map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := values[name]
		return v, ok
	}
}

func TestDefaultsMatchDeploymentManifest(t *testing.T) {
	cfg, _, err := NewLoader().WithEnv(noEnv).LoadFromFile(context.Background(), "")
	require.NoError(t, err)

	assert.True(t, cfg.Store.AppendOnly)
	assert.Equal(t, "512mb", cfg.Store.MaxMemory)
	assert.Equal(t, "allkeys-lru", cfg.Store.MaxMemoryPolicy)
	assert.Equal(t, 60, cfg.Store.TCPKeepAlive)
	assert.Equal(t, 300, cfg.Store.Timeout)

	assert.Equal(t, 5000, cfg.Server.HTTP.Port)
	assert.Equal(t, 35001, cfg.Server.HTTP.ExternalPort)

	assert.Equal(t, "512mb", cfg.Worker.Memory.SoftLimit)
	assert.Equal(t, "5gb", cfg.Worker.Memory.HardLimit)

	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
	assert.Equal(t, 10*time.Second, cfg.Health.Timeout)
	assert.Equal(t, 3, cfg.Health.Retries)
	assert.Equal(t, 5*time.Second, cfg.Health.StartPeriod)

	assert.Equal(t, 300*time.Second, cfg.Cache.IdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.Cache.KeepAlive)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	doc := `
name: kv-test
version: 2.0.0
mode: development
server:
  http:
    port: 5001
cache:
  type: memory
  response_timeout: 250ms
store:
  maxmemory: 1gb
health:
  interval: 15s
  timeout: 5s
custom:
  nested:
    value: 42
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cm, err := NewConfigurationManagerWithLoader(context.Background(), path, NewLoader().WithEnv(noEnv))
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, "kv-test", cfg.Name)
	assert.Equal(t, types.ModeDevelopment, cfg.Mode)
	assert.Equal(t, 5001, cfg.Server.HTTP.Port)
	assert.Equal(t, 35001, cfg.Server.HTTP.ExternalPort)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, 250*time.Millisecond, cfg.Cache.ResponseTimeout)
	assert.Equal(t, "1gb", cfg.Store.MaxMemory)
	assert.Equal(t, "allkeys-lru", cfg.Store.MaxMemoryPolicy)
	assert.Equal(t, 15*time.Second, cfg.Health.Interval)

	assert.Equal(t, 42, cm.GetValue("custom.nested.value", 0))
	assert.Equal(t, "fallback", cm.GetValue("custom.missing", "fallback"))

	var http types.HTTPConfig
	require.NoError(t, cm.GetAs("server.http", &http))
	assert.Equal(t, 5001, http.Port)
}

func TestEnvironmentOverridesCacheAddress(t *testing.T) {
	loader := NewLoader().WithEnv(envFrom(map[string]string{
		EnvCacheHost: "redis",
		EnvRedisPort: "6380",
		EnvMode:      "DEVELOPMENT",
	}))

	cfg, _, err := loader.LoadFromFile(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Cache.Host)
	assert.Equal(t, 6380, cfg.Cache.Port)
	assert.Equal(t, types.ModeDevelopment, cfg.Mode)
}

func TestValidationRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unsupported eviction policy": "store:\n  maxmemory_policy: volatile-lru\n",
		"unparseable maxmemory":       "store:\n  maxmemory: lots\n",
		"soft above hard limit":       "worker:\n  memory:\n    soft_limit: 6gb\n    hard_limit: 5gb\n",
		"probe timeout over interval": "health:\n  interval: 5s\n  timeout: 10s\n",
		"response over idle timeout":  "cache:\n  response_timeout: 10m\n",
		"clover with prefork":         "server:\n  http:\n    prefork:\n      enabled: true\nrecords:\n  type: clover\n",
		"port out of range":           "server:\n  http:\n    port: 70000\n",
		"unknown mode":                "mode: staging\n",
		"bad fsync policy":            "store:\n  appendfsync: sometimes\n",
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := NewLoader().WithEnv(noEnv).LoadFromBytes([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
		})
	}
}

func TestInvalidCachePortFromEnv(t *testing.T) {
	loader := NewLoader().WithEnv(envFrom(map[string]string{EnvCachePort: "six"}))

	_, _, err := loader.LoadFromFile(context.Background(), "")
	require.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestMissingFile(t *testing.T) {
	_, _, err := NewLoader().LoadFromFile(context.Background(), filepath.Join(t.TempDir(), "nope.yml"))
	require.ErrorIs(t, err, types.ErrConfigNotFound)
}
