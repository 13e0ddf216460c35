package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/config"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/filter"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const brokerYAML = `
name: central
cache_directory: /tmp/broker
event_queue_max_size: 500
cache:
  lru_size: 100
  redis:
    addr: localhost:6379
    cache_ttl: 10m
inputs:
  - name: pollers
    type: pubsub
    params:
      subscription: broker-in
    write_filters: [neb, "bam:ba_status"]
outputs:
  - name: storage
    type: bigquery
    params:
      dataset: monitoring
    read_filters: [storage, neb]
    secondaries: [archive]
    retention: true
    retry_interval: 30s
  - name: archive
    type: gcs
    params:
      bucket: events
    buffering_timeout: 2s
`

var cacheRedis = cache.RedisConfig{}

func endpointConfig(name, kind string) endpoint.Config {
	return endpoint.Config{Name: name, Type: kind}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, brokerYAML))
	require.NoError(t, err)

	assert.Equal(t, "central", cfg.Name)
	assert.Equal(t, "/tmp/broker", cfg.CacheDirectory)
	assert.Equal(t, 500, cfg.EventQueueMaxSize)
	assert.Equal(t, config.DefaultHTTPPort, cfg.HTTPPort, "default kept")
	assert.Equal(t, config.DefaultStatsInterval, cfg.StatsInterval)
	assert.Equal(t, 100, cfg.Cache.LRUSize)
	require.NotNil(t, cfg.Cache.Redis)
	assert.Equal(t, 10*time.Minute, cfg.Cache.Redis.CacheTTL)
	assert.Nil(t, cfg.Cache.Firestore)

	require.Len(t, cfg.Inputs, 1)
	in := cfg.Inputs[0]
	assert.Equal(t, "pubsub", in.Type)
	assert.Equal(t, "broker-in", in.Param("subscription", ""))
	wf, err := in.WriteFilter(filter.All())
	require.NoError(t, err)
	assert.True(t, wf.Accepts(types.TypeHostStatus))
	assert.True(t, wf.Accepts(types.TypeBAStatus))
	assert.False(t, wf.Accepts(types.TypeMetric))

	out, ok := cfg.Output("storage")
	require.True(t, ok)
	assert.True(t, out.Persistent)
	assert.Equal(t, 30*time.Second, out.RetryInterval)
	assert.Equal(t, config.DefaultReadTimeout, out.ReadTimeout)
	assert.Equal(t, []string{"archive"}, out.Secondaries)

	archive, ok := cfg.Output("archive")
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, archive.BufferingTimeout)
	assert.Equal(t, config.DefaultRetryInterval, archive.RetryInterval)
	assert.Equal(t, map[string]bool{"archive": true}, cfg.SecondaryNames())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(config.EnvLogLevel, "debug")
	t.Setenv(config.EnvHTTPPort, ":9090")
	t.Setenv(config.EnvCacheDirectory, "/data")
	t.Setenv(config.EnvEventQueueMaxSize, "42")

	cfg, err := config.Load(writeConfig(t, brokerYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.HTTPPort)
	assert.Equal(t, "/data", cfg.CacheDirectory)
	assert.Equal(t, 42, cfg.EventQueueMaxSize)
}

func TestLoad_BadEnvOverride(t *testing.T) {
	t.Setenv(config.EnvEventQueueMaxSize, "lots")
	_, err := config.Load(writeConfig(t, brokerYAML))
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = config.Load(writeConfig(t, "outputs: [not: valid"))
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		cfg := config.Default()
		cfg.Outputs = []config.EndpointConfig{
			{Config: endpointConfig("sql", "memory")},
			{Config: endpointConfig("backup", "memory")},
		}
		cfg.ApplyDefaults()
		return cfg
	}
	known := func(kind string) bool { return kind == "memory" }

	require.NoError(t, valid().Validate(known))

	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"missing endpoint name", func(c *config.Config) { c.Outputs[0].Name = "" }},
		{"duplicate name", func(c *config.Config) { c.Outputs[1].Name = "sql" }},
		{"duplicate across sections", func(c *config.Config) {
			c.Inputs = []config.EndpointConfig{{Config: endpointConfig("sql", "memory")}}
		}},
		{"unknown type", func(c *config.Config) { c.Outputs[0].Type = "tcp" }},
		{"bad filter", func(c *config.Config) { c.Outputs[0].ReadFilters = []string{"nosuchcategory"} }},
		{"unknown secondary", func(c *config.Config) { c.Outputs[0].Secondaries = []string{"nowhere"} }},
		{"self secondary", func(c *config.Config) { c.Outputs[0].Secondaries = []string{"sql"} }},
		{"input secondary", func(c *config.Config) {
			c.Inputs = []config.EndpointConfig{{Config: endpointConfig("in", "memory"), Secondaries: []string{"sql"}}}
		}},
		{"non-positive queue size", func(c *config.Config) { c.EventQueueMaxSize = 0 }},
		{"non-positive file size", func(c *config.Config) { c.QueueFileMaxSize = -1 }},
		{"negative duration", func(c *config.Config) { c.Outputs[1].BufferingTimeout = -time.Second }},
		{"redis without address", func(c *config.Config) { c.Cache.Redis = &cacheRedis }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(known), types.ErrConfig)
		})
	}
}
