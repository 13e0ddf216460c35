// Package config loads the broker configuration: defaults, then a YAML file,
// then environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/filter"
	"github.com/illmade-knight/go-eventbroker/pkg/queuefile"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	DefaultName              = "broker"
	DefaultLogLevel          = "info"
	DefaultHTTPPort          = ":8080"
	DefaultCacheDirectory    = "/var/lib/eventbroker"
	DefaultEventQueueMaxSize = 10000
	DefaultRetryInterval     = 15 * time.Second
	DefaultReadTimeout       = time.Second
	DefaultStatsInterval     = 5 * time.Second
)

// Environment variables overriding the file.
const (
	EnvLogLevel          = "BROKER_LOG_LEVEL"
	EnvHTTPPort          = "BROKER_HTTP_PORT"
	EnvCacheDirectory    = "BROKER_CACHE_DIRECTORY"
	EnvEventQueueMaxSize = "BROKER_EVENT_QUEUE_MAX_SIZE"
)

// Config is the whole broker configuration.
type Config struct {
	Name            string `yaml:"name"`
	LogLevel        string `yaml:"log_level"`
	HTTPPort        string `yaml:"http_port"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`

	// CacheDirectory holds queue files, the offset database and the stats
	// dump.
	CacheDirectory    string        `yaml:"cache_directory"`
	EventQueueMaxSize int           `yaml:"event_queue_max_size"`
	QueueFileMaxSize  int64         `yaml:"queue_file_max_size"`
	QueueFileSync     bool          `yaml:"queue_file_sync"`
	StatsInterval     time.Duration `yaml:"stats_interval"`

	Cache   cache.HostCacheConfig `yaml:"cache"`
	Inputs  []EndpointConfig      `yaml:"inputs"`
	Outputs []EndpointConfig      `yaml:"outputs"`
}

// EndpointConfig is one input or output. The failover and queue settings
// inherit the broker defaults when left at zero.
type EndpointConfig struct {
	endpoint.Config `yaml:",inline"`

	ReadFilters  []string `yaml:"read_filters"`
	WriteFilters []string `yaml:"write_filters"`
	// Secondaries names other outputs tried in order when this one fails.
	// An output used as a secondary does not run on its own.
	Secondaries []string `yaml:"secondaries"`
	// Persistent keeps the queue across restarts.
	Persistent bool `yaml:"retention"`

	RetryInterval    time.Duration `yaml:"retry_interval"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	BufferingTimeout time.Duration `yaml:"buffering_timeout"`
}

// ReadFilter parses the read filter entries, defaulting to def.
func (e EndpointConfig) ReadFilter(def filter.Set) (filter.Set, error) {
	s, err := filter.Parse(e.ReadFilters, def)
	if err != nil {
		return filter.Set{}, fmt.Errorf("endpoint %s read_filters: %w", e.Name, err)
	}
	return s, nil
}

// WriteFilter parses the write filter entries, defaulting to def.
func (e EndpointConfig) WriteFilter(def filter.Set) (filter.Set, error) {
	s, err := filter.Parse(e.WriteFilters, def)
	if err != nil {
		return filter.Set{}, fmt.Errorf("endpoint %s write_filters: %w", e.Name, err)
	}
	return s, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Name:              DefaultName,
		LogLevel:          DefaultLogLevel,
		HTTPPort:          DefaultHTTPPort,
		CacheDirectory:    DefaultCacheDirectory,
		EventQueueMaxSize: DefaultEventQueueMaxSize,
		QueueFileMaxSize:  queuefile.DefaultMaxFileSize,
		StatsInterval:     DefaultStatsInterval,
		Cache:             cache.HostCacheConfig{LRUSize: cache.DefaultLRUSize},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and checks the result. Endpoint types are not checked here; see
// Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", types.ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", types.ErrConfig, path, err)
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides replaces file values with the BROKER_* variables that
// are set.
func (c *Config) ApplyEnvOverrides() error {
	if val := os.Getenv(EnvLogLevel); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv(EnvHTTPPort); val != "" {
		c.HTTPPort = val
	}
	if val := os.Getenv(EnvCacheDirectory); val != "" {
		c.CacheDirectory = val
	}
	if val := os.Getenv(EnvEventQueueMaxSize); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", types.ErrConfig, EnvEventQueueMaxSize, err)
		}
		c.EventQueueMaxSize = n
	}
	return nil
}

// ApplyDefaults fills the per-endpoint settings left at zero.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	for _, list := range [][]EndpointConfig{c.Inputs, c.Outputs} {
		for i := range list {
			if list[i].RetryInterval <= 0 {
				list[i].RetryInterval = DefaultRetryInterval
			}
			if list[i].ReadTimeout <= 0 {
				list[i].ReadTimeout = DefaultReadTimeout
			}
		}
	}
}

// Validate reports every configuration error found, joined. hasKind checks
// endpoint types; nil skips that check.
func (c *Config) Validate(hasKind func(kind string) bool) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{types.ErrConfig}, args...)...))
	}

	if c.Name == "" {
		fail("broker name is required")
	}
	if c.EventQueueMaxSize <= 0 {
		fail("event_queue_max_size must be positive, got %d", c.EventQueueMaxSize)
	}
	if c.QueueFileMaxSize <= 0 {
		fail("queue_file_max_size must be positive, got %d", c.QueueFileMaxSize)
	}
	if c.CacheDirectory == "" {
		fail("cache_directory is required")
	}
	if c.Cache.Redis != nil && c.Cache.Redis.Addr == "" {
		fail("cache.redis.addr is required")
	}
	if c.Cache.Firestore != nil && c.Cache.Firestore.CollectionName == "" {
		fail("cache.firestore.collection is required")
	}

	names := make(map[string]bool)
	check := func(section string, e EndpointConfig) {
		if e.Name == "" {
			fail("%s: endpoint without a name", section)
			return
		}
		if names[e.Name] {
			fail("%s: duplicate endpoint name %q", section, e.Name)
		}
		names[e.Name] = true
		if e.Type == "" {
			fail("endpoint %s: type is required", e.Name)
		} else if hasKind != nil && !hasKind(e.Type) {
			fail("endpoint %s: unknown type %q", e.Name, e.Type)
		}
		if _, err := e.ReadFilter(filter.All()); err != nil {
			errs = append(errs, err)
		}
		if _, err := e.WriteFilter(filter.All()); err != nil {
			errs = append(errs, err)
		}
		if e.RetryInterval < 0 || e.ReadTimeout < 0 || e.BufferingTimeout < 0 {
			fail("endpoint %s: durations cannot be negative", e.Name)
		}
	}
	for _, e := range c.Inputs {
		check("inputs", e)
		if len(e.Secondaries) > 0 {
			fail("input %s: secondaries only apply to outputs", e.Name)
		}
	}
	outputs := make(map[string]bool)
	for _, e := range c.Outputs {
		check("outputs", e)
		outputs[e.Name] = true
	}
	for _, e := range c.Outputs {
		for _, s := range e.Secondaries {
			switch {
			case s == e.Name:
				fail("output %s: lists itself as a secondary", e.Name)
			case !outputs[s]:
				fail("output %s: unknown secondary %q", e.Name, s)
			}
		}
	}
	return errors.Join(errs...)
}

// SecondaryNames returns the outputs used as secondaries by another output.
func (c *Config) SecondaryNames() map[string]bool {
	out := make(map[string]bool)
	for _, e := range c.Outputs {
		for _, s := range e.Secondaries {
			out[s] = true
		}
	}
	return out
}

// Output returns the output named name.
func (c *Config) Output(name string) (EndpointConfig, bool) {
	for _, e := range c.Outputs {
		if e.Name == name {
			return e, true
		}
	}
	return EndpointConfig{}, false
}
