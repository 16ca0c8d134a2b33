// Package config loads taxsync settings from defaults, an optional config
// file and TAXSYNC_ environment variables.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/jdziat/taxsync/pkg/logging"
	"github.com/jdziat/taxsync/pkg/schedule"
	"github.com/jdziat/taxsync/pkg/security"
	"github.com/jdziat/taxsync/pkg/storage"
)

// EnvPrefix is prepended to every environment variable, with dots in keys
// replaced by underscores (TAXSYNC_BROKER_DSN for broker.dsn).
const EnvPrefix = "TAXSYNC"

// Cache store kinds.
const (
	CacheStoreMemory = "memory"
	CacheStoreValkey = "valkey"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full taxsync configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Audit     AuditConfig     `mapstructure:"audit"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BrokerConfig selects the job broker database.
type BrokerConfig struct {
	Driver         string        `mapstructure:"driver"`
	DSN            string        `mapstructure:"dsn"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	MaxIdleConns   int           `mapstructure:"max_idle_conns"`
	EnqueueTimeout time.Duration `mapstructure:"enqueue_timeout"`
	SlowQuery      time.Duration `mapstructure:"slow_query"`
}

// CacheConfig selects the rate cache store.
type CacheConfig struct {
	Store    string        `mapstructure:"store"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// WarmupOnStart populates the curated jurisdictions when serving starts.
	WarmupOnStart bool `mapstructure:"warmup_on_start"`
}

type CrawlerConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// SchedulerConfig toggles the built-in update schedules.
type SchedulerConfig struct {
	Daily               bool          `mapstructure:"daily"`
	Weekly              bool          `mapstructure:"weekly"`
	Monthly             bool          `mapstructure:"monthly"`
	Quarterly           bool          `mapstructure:"quarterly"`
	InitialUpdateOnBoot bool          `mapstructure:"initial_update_on_boot"`
	TrackedStates       []string      `mapstructure:"tracked_states"`
	ManualUpdateTimeout time.Duration `mapstructure:"manual_update_timeout"`
	// ComplianceCron schedules the accuracy check; empty disables it.
	ComplianceCron string `mapstructure:"compliance_cron"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type AuditConfig struct {
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatJSON)

	v.SetDefault("broker.driver", storage.DriverSQLite)
	v.SetDefault("broker.dsn", "taxsync.db")
	v.SetDefault("broker.max_open_conns", 25)
	v.SetDefault("broker.max_idle_conns", 5)
	v.SetDefault("broker.enqueue_timeout", 5*time.Second)
	v.SetDefault("broker.slow_query", storage.DefaultSlowQuery)

	v.SetDefault("cache.store", CacheStoreMemory)
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.timeout", 2*time.Second)
	v.SetDefault("cache.warmup_on_start", true)

	v.SetDefault("crawler.base_url", "http://localhost:8090")
	v.SetDefault("crawler.timeout", 30*time.Second)
	v.SetDefault("crawler.requests_per_second", 5.0)
	v.SetDefault("crawler.burst", 2)

	v.SetDefault("scheduler.daily", true)
	v.SetDefault("scheduler.weekly", true)
	v.SetDefault("scheduler.monthly", true)
	v.SetDefault("scheduler.quarterly", true)
	v.SetDefault("scheduler.initial_update_on_boot", false)
	v.SetDefault("scheduler.tracked_states", []string{})
	v.SetDefault("scheduler.manual_update_timeout", 10*time.Minute)
	v.SetDefault("scheduler.compliance_cron", "0 6 * * *")

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval", 100*time.Millisecond)

	v.SetDefault("audit.anomaly_threshold", 1.0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
}

// NewViper returns a viper instance with defaults and TAXSYNC_ environment
// binding. A non-empty configFile is read as well.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	return v, nil
}

// Load reads and validates the configuration.
func Load(configFile string) (*Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates the configuration held by v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be caught by decoding and normalizes
// the tracked states.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Broker.Driver) {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return errors.Wrapf(ErrInvalidConfig, "broker.driver %q: want %s or %s", c.Broker.Driver, storage.DriverSQLite, storage.DriverPostgres)
	}
	if c.Broker.DSN == "" {
		return errors.Wrap(ErrInvalidConfig, "broker.dsn is required")
	}

	switch c.Cache.Store {
	case CacheStoreMemory:
	case CacheStoreValkey:
		if c.Cache.Addr == "" {
			return errors.Wrap(ErrInvalidConfig, "cache.addr is required for the valkey store")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "cache.store %q: want %s or %s", c.Cache.Store, CacheStoreMemory, CacheStoreValkey)
	}
	if c.Cache.TTL <= 0 {
		return errors.Wrap(ErrInvalidConfig, "cache.ttl must be positive")
	}

	if c.Crawler.BaseURL == "" {
		return errors.Wrap(ErrInvalidConfig, "crawler.base_url is required")
	}
	if c.Crawler.RequestsPerSecond < 0 {
		return errors.Wrap(ErrInvalidConfig, "crawler.requests_per_second must not be negative")
	}

	states := make([]string, 0, len(c.Scheduler.TrackedStates))
	for _, s := range c.Scheduler.TrackedStates {
		if strings.TrimSpace(s) == "" {
			continue
		}
		n, err := security.NormalizeState(s)
		if err != nil {
			return errors.Wrap(errors.Mark(err, ErrInvalidConfig), "scheduler.tracked_states")
		}
		states = append(states, n)
	}
	c.Scheduler.TrackedStates = states

	if c.Scheduler.ComplianceCron != "" {
		if _, err := schedule.ParseCron(c.Scheduler.ComplianceCron); err != nil {
			return errors.Wrap(errors.Mark(err, ErrInvalidConfig), "scheduler.compliance_cron")
		}
	}

	if c.Worker.Concurrency < 1 {
		return errors.Wrap(ErrInvalidConfig, "worker.concurrency must be at least 1")
	}
	if c.Audit.AnomalyThreshold <= 0 {
		return errors.Wrap(ErrInvalidConfig, "audit.anomaly_threshold must be positive")
	}
	if c.HTTP.Addr == "" {
		return errors.Wrap(ErrInvalidConfig, "http.addr is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(errors.Mark(err, ErrInvalidConfig), "log.level")
	}
	return nil
}
