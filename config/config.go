// Package config loads the Ratio service configuration from a YAML file.
// Environment references in the file ($VAR or ${VAR}) are expanded before
// parsing so secrets stay out of the file itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the top-level service configuration.
	Config struct {
		Redis       RedisConfig       `yaml:"redis"`
		Mongo       MongoConfig       `yaml:"mongo"`
		Storage     StorageConfig     `yaml:"storage"`
		Auth        AuthConfig        `yaml:"auth"`
		Bus         BusConfig         `yaml:"bus"`
		Coordinator CoordinatorConfig `yaml:"coordinator"`
		Logging     LoggingConfig     `yaml:"logging"`
	}

	// RedisConfig connects the Pulse event bus.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig connects the process table.
	MongoConfig struct {
		URI        string        `yaml:"uri"`
		Database   string        `yaml:"database"`
		Collection string        `yaml:"collection"`
		Timeout    time.Duration `yaml:"timeout"`
	}

	// StorageConfig connects the storage service.
	StorageConfig struct {
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		RateLimit      float64       `yaml:"rate_limit"`
		RateBurst      int           `yaml:"rate_burst"`
	}

	// AuthConfig holds token signing material.
	AuthConfig struct {
		SigningSecret string `yaml:"signing_secret"`
		SystemEntity  string `yaml:"system_entity"`
	}

	// BusConfig names the event stream and consumer group.
	BusConfig struct {
		StreamName   string `yaml:"stream_name"`
		SinkName     string `yaml:"sink_name"`
		StreamMaxLen int    `yaml:"stream_max_len"`
	}

	// CoordinatorConfig tunes lifecycle handling.
	CoordinatorConfig struct {
		ReconcileDelay    time.Duration `yaml:"reconcile_delay"`
		NoopResponseDelay time.Duration `yaml:"noop_response_delay"`
		ProcessTimeout    time.Duration `yaml:"process_timeout"`
		SweepSchedule     string        `yaml:"sweep_schedule"`
	}

	// LoggingConfig controls log output.
	LoggingConfig struct {
		Format string `yaml:"format"` // "json" or "text"
		Debug  bool   `yaml:"debug"`
	}
)

// Defaults applied when the file leaves a field unset.
const (
	DefaultRedisAddr     = "localhost:6379"
	DefaultMongoURI      = "mongodb://localhost:27017"
	DefaultMongoDatabase = "ratio"
	DefaultSweepSchedule = "* * * * *"
	DefaultSystemEntity  = "ratio-system"
)

// Load reads, expands and parses the configuration file, applies defaults
// and validates required fields.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse parses configuration bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = DefaultMongoURI
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = DefaultMongoDatabase
	}
	if c.Coordinator.SweepSchedule == "" {
		c.Coordinator.SweepSchedule = DefaultSweepSchedule
	}
	if c.Auth.SystemEntity == "" {
		c.Auth.SystemEntity = DefaultSystemEntity
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Storage.BaseURL == "" {
		return errors.New("storage.base_url is required")
	}
	if c.Auth.SigningSecret == "" {
		return errors.New("auth.signing_secret is required")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}
