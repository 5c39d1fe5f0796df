// Package config loads knot service settings from an optional YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type Config struct {
	Server struct {
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		AdminEnabled   bool     `yaml:"admin_enabled"`
	} `yaml:"server"`

	Session struct {
		Duration time.Duration `yaml:"duration"`
		// WaitingTimeout defaults to Duration when unset. Zero disables waiting-room expiry.
		WaitingTimeout *time.Duration `yaml:"waiting_timeout"`
	} `yaml:"session"`

	Countdown struct {
		TickInterval time.Duration   `yaml:"tick_interval"`
		Warnings     []time.Duration `yaml:"warnings"`
		Workers      int             `yaml:"workers"`
	} `yaml:"countdown"`

	Sweeper struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"sweeper"`

	Store struct {
		Backend string `yaml:"backend"`
		Redis   struct {
			Address   string        `yaml:"address"`
			Password  string        `yaml:"password"`
			DB        int           `yaml:"db"`
			PoolSize  int           `yaml:"pool_size"`
			Retention time.Duration `yaml:"retention"`
		} `yaml:"redis"`
		Retry struct {
			InitialInterval time.Duration `yaml:"initial_interval"`
			MaxInterval     time.Duration `yaml:"max_interval"`
			MaxRetries      uint64        `yaml:"max_retries"`
		} `yaml:"retry"`
	} `yaml:"store"`

	Events struct {
		NATSURL       string `yaml:"nats_url"`
		StreamName    string `yaml:"stream_name"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"events"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Default returns the built-in settings.
func Default() *Config {
	c := &Config{}
	c.Server.Port = 8081
	c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	c.Server.AdminEnabled = true

	c.Session.Duration = 1800 * time.Second

	c.Countdown.TickInterval = 30 * time.Second
	c.Countdown.Warnings = []time.Duration{300 * time.Second, 60 * time.Second}
	c.Countdown.Workers = 4

	c.Sweeper.Interval = 60 * time.Second

	c.Store.Backend = StoreMemory
	c.Store.Redis.Address = "localhost:6379"
	c.Store.Redis.PoolSize = 10
	c.Store.Redis.Retention = 24 * time.Hour
	c.Store.Retry.InitialInterval = 100 * time.Millisecond
	c.Store.Retry.MaxInterval = 2 * time.Second
	c.Store.Retry.MaxRetries = 3

	c.Events.StreamName = "KNOT_EVENTS"
	c.Events.SubjectPrefix = "knot.events"

	c.Log.Level = "info"
	c.Log.Pretty = true
	return c
}

// Load reads path when it exists, applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// WaitingTimeout is the effective waiting-room timeout.
func (c *Config) WaitingTimeout() time.Duration {
	if c.Session.WaitingTimeout == nil {
		return c.Session.Duration
	}
	return *c.Session.WaitingTimeout
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	c.Server.AdminEnabled = getEnvAsBool("KNOT_ADMIN_ENABLED", c.Server.AdminEnabled)

	var err error
	if c.Session.Duration, err = getEnvAsDuration("KNOT_SESSION_DURATION", c.Session.Duration); err != nil {
		return err
	}
	if v := os.Getenv("KNOT_WAITING_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("KNOT_WAITING_TIMEOUT: %w", err)
		}
		c.Session.WaitingTimeout = &d
	}
	if c.Countdown.TickInterval, err = getEnvAsDuration("KNOT_TICK_INTERVAL", c.Countdown.TickInterval); err != nil {
		return err
	}
	c.Countdown.Workers = getEnvAsInt("KNOT_COUNTDOWN_WORKERS", c.Countdown.Workers)
	if c.Sweeper.Interval, err = getEnvAsDuration("KNOT_SWEEP_INTERVAL", c.Sweeper.Interval); err != nil {
		return err
	}

	c.Store.Backend = strings.ToLower(getEnv("KNOT_STORE", c.Store.Backend))
	c.Store.Redis.Address = getEnv("REDIS_ADDR", c.Store.Redis.Address)
	c.Store.Redis.Password = getEnv("REDIS_PASSWORD", c.Store.Redis.Password)
	c.Store.Redis.DB = getEnvAsInt("REDIS_DB", c.Store.Redis.DB)

	c.Events.NATSURL = getEnv("NATS_URL", c.Events.NATSURL)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Pretty = getEnvAsBool("LOG_PRETTY", c.Log.Pretty)
	return nil
}

// Validate checks the settings are usable together.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.Session.Duration <= 0 {
		return errors.New("session duration must be positive")
	}
	if c.WaitingTimeout() < 0 {
		return errors.New("waiting timeout must not be negative")
	}
	if c.Countdown.TickInterval <= 0 {
		return errors.New("countdown tick interval must be positive")
	}
	if c.Countdown.TickInterval > c.Session.Duration {
		return errors.New("countdown tick interval should not exceed the session duration")
	}
	for _, w := range c.Countdown.Warnings {
		if w <= 0 {
			return fmt.Errorf("countdown warning %s must be positive", w)
		}
	}
	if c.Countdown.Workers < 1 {
		return errors.New("countdown workers must be at least 1")
	}
	if c.Sweeper.Interval <= 0 {
		return errors.New("sweeper interval must be positive")
	}

	switch c.Store.Backend {
	case StoreMemory, StorePostgres:
	case StoreRedis:
		if c.Store.Redis.Address == "" {
			return errors.New("redis address must be specified for the redis store")
		}
	default:
		return fmt.Errorf("invalid store backend: %s. Must be 'memory', 'postgres' or 'redis'", c.Store.Backend)
	}

	if c.Events.NATSURL != "" && (c.Events.StreamName == "" || c.Events.SubjectPrefix == "") {
		return errors.New("events stream name and subject prefix must be set when NATS is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
