// Package config loads service settings from built-in defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whisper/sessions/internal/logging"
	"github.com/whisper/sessions/internal/session"
)

// Config is the full service configuration.
type Config struct {
	ServerName string         `yaml:"server_name"`
	Redis      RedisConfig    `yaml:"redis"`
	Session    SessionConfig  `yaml:"session"`
	Sweep      SweepConfig    `yaml:"sweep"`
	NATS       NATSConfig     `yaml:"nats"`
	Database   DatabaseConfig `yaml:"database"`
	HTTP       HTTPConfig     `yaml:"http"`
	Log        LogConfig      `yaml:"log"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionConfig mirrors session.Config in file form. A negative MaxInactive
// makes new sessions never expire.
type SessionConfig struct {
	Namespace    string        `yaml:"namespace"`
	MaxInactive  time.Duration `yaml:"max_inactive"`
	SafetyMargin time.Duration `yaml:"safety_margin"`
	SaveMode     string        `yaml:"save_mode"`
}

type SweepConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Bucket     time.Duration `yaml:"bucket"`
	MaxBuckets int64         `yaml:"max_buckets"`
	LeaseTTL   time.Duration `yaml:"lease_ttl"` // zero lets every instance sweep
}

// NATSConfig configures cluster event fan-out. An empty URL disables it.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig configures the audit trail. An empty URL disables it.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Session: SessionConfig{
			MaxInactive:  session.DefaultMaxInactiveInterval,
			SafetyMargin: session.DefaultSafetyMargin,
			SaveMode:     session.SaveOnSetAttribute.String(),
		},
		Sweep: SweepConfig{
			Interval: session.DefaultSweepInterval,
			Bucket:   session.DefaultBucketGranularity,
			LeaseTTL: 30 * time.Second,
		},
		HTTP: HTTPConfig{ListenAddr: ":8080"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "sessiond-1"
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: REDIS_DB: %w", err))
		} else {
			c.Redis.DB = n
		}
	}
	str("SESSION_NAMESPACE", &c.Session.Namespace)
	dur("SESSION_MAX_INACTIVE", &c.Session.MaxInactive)
	dur("SESSION_SAFETY_MARGIN", &c.Session.SafetyMargin)
	dur("SWEEP_INTERVAL", &c.Sweep.Interval)
	dur("SWEEP_BUCKET", &c.Sweep.Bucket)
	str("NATS_URL", &c.NATS.URL)
	str("DATABASE_URL", &c.Database.URL)
	str("LISTEN_ADDR", &c.HTTP.ListenAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("SERVER_NAME", &c.ServerName)

	return errors.Join(errs...)
}

// Validate reports every setting that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("config: redis.addr is required"))
	}
	if c.Session.SafetyMargin <= 0 {
		errs = append(errs, errors.New("config: session.safety_margin must be positive"))
	}
	if _, err := session.ParseSaveMode(c.Session.SaveMode); err != nil {
		errs = append(errs, fmt.Errorf("config: session.save_mode: %w", err))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("config: sweep.interval must be positive"))
	}
	if c.Sweep.Bucket <= 0 {
		errs = append(errs, errors.New("config: sweep.bucket must be positive"))
	}
	if c.Sweep.MaxBuckets < 0 {
		errs = append(errs, errors.New("config: sweep.max_buckets must not be negative"))
	}
	if c.Sweep.LeaseTTL < 0 {
		errs = append(errs, errors.New("config: sweep.lease_ttl must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SessionRepository converts the settings into a repository config.
func (c Config) SessionRepository() session.Config {
	mode, _ := session.ParseSaveMode(c.Session.SaveMode)
	return session.Config{
		Namespace:                  c.Session.Namespace,
		DefaultMaxInactiveInterval: c.Session.MaxInactive,
		SafetyMargin:               c.Session.SafetyMargin,
		BucketGranularity:          c.Sweep.Bucket,
		SweepMaxBuckets:            c.Sweep.MaxBuckets,
		SaveMode:                   mode,
	}
}
