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

// Duration is a time.Duration read from YAML as a Go duration string.
type Duration time.Duration

// UnmarshalYAML accepts "5s" style strings and bare integers in
// milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

type ServerConfig struct {
	Port            string   `yaml:"port"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	RequestTimeout  Duration `yaml:"requestTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	SlowRequest     Duration `yaml:"slowRequest"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

// RedisConfig enables the Redis instance lock when URL is set.
type RedisConfig struct {
	URL       string   `yaml:"url"`
	KeyPrefix string   `yaml:"keyPrefix"`
	LeaseTTL  Duration `yaml:"leaseTTL"`
}

type LockConfig struct {
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"maxAttempts"`
	BaseBackoff Duration `yaml:"baseBackoff"`
	MaxBackoff  Duration `yaml:"maxBackoff"`
}

type RulesConfig struct {
	CostLimit       uint64   `yaml:"costLimit"`
	TimeZone        string   `yaml:"timeZone"`
	CacheMaxEntries int      `yaml:"cacheMaxEntries"`
	CacheTTL        Duration `yaml:"cacheTTL"`
}

type BreakerConfig struct {
	Enabled      bool     `yaml:"enabled"`
	MaxRequests  uint32   `yaml:"maxRequests"`
	Interval     Duration `yaml:"interval"`
	Timeout      Duration `yaml:"timeout"`
	MinRequests  uint32   `yaml:"minRequests"`
	FailureRatio float64  `yaml:"failureRatio"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	SampleRate  int    `yaml:"sampleRate"`
	OTELEnabled bool   `yaml:"otelEnabled"`
	ServiceName string `yaml:"serviceName"`
}

// Config is the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Lock     LockConfig     `yaml:"lock"`
	Rules    RulesConfig    `yaml:"rules"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the built in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			RequestTimeout:  Duration(60 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			SlowRequest:     Duration(2 * time.Second),
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		Redis: RedisConfig{
			KeyPrefix: "stagecondition",
			LeaseTTL:  Duration(90 * time.Second),
		},
		Lock: LockConfig{
			Timeout:     Duration(5 * time.Second),
			MaxAttempts: 3,
			BaseBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:  Duration(2 * time.Second),
		},
		Rules: RulesConfig{
			CostLimit: 1000000,
			TimeZone:  "UTC",
		},
		Breaker: BreakerConfig{
			Enabled:      true,
			MaxRequests:  3,
			Interval:     Duration(10 * time.Second),
			Timeout:      Duration(30 * time.Second),
			MinRequests:  3,
			FailureRatio: 0.6,
		},
		Log: LogConfig{
			Level:       "INFO",
			SampleRate:  1,
			ServiceName: "stagecondition",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.Database.URL)
	str("DATABASE_DRIVER", &c.Database.Driver)
	str("PORT", &c.Server.Port)
	str("REDIS_URL", &c.Redis.URL)
	str("LOG_LEVEL", &c.Log.Level)
	str("OTEL_SERVICE_NAME", &c.Log.ServiceName)
	str("RULES_TIME_ZONE", &c.Rules.TimeZone)

	if v, ok := lookup("LOCK_TIMEOUT"); ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("LOCK_TIMEOUT: %w", err)
		}
		c.Lock.Timeout = Duration(d)
	}
	if v, ok := lookup("LOCK_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCK_MAX_ATTEMPTS: %w", err)
		}
		c.Lock.MaxAttempts = n
	}
	if v, ok := lookup("ERROR_SAMPLE_RATE"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ERROR_SAMPLE_RATE: %w", err)
		}
		c.Log.SampleRate = n
	}
	if v, ok := lookup("OTEL_ENABLED"); ok && v != "" {
		c.Log.OTELEnabled = strings.EqualFold(v, "true")
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required (DATABASE_URL)"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Lock.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("lock timeout must be positive, got %s", c.Lock.Timeout.Std()))
	}
	if c.Lock.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("lock max attempts must be positive, got %d", c.Lock.MaxAttempts))
	}
	// Redis leases are not renewed, so one must outlive a whole locked
	// request.
	if c.Redis.URL != "" && c.Redis.LeaseTTL <= c.Lock.Timeout+c.Server.RequestTimeout {
		errs = append(errs, fmt.Errorf("redis lease ttl %s must exceed lock timeout plus request timeout (%s)",
			c.Redis.LeaseTTL.Std(), (c.Lock.Timeout + c.Server.RequestTimeout).Std()))
	}
	if c.Lock.BaseBackoff < 0 || c.Lock.MaxBackoff < 0 {
		errs = append(errs, errors.New("lock backoff must not be negative"))
	}
	if c.Rules.CacheMaxEntries < 0 {
		errs = append(errs, errors.New("rules cache size must not be negative"))
	}
	if _, err := time.LoadLocation(c.Rules.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("invalid rules time zone %q: %w", c.Rules.TimeZone, err))
	}
	if c.Breaker.Enabled && (c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1) {
		errs = append(errs, fmt.Errorf("breaker failure ratio must be in (0, 1], got %v", c.Breaker.FailureRatio))
	}

	return errors.Join(errs...)
}
