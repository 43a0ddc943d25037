// Package config loads cachemachine CLI settings from YAML and the
// environment.
package config

import (
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentuity/cachemachine/cache"
	"github.com/agentuity/cachemachine/logger"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the file Load reads when no path is given.
const EnvConfigPath = "CACHEMACHINE_CONFIG"

// Duration is a time.Duration that also accepts day and week units ("1d",
// "2w3d") and the words "never" or "none" for no expiry.
type Duration time.Duration

// ParseDuration parses the Duration text forms.
func ParseDuration(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never", "none":
		return cache.NoExpiry, nil
	case "", "0":
		return 0, nil
	}
	return str2duration.ParseDuration(strings.TrimSpace(s))
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	if d < 0 {
		return "never", nil
	}
	return str2duration.String(time.Duration(d)), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the CLI configuration.
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Worker    WorkerConfig    `yaml:"worker"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RedisConfig describes the store connection.
type RedisConfig struct {
	URL          string   `yaml:"url"`
	DialTimeout  Duration `yaml:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// CacheConfig mirrors the cache.Machine options.
type CacheConfig struct {
	Prefix       string   `yaml:"prefix"`
	Codec        string   `yaml:"codec"`
	DefaultTTL   Duration `yaml:"defaultTTL"`
	QueryTimeout Duration `yaml:"queryTimeout"`
	LockTTL      Duration `yaml:"lockTTL"`
	ScanCount    int64    `yaml:"scanCount"`
}

// WorkerConfig controls the consume command.
type WorkerConfig struct {
	Interval   Duration `yaml:"interval"`
	RetryDelay Duration `yaml:"retryDelay"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// TelemetryConfig enables OTLP export of spans and logs. Export is off
// while Endpoint is empty. Secret, when set, signs a short lived bearer
// token instead of sending Token as is.
type TelemetryConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	ServiceName string   `yaml:"serviceName"`
	Token       string   `yaml:"token"`
	Secret      string   `yaml:"secret"`
	TokenTTL    Duration `yaml:"tokenTTL"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			URL:          "redis://localhost:6379/0",
			DialTimeout:  Duration(5 * time.Second),
			ReadTimeout:  Duration(3 * time.Second),
			WriteTimeout: Duration(3 * time.Second),
		},
		Cache: CacheConfig{
			Codec:      cache.JSONCodec.Name(),
			DefaultTTL: Duration(cache.DefaultExpires),
			LockTTL:    Duration(cache.DefaultLockTTL),
			ScanCount:  cache.DefaultScanCount,
		},
		Worker: WorkerConfig{
			Interval: Duration(time.Second),
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Address: ":2112"},
		Telemetry: TelemetryConfig{
			ServiceName: "cachemachine",
			TokenTTL:    Duration(time.Hour),
		},
	}
}

// Load reads path, or the file named by CACHEMACHINE_CONFIG when path is
// empty, over the defaults and then applies CACHEMACHINE_* overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrapf(err, "config file %s not found", path)
			}
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CACHEMACHINE_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CACHEMACHINE_PREFIX"); v != "" {
		cfg.Cache.Prefix = v
	}
	if v := os.Getenv("CACHEMACHINE_CODEC"); v != "" {
		cfg.Cache.Codec = v
	}
	if v := os.Getenv(logger.EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CACHEMACHINE_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
	if v := os.Getenv("CACHEMACHINE_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("CACHEMACHINE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv("CACHEMACHINE_OTLP_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}
	if v := os.Getenv("CACHEMACHINE_OTLP_SECRET"); v != "" {
		cfg.Telemetry.Secret = v
	}
	if v := os.Getenv("CACHEMACHINE_SCAN_COUNT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "CACHEMACHINE_SCAN_COUNT")
		}
		cfg.Cache.ScanCount = n
	}

	durations := []struct {
		env    string
		target *Duration
	}{
		{"CACHEMACHINE_DEFAULT_TTL", &cfg.Cache.DefaultTTL},
		{"CACHEMACHINE_QUERY_TIMEOUT", &cfg.Cache.QueryTimeout},
		{"CACHEMACHINE_LOCK_TTL", &cfg.Cache.LockTTL},
		{"CACHEMACHINE_WORKER_INTERVAL", &cfg.Worker.Interval},
		{"CACHEMACHINE_WORKER_RETRY_DELAY", &cfg.Worker.RetryDelay},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, d.env)
		}
		*d.target = Duration(parsed)
	}
	return nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return errors.New("redis url is required")
	}
	if _, err := cache.CodecByName(c.Cache.Codec); err != nil {
		return err
	}
	if _, ok := logger.ParseLevel(c.Logging.Level); !ok {
		return errors.Newf("unknown log level %q", c.Logging.Level)
	}
	if c.Worker.Interval < 0 {
		return errors.New("worker interval must not be negative")
	}
	if c.Telemetry.Endpoint != "" && c.Telemetry.Secret != "" && c.Telemetry.TokenTTL <= 0 {
		return errors.New("telemetry token ttl must be positive when a secret is set")
	}
	return nil
}

// RedisOptions parses the connection URL and applies the configured
// timeouts.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	if c.Redis.DialTimeout > 0 {
		opts.DialTimeout = c.Redis.DialTimeout.Std()
	}
	if c.Redis.ReadTimeout > 0 {
		opts.ReadTimeout = c.Redis.ReadTimeout.Std()
	}
	if c.Redis.WriteTimeout > 0 {
		opts.WriteTimeout = c.Redis.WriteTimeout.Std()
	}
	return opts, nil
}

// LogLevel returns the configured level, falling back to info.
func (c *Config) LogLevel() logger.LogLevel {
	if level, ok := logger.ParseLevel(c.Logging.Level); ok {
		return level
	}
	return logger.LevelInfo
}

// MachineOptions translates the cache section into cache.Machine options.
func (c *Config) MachineOptions(log logger.Logger) ([]cache.Option, error) {
	codec, err := cache.CodecByName(c.Cache.Codec)
	if err != nil {
		return nil, err
	}
	return []cache.Option{
		cache.WithPrefix(c.Cache.Prefix),
		cache.WithCodec(codec),
		cache.WithExpires(c.Cache.DefaultTTL.Std()),
		cache.WithQueryTimeout(c.Cache.QueryTimeout.Std()),
		cache.WithLockTTL(c.Cache.LockTTL.Std()),
		cache.WithScanCount(c.Cache.ScanCount),
		cache.WithLogger(log),
	}, nil
}
