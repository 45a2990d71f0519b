/*
Package config loads engine configuration from a YAML file with environment
overrides. Every field has a default, so an empty path reads the
environment alone.

USAGE:
  cfg, err := config.Load(path)   // path may be ""
  // pass cfg sections into the constructors in cmd/*
*/
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/warp/alarm-engine/alarm"
)

const (
	EnvConfigPath  = "ALARM_CONFIG"
	FlagConfigPath = "config"
)

type (
	Config struct {
		App       `yaml:"app"`
		Store     `yaml:"store"`
		Cache     `yaml:"cache"`
		Batch     `yaml:"batch"`
		Heavy     `yaml:"heavy"`
		Scheduler `yaml:"scheduler"`
		HTTP      `yaml:"http"`
		Log       `yaml:"log"`
	}

	App struct {
		Name string `yaml:"name" env:"APP_NAME" env-default:"alarm-engine"`
		Env  string `yaml:"env"  env:"APP_ENV"  env-default:"local"`
	}

	Store struct {
		// DBPath is the sqlite file; ":memory:" keeps everything in memory.
		DBPath         string `yaml:"db_path"          env:"STORE_DB_PATH"          env-default:"alarms.db"`
		LegacyDir      string `yaml:"legacy_dir"       env:"STORE_LEGACY_DIR"       env-default:"."`
		LegacyRedisKey string `yaml:"legacy_redis_key" env:"STORE_LEGACY_REDIS_KEY"`
		// CatalogPath overrides the embedded template catalog.
		CatalogPath string `yaml:"catalog_path" env:"STORE_CATALOG_PATH"`
	}

	Cache struct {
		Backend       string        `yaml:"backend"        env:"CACHE_BACKEND"        env-default:"memory"`
		TTL           time.Duration `yaml:"ttl"            env:"CACHE_TTL"            env-default:"5m"`
		RedisAddr     string        `yaml:"redis_addr"     env:"CACHE_REDIS_ADDR"     env-default:"localhost:6379"`
		RedisPassword string        `yaml:"redis_password" env:"CACHE_REDIS_PASSWORD"`
		RedisDB       int           `yaml:"redis_db"       env:"CACHE_REDIS_DB"       env-default:"0"`
		RedisPrefix   string        `yaml:"redis_prefix"   env:"CACHE_REDIS_PREFIX"   env-default:"alarm-engine:cache:"`
	}

	Batch struct {
		Debounce     time.Duration `yaml:"debounce"      env:"BATCH_DEBOUNCE"      env-default:"500ms"`
		MaxRetries   int           `yaml:"max_retries"   env:"BATCH_MAX_RETRIES"   env-default:"3"`
		RetryBackoff time.Duration `yaml:"retry_backoff" env:"BATCH_RETRY_BACKOFF" env-default:"100ms"`
	}

	Heavy struct {
		Timeout time.Duration `yaml:"timeout" env:"HEAVY_TIMEOUT" env-default:"30s"`
	}

	Scheduler struct {
		Interval    time.Duration `yaml:"interval"    env:"SCHEDULER_INTERVAL"    env-default:"15m"`
		Concurrency int           `yaml:"concurrency" env:"SCHEDULER_CONCURRENCY" env-default:"4"`
	}

	HTTP struct {
		Addr            string        `yaml:"addr"             env:"HTTP_ADDR"             env-default:":8080"`
		ReadTimeout     time.Duration `yaml:"read_timeout"     env:"HTTP_READ_TIMEOUT"     env-default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout"    env:"HTTP_WRITE_TIMEOUT"    env-default:"30s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
		AllowedOrigins  []string      `yaml:"allowed_origins"  env:"HTTP_ALLOWED_ORIGINS"  env-default:"http://localhost:3000,http://localhost:5173"`
	}

	Log struct {
		Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
		Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
	}
)

// Load reads path (if set) and then the environment. Errors wrap
// alarm.ErrInvalidConfig.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", alarm.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return invalid("cache.backend", "want memory or redis, got %q", c.Cache.Backend)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return invalid("log.format", "want json or console, got %q", c.Log.Format)
	}
	if c.Store.DBPath == "" {
		return invalid("store.db_path", "empty")
	}
	if c.Cache.TTL <= 0 {
		return invalid("cache.ttl", "must be positive")
	}
	if c.Heavy.Timeout <= 0 {
		return invalid("heavy.timeout", "must be positive")
	}
	if c.Batch.MaxRetries < 0 {
		return invalid("batch.max_retries", "must not be negative")
	}
	if c.Scheduler.Concurrency <= 0 {
		return invalid("scheduler.concurrency", "must be positive")
	}
	return nil
}

func invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", alarm.ErrInvalidConfig, field, fmt.Sprintf(format, args...))
}

// Description lists every setting with its environment variable.
func Description() string {
	header := "Alarm engine configuration"
	text, err := cleanenv.GetDescription(&Config{}, &header)
	if err != nil {
		return header
	}
	return text
}
