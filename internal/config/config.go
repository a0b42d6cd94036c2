// Package config loads the server configuration: defaults, then an optional
// YAML file, then CHATTY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pliu/chatty/internal/chat"
	"github.com/pliu/chatty/internal/middleware"
	"github.com/pliu/chatty/internal/pubsub"
	"github.com/pliu/chatty/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CHATTY_"

type Config struct {
	HTTP      HTTPConfig       `yaml:"http"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	Broker    BrokerConfig     `yaml:"broker"`
	Cache     CacheConfig      `yaml:"cache"`
	RateLimit ratelimit.Config `yaml:"rateLimit"`
	Auth      AuthConfig       `yaml:"auth"`
	Media     MediaConfig      `yaml:"media"`
	Log       LogConfig        `yaml:"log"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// AllowedOrigins limits WebSocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is
	// believed. Empty means clients are identified by their peer address.
	TrustedProxies []string `yaml:"trustedProxies"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BrokerConfig struct {
	// Kind is one of "redis", "nats" or "memory".
	Kind string            `yaml:"kind"`
	NATS pubsub.NATSConfig `yaml:"nats"`
}

type CacheConfig struct {
	Prefix string      `yaml:"prefix"`
	Chat   chat.Config `yaml:"chat"`
	// PresencePrefix namespaces the live-user sets.
	PresencePrefix string `yaml:"presencePrefix"`
}

type AuthConfig struct {
	CookieName   string        `yaml:"cookieName"`
	CookieSecret string        `yaml:"cookieSecret"`
	SessionTTL   time.Duration `yaml:"sessionTTL"`
	SecureCookie bool          `yaml:"secureCookie"`
}

type MediaConfig struct {
	Dir      string `yaml:"dir"`
	BaseURL  string `yaml:"baseURL"`
	MaxBytes int64  `yaml:"maxBytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Driver: "sqlite3", DSN: "chatty.db"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Broker: BrokerConfig{
			Kind: "redis",
			NATS: pubsub.NATSConfig{
				URL:           "nats://localhost:4222",
				MaxReconnects: -1,
				ReconnectWait: 2 * time.Second,
			},
		},
		Cache: CacheConfig{
			Prefix:         "cache:",
			Chat:           chat.DefaultConfig(),
			PresencePrefix: "presence:",
		},
		RateLimit: ratelimit.DefaultConfig(),
		Auth: AuthConfig{
			CookieName: "chatty_session",
			SessionTTL: 7 * 24 * time.Hour,
		},
		Media: MediaConfig{
			Dir:      "uploads",
			BaseURL:  "/media/",
			MaxBytes: 5 << 20,
		},
		Log:             LogConfig{Level: "info", Format: "json"},
		ShutdownTimeout: 15 * time.Second,
	}
}

// Load reads path over the defaults. An empty path skips the file. Callers
// run Validate for the settings their command needs.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	switch c.Broker.Kind {
	case "redis", "nats", "memory":
	default:
		errs = append(errs, fmt.Errorf("broker.kind: unsupported %q", c.Broker.Kind))
	}
	if c.Auth.CookieSecret == "" {
		errs = append(errs, errors.New("auth.cookieSecret is required"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if _, err := middleware.ParseProxies(c.HTTP.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("http.trustedProxies: %w", err))
	}
	errs = append(errs, validatePolicy("rateLimit.default", c.RateLimit.Default))
	for op, p := range c.RateLimit.Operations {
		errs = append(errs, validatePolicy("rateLimit.operations."+op, p))
	}
	return errors.Join(errs...)
}

// validatePolicy rejects windows the limiter cannot count in. Counters are
// keyed by whole milliseconds.
func validatePolicy(name string, p ratelimit.Policy) error {
	if p.Skip {
		return nil
	}
	if p.Limit < 0 {
		return fmt.Errorf("%s.limit: must not be negative", name)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("%s.window: %s is shorter than 1ms", name, p.Window)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides the settings that usually differ per deployment.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	if v, ok := lookup(envPrefix + "HTTP_ALLOWED_ORIGINS"); ok {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup(envPrefix + "HTTP_TRUSTED_PROXIES"); ok {
		cfg.HTTP.TrustedProxies = splitList(v)
	}
	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_DSN", &cfg.Database.DSN)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	str("BROKER_KIND", &cfg.Broker.Kind)
	str("NATS_URL", &cfg.Broker.NATS.URL)
	str("CACHE_PREFIX", &cfg.Cache.Prefix)
	str("AUTH_COOKIE_SECRET", &cfg.Auth.CookieSecret)
	str("MEDIA_DIR", &cfg.Media.Dir)
	str("MEDIA_BASE_URL", &cfg.Media.BaseURL)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	dur("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
