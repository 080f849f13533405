// Package config holds the SDK settings shared by the CLI and embedding
// applications. Values come from NOPWD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/jmcleod/nopwd/internal/util"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreBbolt  = "bbolt"
	StoreSQLite = "sqlite"
)

// Config is the SDK configuration.
type Config struct {
	BaseURL        string        `env:"NOPWD_BASE_URL"             envDefault:"http://127.0.0.1:8443"`
	StatusURL      string        `env:"NOPWD_STATUS_URL"`
	CallbackURL    string        `env:"NOPWD_CALLBACK_URL"         envDefault:"http://127.0.0.1:8765/callback"`
	StoreBackend   string        `env:"NOPWD_STORE_BACKEND"        envDefault:"bbolt"`
	StorePath      string        `env:"NOPWD_STORE_PATH"           envDefault:"nopwd.db"`
	WrappingSecret string        `env:"NOPWD_WRAPPING_SECRET"`
	LogLevel       string        `env:"NOPWD_LOG_LEVEL"            envDefault:"info"`
	RequestTimeout time.Duration `env:"NOPWD_REQUEST_TIMEOUT"      envDefault:"30s"`
	RateLimit      float64       `env:"NOPWD_RATE_LIMIT"`
	RateBurst      int           `env:"NOPWD_RATE_BURST"           envDefault:"5"`
	RefreshWindow  time.Duration `env:"NOPWD_REFRESH_WINDOW"       envDefault:"60s"`
	Lifetime       time.Duration `env:"NOPWD_SESSION_LIFETIME"     envDefault:"24h"`
	IdleTimeout    time.Duration `env:"NOPWD_SESSION_IDLE_TIMEOUT"`
	RPID           string        `env:"NOPWD_RP_ID"                envDefault:"localhost"`
	RPOrigin       string        `env:"NOPWD_RP_ORIGIN"            envDefault:"http://localhost"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration with every default applied and nothing
// read from the environment.
func Default() Config {
	var cfg Config
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if err := checkURL("base url", c.BaseURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if c.StatusURL != "" {
		if err := checkURL("status url", c.StatusURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	}
	if err := checkURL("callback url", c.CallbackURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	switch c.StoreBackend {
	case StoreMemory:
	case StoreBbolt, StoreSQLite:
		if strings.TrimSpace(c.StorePath) == "" {
			errs = append(errs, fmt.Errorf("store path is required for the %s backend", c.StoreBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request timeout must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, errors.New("rate burst must be at least 1"))
	}
	if c.RefreshWindow < 0 {
		errs = append(errs, errors.New("refresh window must not be negative"))
	}
	if c.Lifetime <= 0 {
		errs = append(errs, errors.New("session lifetime must be positive"))
	}
	if c.IdleTimeout < 0 || c.IdleTimeout > c.Lifetime {
		errs = append(errs, errors.New("session idle timeout must be between 0 and the lifetime"))
	}
	return errors.Join(errs...)
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %s URL", name, raw, strings.Join(schemes, " or "))
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// StreamURL is the websocket base of the status stream: StatusURL, or
// BaseURL with its scheme switched to ws/wss.
func (c Config) StreamURL() string {
	if c.StatusURL != "" {
		return c.StatusURL
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return c.BaseURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// ErrNoWrappingSecret is returned by WrappingKey for persistent stores
// without NOPWD_WRAPPING_SECRET.
var ErrNoWrappingSecret = errors.New("NOPWD_WRAPPING_SECRET is required for persistent session storage")

// WrappingKey derives the 32-byte key that seals the local session record
// from NOPWD_WRAPPING_SECRET and the store's salt. The memory backend gets
// a random key when no secret is set, since its records die with the
// process anyway.
func (c Config) WrappingKey(salt []byte) ([]byte, error) {
	if c.WrappingSecret == "" {
		if c.StoreBackend == StoreMemory {
			return util.NewKey()
		}
		return nil, ErrNoWrappingSecret
	}
	return util.DeriveWrappingKey(c.WrappingSecret, salt)
}
