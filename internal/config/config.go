// Package config loads console settings from defaults, an optional YAML file
// and CONSOLE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix scopes environment overrides; "__" separates nesting levels,
	// so CONSOLE_API__BASE_URL sets api.base_url.
	EnvPrefix = "CONSOLE_"
	// PathEnvVar names the config file explicitly.
	PathEnvVar = "CONSOLE_CONFIG"
	// DefaultFile is read from the working directory when present.
	DefaultFile = "console.yaml"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

type Config struct {
	API   APIConfig   `koanf:"api"`
	Store StoreConfig `koanf:"store"`
	Log   LogConfig   `koanf:"log"`
	HTTP  HTTPConfig  `koanf:"http"`
	GRPC  GRPCConfig  `koanf:"grpc"`
	Query QueryConfig `koanf:"query"`
	// Demo serves the in-process identity backend instead of calling API.BaseURL.
	Demo bool `koanf:"demo"`
}

// APIConfig points at the identity and tenant REST service.
type APIConfig struct {
	BaseURL         string        `koanf:"base_url"`
	Timeout         time.Duration `koanf:"timeout"`
	EventsPath      string        `koanf:"events_path"`
	LoginRate       float64       `koanf:"login_rate"`
	LoginBurst      int           `koanf:"login_burst"`
	BreakerFailures int           `koanf:"breaker_failures"`
	ListenBackoff   time.Duration `koanf:"listen_backoff"`
}

// StoreConfig selects where the session token and tenant selection live.
type StoreConfig struct {
	Driver  string `koanf:"driver"`
	Path    string `koanf:"path"`
	DSN     string `koanf:"dsn"`
	Profile string `koanf:"profile"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTPConfig struct {
	Addr      string `koanf:"addr"`
	RateLimit int    `koanf:"rate_limit"`
	RateBurst int    `koanf:"rate_burst"`
}

type GRPCConfig struct {
	Addr           string        `koanf:"addr"`
	HealthInterval time.Duration `koanf:"health_interval"`
}

type QueryConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL:         "http://127.0.0.1:8080",
			Timeout:         10 * time.Second,
			EventsPath:      "/v1/auth/events",
			LoginRate:       1,
			LoginBurst:      5,
			BreakerFailures: 5,
			ListenBackoff:   5 * time.Second,
		},
		Store: StoreConfig{
			Driver:  DriverBadger,
			Path:    defaultStorePath(),
			Profile: "default",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		HTTP: HTTPConfig{
			Addr:      ":8090",
			RateLimit: 20,
			RateBurst: 40,
		},
		GRPC: GRPCConfig{
			Addr:           ":9090",
			HealthInterval: 5 * time.Second,
		},
		Query: QueryConfig{
			Timeout: 15 * time.Second,
		},
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".tenantly/session"
	}
	return filepath.Join(dir, "tenantly", "session")
}

// Load layers defaults, the YAML file at path (or the one named by
// CONSOLE_CONFIG, or ./console.yaml) and the environment, then validates.
// An explicitly named file must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	configPath, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findConfigFile(path string) (string, error) {
	explicit := path
	if explicit == "" {
		explicit = os.Getenv(PathEnvVar)
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile, nil
	}
	return "", nil
}

// envKey maps CONSOLE_API__BASE_URL to api.base_url. CONSOLE_CONFIG names
// the file and is not a setting.
func envKey(key string) string {
	if key == PathEnvVar {
		return ""
	}
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// Validate rejects settings the console cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if !c.Demo {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("api.base_url must be an http(s) URL, got %q", c.API.BaseURL))
		}
	}
	if c.API.Timeout <= 0 {
		errs = append(errs, errors.New("api.timeout must be positive"))
	}
	if c.API.LoginRate < 0 {
		errs = append(errs, errors.New("api.login_rate must not be negative"))
	}
	if !strings.HasPrefix(c.API.EventsPath, "/") {
		errs = append(errs, fmt.Errorf("api.events_path must start with /, got %q", c.API.EventsPath))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverBadger:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path is required for the badger driver"))
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, badger, postgres", c.Store.Driver))
	}
	if strings.TrimSpace(c.Store.Profile) == "" {
		errs = append(errs, errors.New("store.profile is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		errs = append(errs, errors.New("http rate limits must not be negative"))
	}
	if c.Query.Timeout < 0 {
		errs = append(errs, errors.New("query.timeout must not be negative"))
	}
	return errors.Join(errs...)
}
