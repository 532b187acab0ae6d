package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kartikbazzad/bunbase/bunlock/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. BUNLOCK_STORE_DRIVER.
const EnvPrefix = "BUNLOCK_"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Lock     LockConfig     `mapstructure:"lock"`
	Log      logger.Config  `mapstructure:"log"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Workload WorkloadConfig `mapstructure:"workload"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory | sqlite | postgres
	Path   string `mapstructure:"path"`   // sqlite database file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

type LockConfig struct {
	Timeout time.Duration `mapstructure:"timeout"` // Max wait for a pessimistic lock
}

type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	RateLimit int    `mapstructure:"ratelimit"` // Requests per minute per client (0 = unlimited)
	Burst     int    `mapstructure:"burst"`
}

type WorkloadConfig struct {
	Users   int `mapstructure:"users"`   // Concurrent simulated users
	Workers int `mapstructure:"workers"` // ants pool size (0 = one per user)
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: DriverMemory,
			Path:   "./data/bunlock.db",
		},
		Lock: LockConfig{
			Timeout: 5 * time.Second,
		},
		Log: logger.Config{
			Level:  "INFO",
			Format: "text",
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			RateLimit: 600,
			Burst:     50,
		},
		Workload: WorkloadConfig{
			Users:   8,
			Workers: 0,
		},
	}
}

// Load loads configuration from defaults, an optional config file and environment variables.
// path: config file (yaml, toml, json or .env); empty means try ./.env and ignore it if missing.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	// 1. Load from config file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigFile(".env")
		// Optional: a missing or unreadable .env is not an error
		_ = v.ReadInConfig()
	}

	// 2. Load from environment variables
	// BUNLOCK_STORE_DRIVER -> store.driver
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 || !strings.HasPrefix(pair[0], EnvPrefix) {
			continue
		}
		propKey := strings.TrimPrefix(pair[0], EnvPrefix)
		propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
		propKey = strings.TrimPrefix(propKey, ".")
		v.Set(propKey, pair[1])
	}

	// 3. Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("lock.timeout", d.Lock.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.addsource", d.Log.AddSource)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.ratelimit", d.HTTP.RateLimit)
	v.SetDefault("http.burst", d.HTTP.Burst)
	v.SetDefault("workload.users", d.Workload.Users)
	v.SetDefault("workload.workers", d.Workload.Workers)
}

var (
	ErrUnknownDriver = errors.New("unknown store driver")
	ErrDSNRequired   = errors.New("store.dsn is required for the postgres driver")
	ErrLockTimeout   = errors.New("lock.timeout must be positive")
)

// Validate returns an error if the configuration cannot be used.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return ErrDSNRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver)
	}
	if c.Lock.Timeout <= 0 {
		return ErrLockTimeout
	}
	return nil
}
