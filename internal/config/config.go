package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries everything the process reads from the environment at start.
// Values are treated as immutable for the process lifetime; signing keys and
// limits are injected into the core services at construction.
type Config struct {
	Port      string
	DBAdapter string // postgres, sqlite, memory

	PostgresDSN string
	SQLiteFile  string

	// Signing keys, one per token kind.
	UserAccessKey  string
	UserRefreshKey string
	DeviceKey      string

	// Token lifetimes.
	UserAccessTTL  time.Duration
	UserRefreshTTL time.Duration
	DeviceTTL      time.Duration

	// Ingestion limits.
	PayloadLimitBytes  int
	MinReadingInterval time.Duration

	SimulatorEnabled bool

	// Admin bootstrap. When both are set an admin account is ensured at
	// startup.
	AdminEmail    string
	AdminPassword string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	c := &Config{
		Port:           getenv("PORT", "8080"),
		DBAdapter:      getenv("DB_ADAPTER", "sqlite"),
		PostgresDSN:    getenv("POSTGRES_DSN", ""),
		SQLiteFile:     getenv("SQLITE_FILE", "./data/iotguard.db"),
		UserAccessKey:  getenv("USER_ACCESS_KEY", "dev-user-access-key"),
		UserRefreshKey: getenv("USER_REFRESH_KEY", "dev-user-refresh-key"),
		DeviceKey:      getenv("DEVICE_ACCESS_KEY", "dev-device-key"),
	}

	var err error
	if c.UserAccessTTL, err = getenvDuration("USER_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if c.UserRefreshTTL, err = getenvDuration("USER_REFRESH_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if c.DeviceTTL, err = getenvDuration("DEVICE_ACCESS_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.PayloadLimitBytes, err = getenvInt("PAYLOAD_LIMIT_BYTES", 2048); err != nil {
		return nil, err
	}
	if c.MinReadingInterval, err = getenvDuration("MIN_READING_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	c.SimulatorEnabled = getenv("SIMULATOR_ENABLED", "false") == "true"
	c.AdminEmail = getenv("ADMIN_EMAIL", "")
	c.AdminPassword = getenv("ADMIN_PASSWORD", "")

	switch c.DBAdapter {
	case "postgres":
		if c.PostgresDSN == "" {
			return nil, errors.New("POSTGRES_DSN must be set when DB_ADAPTER=postgres")
		}
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	env := getenv("ENV", "")
	if env == "production" || env == "prod" {
		for name, key := range map[string]string{
			"USER_ACCESS_KEY":   c.UserAccessKey,
			"USER_REFRESH_KEY":  c.UserRefreshKey,
			"DEVICE_ACCESS_KEY": c.DeviceKey,
		} {
			if key == "" || len(key) < 16 || key[:4] == "dev-" {
				return nil, fmt.Errorf("%s must be set to a strong value in production", name)
			}
		}
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
