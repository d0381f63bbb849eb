// Package spoolconfig loads and hot-reloads daemon configuration for
// cmd/spoold, in the teacher's env-plus-dotenv style (internal/app's
// dotenv.go and watchConfig, minus the custom DSL the webhook gateway
// layered on top — the spool has no routing rules to compile).
package spoolconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/msgspool/internal/secrets"
)

// Backend selects which spool.Store implementation the daemon opens.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Config carries every setting the daemon and its subsystems need.
type Config struct {
	Backend             Backend
	SQLitePath          string
	PostgresDSN         string
	Capacity            int
	HousekeeperInterval time.Duration
	PurgeAge            time.Duration
	LogDataEnabled      bool
	LogLevel            string

	MQTTBroker   string
	MQTTClientID string

	AdminAddr string
	JWKSURL   string

	OTLPEndpoint string
}

// Load reads configuration from the environment, falling back to a
// .env file at dotenvPath when present (the teacher's loadDotenv
// pattern: existing env vars always win).
func Load(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			if err := loadDotenv(dotenvPath); err != nil {
				return Config{}, fmt.Errorf("spoolconfig: load %s: %w", dotenvPath, err)
			}
		}
	}

	cfg := Config{
		Backend:             Backend(getEnv("SPOOL_BACKEND", "sqlite")),
		SQLitePath:          getEnv("SPOOL_SQLITE_PATH", "spool.db"),
		PostgresDSN:         getEnv("SPOOL_POSTGRES_DSN", ""),
		Capacity:            getEnvInt("SPOOL_CAPACITY", 100000),
		HousekeeperInterval: getEnvDuration("SPOOL_HOUSEKEEPER_INTERVAL", time.Hour),
		PurgeAge:            getEnvDuration("SPOOL_PURGE_AGE", 7*24*time.Hour),
		LogDataEnabled:      getEnvBool("SPOOL_LOG_DATA_ENABLED", false),
		LogLevel:            getEnv("SPOOL_LOG_LEVEL", "info"),
		MQTTBroker:          getEnv("SPOOL_MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:        getEnv("SPOOL_MQTT_CLIENT_ID", "spoold"),
		AdminAddr:           getEnv("SPOOL_ADMIN_ADDR", ":8090"),
		JWKSURL:             getEnv("SPOOL_JWKS_URL", ""),
		OTLPEndpoint:        getEnv("SPOOL_OTLP_ENDPOINT", ""),
	}

	if cfg.Backend != BackendSQLite && cfg.Backend != BackendPostgres {
		return Config{}, fmt.Errorf("spoolconfig: unknown backend %q", cfg.Backend)
	}
	if cfg.Backend == BackendPostgres && strings.TrimSpace(cfg.PostgresDSN) == "" {
		return Config{}, fmt.Errorf("spoolconfig: SPOOL_POSTGRES_DSN required for postgres backend")
	}
	if cfg.Capacity <= 0 {
		return Config{}, fmt.Errorf("spoolconfig: capacity must be positive, got %d", cfg.Capacity)
	}

	if cfg.Backend == BackendPostgres {
		dsn, err := resolveSecret(cfg.PostgresDSN)
		if err != nil {
			return Config{}, fmt.Errorf("spoolconfig: resolving SPOOL_POSTGRES_DSN: %w", err)
		}
		cfg.PostgresDSN = dsn
	}

	return cfg, nil
}

// resolveSecret accepts either a literal value or a secrets.LoadRef
// reference (env:, file:, raw:, vault:), so operators can keep the
// Postgres DSN out of plaintext env vars in production without the
// daemon growing its own secret store.
func resolveSecret(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if err := secrets.ValidateRef(value); err != nil {
		// Not a recognized ref scheme: treat as a literal DSN, the
		// common case for local/dev use.
		return value, nil
	}
	raw, err := secrets.LoadRef(value)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
