package app

import (
	"errors"
	"fmt"
	"time"

	cmnenv "fm_server/server/common/env"
	"fm_server/server/worker/service"
)

const (
	BackendAMQP     = "amqp"
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendAPI      = "api"
	BackendPostgres = "postgres"
)

type Config struct {
	Env           string
	Port          string
	JWTSecret     string
	JWTTTLMinutes int

	TenantsFile       string
	TenantCacheTTL    time.Duration
	TenantDevFallback string

	BusBackend string
	LavinMQURL string

	ConfigStoreBackend string
	ConfigAPIEndpoints []string

	LedgerBackend       string
	ConnectionTemplate  string
	ConnectionOverrides map[string]string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	LedgerCacheTTL time.Duration

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	RefreshInterval     time.Duration
	DefaultSchedule     string
	ConsumerConcurrency int
	MaxAttempts         int
	RetryInterval       time.Duration
}

func LoadConfig() Config {
	return Config{
		Env:                 cmnenv.String("APP_ENV", "dev"),
		Port:                cmnenv.String("PORT", "8090"),
		JWTSecret:           cmnenv.String("JWT_SECRET", "change-me-in-production"),
		JWTTTLMinutes:       cmnenv.Int("JWT_TTL_MINUTES", 1440),
		TenantsFile:         cmnenv.String("TENANTS_FILE", "./config/tenants.yaml"),
		TenantCacheTTL:      cmnenv.Duration("TENANT_CACHE_TTL", 10*time.Minute),
		TenantDevFallback:   cmnenv.String("TENANT_DEV_FALLBACK", "firm-xyz"),
		BusBackend:          cmnenv.String("BUS_BACKEND", BackendAMQP),
		LavinMQURL:          cmnenv.String("LAVINMQ_URL", ""),
		ConfigStoreBackend:  cmnenv.String("CONFIG_STORE_BACKEND", BackendFile),
		ConfigAPIEndpoints:  cmnenv.CSV("CONFIG_API_ENDPOINTS", []string{"http://localhost:8080"}),
		LedgerBackend:       cmnenv.String("LEDGER_BACKEND", BackendPostgres),
		ConnectionTemplate:  cmnenv.String("CONNECTION_TEMPLATE", ""),
		ConnectionOverrides: cmnenv.KeyValues("CONNECTION_OVERRIDES"),
		RedisAddr:           cmnenv.String("REDIS_ADDR", ""),
		RedisPassword:       cmnenv.String("REDIS_PASSWORD", ""),
		RedisDB:             cmnenv.Int("REDIS_DB", 0),
		LedgerCacheTTL:      cmnenv.Duration("LEDGER_CACHE_TTL", 24*time.Hour),
		MinIOEndpoint:       cmnenv.String("MINIO_ENDPOINT", ""),
		MinIOAccessKey:      cmnenv.String("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:      cmnenv.String("MINIO_SECRET_KEY", ""),
		MinIOBucket:         cmnenv.String("MINIO_BUCKET", "fm-transfers"),
		MinIOUseSSL:         cmnenv.Bool("MINIO_USE_SSL", false),
		RefreshInterval:     cmnenv.Duration("SCHEDULER_REFRESH_INTERVAL", time.Minute),
		DefaultSchedule:     cmnenv.String("DEFAULT_SCHEDULE", service.DefaultScheduleSpec),
		ConsumerConcurrency: cmnenv.Int("CONSUMER_CONCURRENCY", 4),
		MaxAttempts:         cmnenv.Int("TRANSFER_MAX_ATTEMPTS", 3),
		RetryInterval:       cmnenv.Duration("TRANSFER_RETRY_INTERVAL", 5*time.Second),
	}
}

func (c Config) DevFallbackAllowed() bool {
	return c.Env == "development"
}

// Validate rejects configurations the worker cannot boot with. Everything
// else degrades at runtime.
func (c Config) Validate() error {
	var errs []error
	switch c.BusBackend {
	case BackendAMQP:
		if c.LavinMQURL == "" {
			errs = append(errs, errors.New("LAVINMQ_URL is required when BUS_BACKEND=amqp"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown BUS_BACKEND %q", c.BusBackend))
	}

	switch c.LedgerBackend {
	case BackendPostgres:
		if c.ConnectionTemplate == "" {
			errs = append(errs, errors.New("CONNECTION_TEMPLATE is required when LEDGER_BACKEND=postgres"))
		}
	case BackendAPI, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	switch c.ConfigStoreBackend {
	case BackendFile, BackendAPI:
	default:
		errs = append(errs, fmt.Errorf("unknown CONFIG_STORE_BACKEND %q", c.ConfigStoreBackend))
	}
	if (c.LedgerBackend == BackendAPI || c.ConfigStoreBackend == BackendAPI) && len(c.ConfigAPIEndpoints) == 0 {
		errs = append(errs, errors.New("CONFIG_API_ENDPOINTS is required for the api backends"))
	}
	if c.TenantsFile == "" {
		errs = append(errs, errors.New("TENANTS_FILE is required"))
	}
	if _, err := service.ParseSchedule(c.DefaultSchedule); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_SCHEDULE: %w", err))
	}
	return errors.Join(errs...)
}
