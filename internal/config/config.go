package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	LogLevel       string
	ServiceName    string

	// JWTSecret is the HMAC secret for bearer token validation. Token
	// issuance is handled by the identity service, not the gateway.
	JWTSecret string

	// CatalogPath optionally points at a YAML file of remediation
	// packages and rules seeded into the database at startup.
	CatalogPath string

	// Orchestration tunables. The defaults are reasonable starting
	// points, not contractual constants.
	RetryCeiling        int
	SweepInterval       time.Duration
	SessionIdleTimeout  time.Duration
	HeartbeatTimeout    time.Duration
	SubscriberQueueSize int

	// Report archival (optional). Archival is disabled when the bucket
	// is empty.
	ArchiveEndpoint  string
	ArchiveBucket    string
	ArchiveAccessKey string
	ArchiveSecretKey string
	ArchiveRegion    string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		HTTPListenAddr:      getEnv("HTTP_LISTEN_ADDR", ":8090"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		ServiceName:         getEnv("SERVICE_NAME", "gateway-api"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		CatalogPath:         getEnv("REMEDIATION_CATALOG", ""),
		RetryCeiling:        getEnvInt("DEPLOY_RETRY_CEILING", 2),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		SessionIdleTimeout:  getEnvDuration("SESSION_IDLE_TIMEOUT", 60*time.Second),
		HeartbeatTimeout:    getEnvDuration("HEARTBEAT_TIMEOUT", 90*time.Second),
		SubscriberQueueSize: getEnvInt("SUBSCRIBER_QUEUE_SIZE", 64),
		ArchiveEndpoint:     getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveBucket:       getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveAccessKey:    getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
		ArchiveSecretKey:    getEnv("ARCHIVE_S3_SECRET_KEY", ""),
		ArchiveRegion:       getEnv("ARCHIVE_S3_REGION", "us-east-1"),
	}

	return cfg, nil
}

// Validate checks that the config is complete for the named service.
func (c *Config) Validate(service string) error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s: DATABASE_URL is required", service)
	}
	if c.RetryCeiling < 0 {
		return fmt.Errorf("%s: DEPLOY_RETRY_CEILING must be >= 0", service)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%s: SWEEP_INTERVAL must be positive", service)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("%s: SESSION_IDLE_TIMEOUT must be positive", service)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
