package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	TestMode            bool
	EncryptionKeyBase64 string
	JWTSecret           string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string

	IMAPMaxWorkers int
	IMAPUseTLS     bool

	JobConcurrency  int
	JobPollInterval time.Duration
	JobTimeout      time.Duration

	SyncBatchSize          int
	SyncMaxBatches         int
	MetadataRefreshWindow  int
	ReconcileInterval      time.Duration
	PollInterval           time.Duration
	InFlightRetryDelay     time.Duration
	IdleDebounce           time.Duration
	WatchDegradedAfter     int
	MaintenanceInterval    time.Duration
	StaleSyncAfter         time.Duration
	WatchStaleAfter        time.Duration
	PushRenewInterval      time.Duration
	PushRenewBefore        time.Duration
	LeaseTimeout           time.Duration
	SendInFlightTimeout    time.Duration
	GmailPubSubTopic       string
	PushWebhookToken       string
	WebSocketMaxPerAccount int
	// EncryptionPreviousKeys still open credentials sealed before a key rotation.
	EncryptionPreviousKeys []string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	testMode := os.Getenv("MAILSYNC_TEST_MODE") == "true"

	config := &Config{
		Environment:         env,
		TestMode:            testMode,
		EncryptionKeyBase64: os.Getenv("MAILSYNC_ENCRYPTION_KEY_BASE64"),
		JWTSecret:           os.Getenv("MAILSYNC_JWT_SECRET"),
		DBHost:              getEnvOrDefault("MAILSYNC_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("MAILSYNC_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("MAILSYNC_DB_USER", "mailsync"),
		DBPassword:          os.Getenv("MAILSYNC_DB_PASSWORD"),
		DBName:              getEnvOrDefault("MAILSYNC_DB_NAME", "mailsync"),
		DBSSLMode:           getEnvOrDefault("MAILSYNC_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),

		IMAPMaxWorkers: getIntOrDefault("MAILSYNC_IMAP_MAX_WORKERS", 3),
		// Test IMAP servers listen in plain text.
		IMAPUseTLS: !testMode,

		JobConcurrency:  getIntOrDefault("MAILSYNC_JOB_CONCURRENCY", 5),
		JobPollInterval: getDurationOrDefault("MAILSYNC_JOB_POLL_INTERVAL", time.Second),
		JobTimeout:      getDurationOrDefault("MAILSYNC_JOB_TIMEOUT", 10*time.Minute),

		SyncBatchSize:          getIntOrDefault("MAILSYNC_SYNC_BATCH_SIZE", 200),
		SyncMaxBatches:         getIntOrDefault("MAILSYNC_SYNC_MAX_BATCHES", 5),
		MetadataRefreshWindow:  getIntOrDefault("MAILSYNC_METADATA_REFRESH_WINDOW", 100),
		ReconcileInterval:      getDurationOrDefault("MAILSYNC_RECONCILE_INTERVAL", 24*time.Hour),
		PollInterval:           getDurationOrDefault("MAILSYNC_POLL_INTERVAL", 5*time.Minute),
		InFlightRetryDelay:     getDurationOrDefault("MAILSYNC_INFLIGHT_RETRY_DELAY", 15*time.Second),
		IdleDebounce:           getDurationOrDefault("MAILSYNC_IDLE_DEBOUNCE", 2*time.Second),
		WatchDegradedAfter:     getIntOrDefault("MAILSYNC_WATCH_DEGRADED_AFTER", 5),
		MaintenanceInterval:    getDurationOrDefault("MAILSYNC_MAINTENANCE_INTERVAL", 30*time.Second),
		StaleSyncAfter:         getDurationOrDefault("MAILSYNC_STALE_SYNC_AFTER", 5*time.Minute),
		WatchStaleAfter:        getDurationOrDefault("MAILSYNC_WATCH_STALE_AFTER", 2*time.Minute),
		PushRenewInterval:      getDurationOrDefault("MAILSYNC_PUSH_RENEW_INTERVAL", 5*time.Minute),
		PushRenewBefore:        getDurationOrDefault("MAILSYNC_PUSH_RENEW_BEFORE", 24*time.Hour),
		LeaseTimeout:           getDurationOrDefault("MAILSYNC_LEASE_TIMEOUT", 15*time.Minute),
		SendInFlightTimeout:    getDurationOrDefault("MAILSYNC_SEND_INFLIGHT_TIMEOUT", 15*time.Minute),
		GmailPubSubTopic:       os.Getenv("MAILSYNC_GMAIL_PUBSUB_TOPIC"),
		PushWebhookToken:       os.Getenv("MAILSYNC_PUSH_WEBHOOK_TOKEN"),
		WebSocketMaxPerAccount: getIntOrDefault("MAILSYNC_WS_MAX_PER_ACCOUNT", 10),
		EncryptionPreviousKeys: getListOrDefault("MAILSYNC_ENCRYPTION_PREVIOUS_KEYS"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILSYNC_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.JWTSecret == "" && !c.TestMode {
		return fmt.Errorf("MAILSYNC_JWT_SECRET is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILSYNC_DB_PASSWORD is required")
	}

	if c.JobConcurrency < 1 {
		return fmt.Errorf("MAILSYNC_JOB_CONCURRENCY must be at least 1, got %d", c.JobConcurrency)
	}

	if c.SyncBatchSize < 1 || c.SyncMaxBatches < 1 {
		return fmt.Errorf("sync batch size and max batches must be positive")
	}

	// A lease shorter than the job timeout would hand a live job to a second worker.
	if c.LeaseTimeout <= c.JobTimeout {
		return fmt.Errorf("MAILSYNC_LEASE_TIMEOUT (%s) must be longer than MAILSYNC_JOB_TIMEOUT (%s)", c.LeaseTimeout, c.JobTimeout)
	}

	if c.StaleSyncAfter <= 0 || c.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval and stale sync threshold must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListOrDefault splits a comma-separated variable, dropping empty items.
func getListOrDefault(key string) []string {
	var items []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getIntOrDefault(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Config: invalid %s=%q, using default %d", key, raw, defaultValue)
		return defaultValue
	}
	return value
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Config: invalid %s=%q, using default %s", key, raw, defaultValue)
		return defaultValue
	}
	return value
}
