package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServiceName  string `env:"SERVICE_NAME"`
	EventVersion string `env:"EVENT_VERSION"`
	HTTPPort     int    `env:"HTTP_PORT"`
	LogLevel     string `env:"LOG_LEVEL"`

	DBConfig struct {
		DBHost     string `env:"DB_HOST"`
		DBPort     string `env:"DB_PORT"`
		DBUser     string `env:"DB_USER"`
		DBPassword string `env:"DB_PASSWORD"`
		DBName     string `env:"DB_NAME"`
		DBSSLMode  string `env:"DB_SSLMODE"`
	}
	MigrationsEnabled bool `env:"MIGRATIONS_ENABLED"`

	KafkaBrokerURL     string        `env:"KAFKA_BROKER_URL"`
	OutboxTopic        string        `env:"OUTBOX_TOPIC"`
	ConsumerTopic      string        `env:"CONSUMER_TOPIC"`
	ConsumerGroup      string        `env:"CONSUMER_GROUP"`
	ConsumerDLQTopic   string        `env:"CONSUMER_DLQ_TOPIC"`
	ConsumerBatchSize  int           `env:"CONSUMER_BATCH_SIZE"`
	ConsumerBatchWait  time.Duration `env:"CONSUMER_BATCH_WAIT_MS"`
	ConsumerStaleAfter time.Duration `env:"CONSUMER_STALE_AFTER_MS"`

	RedisConfig struct {
		Addr     string `env:"REDIS_ADDR"`
		Password string `env:"REDIS_PASSWORD"`
		DB       int    `env:"REDIS_DB"`
	}

	Outbox OutboxConfig

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
}

// OutboxConfig groups the knobs of the publishing pipeline.
type OutboxConfig struct {
	PendingBatchSize     int           `env:"PENDING_BATCH_SIZE"`
	StuckBatchSize       int           `env:"STUCK_BATCH_SIZE"`
	StuckThreshold       time.Duration `env:"STUCK_THRESHOLD_MS"`
	CleanupRetention     time.Duration `env:"CLEANUP_RETENTION_MS"`
	RetryAttempts        int           `env:"RETRY_ATTEMPTS"`
	PublisherConcurrency int           `env:"PUBLISHER_CONCURRENCY"`
	PendingScanInterval  time.Duration `env:"PENDING_SCAN_INTERVAL_MS"`
	PendingScanMaxAge    time.Duration `env:"PENDING_SCAN_MAX_AGE_MS"`
	StuckSweepInterval   time.Duration `env:"STUCK_SWEEP_INTERVAL_MS"`
	CleanupInterval      time.Duration `env:"CLEANUP_INTERVAL_MS"`
	ProcessedRetention   time.Duration `env:"PROCESSED_RETENTION_MS"`
	JobLockDuration      time.Duration `env:"JOB_LOCK_DURATION_MS"`
	RetryBackoffInitial  time.Duration `env:"RETRY_BACKOFF_INITIAL_MS"`
	RetryBackoffMax      time.Duration `env:"RETRY_BACKOFF_MAX_MS"`
}

// LoadEnvFile populates the process environment from a dotenv file. Variables
// that are already set win over the file.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.ServiceName = getEnvOrDefault("SERVICE_NAME", "orders-service")
	cfg.EventVersion = getEnvOrDefault("EVENT_VERSION", "1.0")
	cfg.HTTPPort = getEnvAsInt("HTTP_PORT", 8080)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DBConfig.DBHost = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DBConfig.DBPort = getEnvOrDefault("DB_PORT", "5432")
	cfg.DBConfig.DBUser = getEnvOrDefault("DB_USER", "postgres")
	cfg.DBConfig.DBPassword = getEnvOrDefault("DB_PASSWORD", "postgres")
	cfg.DBConfig.DBName = getEnvOrDefault("DB_NAME", "eventrelay")
	cfg.DBConfig.DBSSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
	cfg.MigrationsEnabled = getEnvAsBool("MIGRATIONS_ENABLED", true)

	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.OutboxTopic = getEnvOrDefault("OUTBOX_TOPIC", "order-events")
	cfg.ConsumerTopic = getEnvOrDefault("CONSUMER_TOPIC", cfg.OutboxTopic)
	cfg.ConsumerGroup = getEnvOrDefault("CONSUMER_GROUP", "payments-service-group")
	cfg.ConsumerDLQTopic = getEnvOrDefault("CONSUMER_DLQ_TOPIC", cfg.ConsumerTopic+".dlq")
	cfg.ConsumerBatchSize = getEnvAsInt("CONSUMER_BATCH_SIZE", 50)

	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.RedisConfig.DB = getEnvAsInt("REDIS_DB", 0)

	cfg.CORSAllowedOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"})

	o := &cfg.Outbox
	o.PendingBatchSize = getEnvAsInt("PENDING_BATCH_SIZE", 100)
	o.StuckBatchSize = getEnvAsInt("STUCK_BATCH_SIZE", 50)
	o.RetryAttempts = getEnvAsInt("RETRY_ATTEMPTS", 5)
	o.PublisherConcurrency = getEnvAsInt("PUBLISHER_CONCURRENCY", 5)

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"CONSUMER_BATCH_WAIT_MS", time.Second, &cfg.ConsumerBatchWait},
		{"CONSUMER_STALE_AFTER_MS", 2 * time.Minute, &cfg.ConsumerStaleAfter},
		{"STUCK_THRESHOLD_MS", 5 * time.Minute, &o.StuckThreshold},
		{"CLEANUP_RETENTION_MS", 7 * 24 * time.Hour, &o.CleanupRetention},
		{"PENDING_SCAN_INTERVAL_MS", 5 * time.Second, &o.PendingScanInterval},
		{"PENDING_SCAN_MAX_AGE_MS", 0, &o.PendingScanMaxAge},
		{"STUCK_SWEEP_INTERVAL_MS", time.Minute, &o.StuckSweepInterval},
		{"CLEANUP_INTERVAL_MS", time.Hour, &o.CleanupInterval},
		{"PROCESSED_RETENTION_MS", 0, &o.ProcessedRetention},
		{"JOB_LOCK_DURATION_MS", 30 * time.Second, &o.JobLockDuration},
		{"RETRY_BACKOFF_INITIAL_MS", time.Second, &o.RetryBackoffInitial},
		{"RETRY_BACKOFF_MAX_MS", 5 * time.Minute, &o.RetryBackoffMax},
	}
	for _, d := range durations {
		if *d.dest, err = getEnvAsMillis(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	positive := map[string]int{
		"PENDING_BATCH_SIZE":    c.Outbox.PendingBatchSize,
		"STUCK_BATCH_SIZE":      c.Outbox.StuckBatchSize,
		"RETRY_ATTEMPTS":        c.Outbox.RetryAttempts,
		"PUBLISHER_CONCURRENCY": c.Outbox.PublisherConcurrency,
		"CONSUMER_BATCH_SIZE":   c.ConsumerBatchSize,
	}
	for key, v := range positive {
		if v <= 0 {
			return fmt.Errorf("invalid %s: must be positive, got %d", key, v)
		}
	}
	if c.Outbox.StuckThreshold <= 0 {
		return fmt.Errorf("invalid STUCK_THRESHOLD_MS: must be positive")
	}
	if c.Outbox.PendingScanInterval <= 0 || c.Outbox.StuckSweepInterval <= 0 || c.Outbox.CleanupInterval <= 0 {
		return fmt.Errorf("invalid scheduler interval: intervals must be positive")
	}
	if c.Outbox.RetryBackoffMax < c.Outbox.RetryBackoffInitial {
		return fmt.Errorf("invalid RETRY_BACKOFF_MAX_MS: smaller than RETRY_BACKOFF_INITIAL_MS")
	}
	if c.OutboxTopic == "" || c.ConsumerTopic == "" {
		return fmt.Errorf("invalid topics: OUTBOX_TOPIC and CONSUMER_TOPIC are required")
	}
	return nil
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBConfig.DBHost, c.DBConfig.DBPort, c.DBConfig.DBUser, c.DBConfig.DBPassword, c.DBConfig.DBName, c.DBConfig.DBSSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBConfig.DBUser, c.DBConfig.DBPassword, c.DBConfig.DBHost, c.DBConfig.DBPort, c.DBConfig.DBName, c.DBConfig.DBSSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnvOrDefault(key, strconv.FormatBool(defaultValue))
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAsMillis reads a *_MS variable. A malformed or negative value is an
// error rather than a fallback to the default.
func getEnvAsMillis(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr, exists := os.LookupEnv(key)
	if !exists || valueStr == "" {
		return defaultValue, nil
	}
	ms, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid %s: %q is not a non-negative number of milliseconds", key, valueStr)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
