package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime settings resolved from the environment.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	HTTPListenAddr string
	PublicBasePath string
	AdminToken     string

	DatabaseDriver string
	DatabaseURL    string
	SQLitePath     string
	DBSchema       string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	MetricsNamespace string

	EvolutionAPIURL        string
	EvolutionAPIKey        string
	EvolutionTimeout       time.Duration
	EvolutionRequireConfig bool

	FacebookAppID       string
	FacebookAppSecret   string
	FacebookVerifyToken string
	FacebookGraphURL    string
	FacebookTimeout     time.Duration

	WebhookSharedSecret    string
	WebhookDeferProcessing bool

	QueuePollInterval time.Duration
	QueueBatchSize    int
	QueueMaxAttempts  int
	QueueClaimTimeout time.Duration

	LogRetention      time.Duration
	RetentionInterval time.Duration

	PresenceInterval time.Duration
	PresenceRefresh  time.Duration

	TaskCacheTTL time.Duration
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("HTTP_LISTEN_ADDR", ":8080")
	v.SetDefault("DATABASE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "data/leadhub.db")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("METRICS_NAMESPACE", "leadhub")
	v.SetDefault("EVOLUTION_TIMEOUT", 15*time.Second)
	v.SetDefault("FACEBOOK_GRAPH_URL", "https://graph.facebook.com/v19.0")
	v.SetDefault("FACEBOOK_TIMEOUT", 15*time.Second)
	v.SetDefault("QUEUE_POLL_INTERVAL", 30*time.Second)
	v.SetDefault("QUEUE_BATCH_SIZE", 10)
	v.SetDefault("QUEUE_MAX_ATTEMPTS", 3)
	v.SetDefault("QUEUE_CLAIM_TIMEOUT", 10*time.Minute)
	v.SetDefault("LOG_RETENTION", 72*time.Hour)
	v.SetDefault("RETENTION_INTERVAL", time.Hour)
	v.SetDefault("PRESENCE_INTERVAL", 2*time.Second)
	v.SetDefault("PRESENCE_REFRESH", 30*time.Second)
	v.SetDefault("TASK_CACHE_TTL", 30*time.Second)
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		AppEnv:    v.GetString("APP_ENV"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		HTTPListenAddr: v.GetString("HTTP_LISTEN_ADDR"),
		PublicBasePath: v.GetString("PUBLIC_BASE_PATH"),
		AdminToken:     v.GetString("ADMIN_TOKEN"),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(v.GetString("DATABASE_DRIVER"))),
		DatabaseURL:    v.GetString("DATABASE_URL"),
		SQLitePath:     v.GetString("SQLITE_PATH"),
		DBSchema:       v.GetString("DB_SCHEMA"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisTLS:      v.GetBool("REDIS_TLS"),

		MetricsNamespace: v.GetString("METRICS_NAMESPACE"),

		EvolutionAPIURL:        strings.TrimRight(v.GetString("EVOLUTION_API_URL"), "/"),
		EvolutionAPIKey:        v.GetString("EVOLUTION_API_KEY"),
		EvolutionTimeout:       v.GetDuration("EVOLUTION_TIMEOUT"),
		EvolutionRequireConfig: v.GetBool("EVOLUTION_REQUIRE_CONFIG"),

		FacebookAppID:       v.GetString("FACEBOOK_APP_ID"),
		FacebookAppSecret:   v.GetString("FACEBOOK_APP_SECRET"),
		FacebookVerifyToken: v.GetString("FACEBOOK_VERIFY_TOKEN"),
		FacebookGraphURL:    strings.TrimRight(v.GetString("FACEBOOK_GRAPH_URL"), "/"),
		FacebookTimeout:     v.GetDuration("FACEBOOK_TIMEOUT"),

		WebhookSharedSecret:    v.GetString("WEBHOOK_SHARED_SECRET"),
		WebhookDeferProcessing: v.GetBool("WEBHOOK_DEFER_PROCESSING"),

		QueuePollInterval: v.GetDuration("QUEUE_POLL_INTERVAL"),
		QueueBatchSize:    v.GetInt("QUEUE_BATCH_SIZE"),
		QueueMaxAttempts:  v.GetInt("QUEUE_MAX_ATTEMPTS"),
		QueueClaimTimeout: v.GetDuration("QUEUE_CLAIM_TIMEOUT"),

		LogRetention:      v.GetDuration("LOG_RETENTION"),
		RetentionInterval: v.GetDuration("RETENTION_INTERVAL"),

		PresenceInterval: v.GetDuration("PRESENCE_INTERVAL"),
		PresenceRefresh:  v.GetDuration("PRESENCE_REFRESH"),

		TaskCacheTTL: v.GetDuration("TASK_CACHE_TTL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.QueueBatchSize <= 0 {
		return fmt.Errorf("QUEUE_BATCH_SIZE must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive")
	}
	return nil
}
