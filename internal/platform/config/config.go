// Package config loads the environment configuration and the declarative
// profile document that drives scoring and digests.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process environment configuration. Immutable once loaded.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"local"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ConfigPath string `env:"CONFIG_PATH" envDefault:"./sentinel.yaml"`

	DBURI string `env:"DB_URI,required"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisStream   string `env:"REDIS_STREAM" envDefault:"tgsentinel:messages"`
	RedisGroup    string `env:"REDIS_GROUP" envDefault:"tgsentinel"`
	RedisConsumer string `env:"REDIS_CONSUMER" envDefault:"worker-1"`

	TGSessionPath string `env:"TG_SESSION_PATH" envDefault:"./tg.session"`
	BotToken      string `env:"BOT_TOKEN"`
	AdminToken    string `env:"ADMIN_TOKEN"`

	EmbeddingsModel     string  `env:"EMBEDDINGS_MODEL"`
	EmbeddingsAPIKey    string  `env:"EMBEDDINGS_API_KEY"`
	SimilarityThreshold float32 `env:"SIMILARITY_THRESHOLD" envDefault:"0.7"`

	AlertMode           string `env:"ALERT_MODE" envDefault:"dm"`
	AlertChannel        string `env:"ALERT_CHANNEL"`
	NotificationChannel string `env:"NOTIFICATION_CHANNEL"`

	HourlyDigest bool `env:"HOURLY_DIGEST" envDefault:"false"`
	DailyDigest  bool `env:"DAILY_DIGEST" envDefault:"true"`
	DigestTopN   int  `env:"DIGEST_TOP_N" envDefault:"10"`

	SchedulerTickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" envDefault:"30s"`

	StreamMaxLen       int64         `env:"STREAM_MAX_LEN" envDefault:"10000"`
	StreamBlock        time.Duration `env:"STREAM_BLOCK" envDefault:"5s"`
	StreamBatch        int64         `env:"STREAM_BATCH" envDefault:"16"`
	StreamClaimMinIdle time.Duration `env:"STREAM_CLAIM_MIN_IDLE" envDefault:"5m"`

	ReactionThreshold int `env:"REACTION_THRESHOLD" envDefault:"5"`
	ReplyThreshold    int `env:"REPLY_THRESHOLD" envDefault:"3"`

	RetentionDays            int `env:"RETENTION_DAYS" envDefault:"30"`
	RetentionAlertMultiplier int `env:"RETENTION_ALERT_MULTIPLIER" envDefault:"2"`
	MaxMessages              int `env:"MAX_MESSAGES" envDefault:"50000"`

	HealthPort   int `env:"HEALTH_PORT" envDefault:"8080"`
	RateLimitRPS int `env:"RATE_LIMIT_RPS" envDefault:"1"`

	DBMaxConnections    int32         `env:"DB_MAX_CONNECTIONS" envDefault:"8"`
	DBMinConnections    int32         `env:"DB_MIN_CONNECTIONS" envDefault:"1"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"30s"`
}

// RedisAddr returns the host:port address of the coordination store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// SemanticEnabled reports whether the embedding backend is configured.
// An unset EMBEDDINGS_MODEL disables semantic scoring entirely.
func (c *Config) SemanticEnabled() bool {
	return c.EmbeddingsModel != ""
}

// Load reads the environment configuration. A .env file is optional.
func Load() (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}

	return cfg, nil
}
