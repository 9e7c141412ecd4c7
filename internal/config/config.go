package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"identity-service/internal/util"
)

// Config holds the full service configuration, loaded from the
// environment (optionally seeded from a .env file).
type Config struct {
	Environment string

	Server     ServerConfig
	Logging    LoggingConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	Hashing    HashingConfig
	Token      TokenConfig
	Passcode   PasscodeConfig
	Google     GoogleConfig
	RateLimit  RateLimitConfig
	Bucketing  BucketingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CertFile     string
	KeyFile      string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	EmailTopic string
}

type ClickhouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	Username string
	Password string
}

type HashingConfig struct {
	Argon2MemoryKiB   int
	Argon2Iterations  int
	Argon2Parallelism int
}

type TokenConfig struct {
	SigningKey string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type PasscodeConfig struct {
	Digits    int
	TTL       time.Duration
	Retention time.Duration
}

type GoogleConfig struct {
	ClientID string
	JWKSURL  string
}

type RateLimitConfig struct {
	Window          time.Duration
	RegisterPerWin  int
	LoginPerWin     int
	ResetReqPerWin  int
}

type BucketingConfig struct {
	AccountBuckets int
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first when present (development convenience,
// never required).
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         util.GetEnv("SERVER_HOST", "0.0.0.0"),
			Port:         util.GetEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			CertFile:     util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:      util.GetEnv("SERVER_KEY_FILE", ""),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    util.GetEnvSlice("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "identity"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:    util.GetEnvBool("KAFKA_ENABLED", false),
			Brokers:    util.GetEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			EmailTopic: util.GetEnv("KAFKA_EMAIL_TOPIC", "identity.email-dispatch"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  util.GetEnvBool("CLICKHOUSE_ENABLED", false),
			Addr:     util.GetEnv("CLICKHOUSE_ADDR", "localhost:9000"),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "identity_audit"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryKiB:   util.GetEnvInt("ARGON2_MEMORY_KIB", 64*1024),
			Argon2Iterations:  util.GetEnvInt("ARGON2_ITERATIONS", 3),
			Argon2Parallelism: util.GetEnvInt("ARGON2_PARALLELISM", 2),
		},
		Token: TokenConfig{
			SigningKey: util.GetEnv("TOKEN_SIGNING_KEY", ""),
			Issuer:     util.GetEnv("TOKEN_ISSUER", "identity-service"),
			AccessTTL:  util.GetEnvDuration("TOKEN_ACCESS_TTL", 15*time.Minute),
			RefreshTTL: util.GetEnvDuration("TOKEN_REFRESH_TTL", 7*24*time.Hour),
		},
		Passcode: PasscodeConfig{
			Digits:    util.GetEnvInt("PASSCODE_DIGITS", 6),
			TTL:       util.GetEnvDuration("PASSCODE_TTL", 10*time.Minute),
			Retention: util.GetEnvDuration("PASSCODE_RETENTION", 24*time.Hour),
		},
		Google: GoogleConfig{
			ClientID: util.GetEnv("GOOGLE_CLIENT_ID", ""),
			JWKSURL:  util.GetEnv("GOOGLE_JWKS_URL", "https://www.googleapis.com/oauth2/v3/certs"),
		},
		RateLimit: RateLimitConfig{
			Window:         util.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			RegisterPerWin: util.GetEnvInt("RATE_LIMIT_REGISTER", 5),
			LoginPerWin:    util.GetEnvInt("RATE_LIMIT_LOGIN", 10),
			ResetReqPerWin: util.GetEnvInt("RATE_LIMIT_RESET_REQUEST", 5),
		},
		Bucketing: BucketingConfig{
			AccountBuckets: util.GetEnvInt("ACCOUNT_BUCKETS", 64),
		},
	}
}

// GetServerAddress returns host:port for the HTTP listener.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// TLSEnabled reports whether a certificate pair is configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.CertFile != "" && c.Server.KeyFile != ""
}
