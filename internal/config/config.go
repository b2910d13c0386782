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
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Auth          AuthConfig
	Detection     DetectionConfig
	Audit         AuditConfig
	Crypto        CryptoConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Scylla        ScyllaConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// AuthConfig carries the lockout and session lifetime tunables.
type AuthConfig struct {
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	TokenBytes       int // entropy per token; 32 bytes = 256 bits
}

// DetectionConfig carries the threat heuristics. Thresholds and windows are
// configuration, never hard constants.
type DetectionConfig struct {
	Interval              time.Duration
	BruteForceWindow      time.Duration
	BruteForceThreshold   int
	MaxSessionsPerUser    int
	UnauthorizedWindow    time.Duration
	UnauthorizedThreshold int
}

type AuditConfig struct {
	Retention     time.Duration
	EventCapacity int
	AuditCapacity int
}

type CryptoConfig struct {
	KMSEnabled bool
	KMSKeyID   string
	// MasterKey is the base64 raw key used when KMS is disabled; empty means
	// generate a fresh key at startup (sessions do not survive restarts anyway).
	MasterKey string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ScyllaConfig struct {
	Enabled  bool
	Hosts    []string
	Keyspace string
}

type BucketingConfig struct {
	EventBuckets int
}

// LoadConfig reads configuration from the environment, with an optional .env
// file for local development.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8443),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Auth: AuthConfig{
			MaxLoginAttempts: getEnvInt("AUTH_MAX_LOGIN_ATTEMPTS", 5),
			LockoutDuration:  getEnvDuration("AUTH_LOCKOUT_DURATION", 15*time.Minute),
			AccessTokenTTL:   getEnvDuration("AUTH_ACCESS_TOKEN_TTL", time.Hour),
			RefreshTokenTTL:  getEnvDuration("AUTH_REFRESH_TOKEN_TTL", 7*24*time.Hour),
			TokenBytes:       getEnvInt("AUTH_TOKEN_BYTES", 32),
		},
		Detection: DetectionConfig{
			Interval:              getEnvDuration("DETECTION_INTERVAL", time.Minute),
			BruteForceWindow:      getEnvDuration("DETECTION_BRUTE_FORCE_WINDOW", 5*time.Minute),
			BruteForceThreshold:   getEnvInt("DETECTION_BRUTE_FORCE_THRESHOLD", 10),
			MaxSessionsPerUser:    getEnvInt("DETECTION_MAX_SESSIONS_PER_USER", 5),
			UnauthorizedWindow:    getEnvDuration("DETECTION_UNAUTHORIZED_WINDOW", 10*time.Minute),
			UnauthorizedThreshold: getEnvInt("DETECTION_UNAUTHORIZED_THRESHOLD", 20),
		},
		Audit: AuditConfig{
			Retention:     getEnvDuration("AUDIT_RETENTION", 30*24*time.Hour),
			EventCapacity: getEnvInt("AUDIT_EVENT_CAPACITY", 100000),
			AuditCapacity: getEnvInt("AUDIT_ENTRY_CAPACITY", 100000),
		},
		Crypto: CryptoConfig{
			KMSEnabled: getEnvBool("KMS_ENABLED", false),
			KMSKeyID:   getEnv("KMS_KEY_ID", ""),
			MasterKey:  getEnv("CRYPTO_MASTER_KEY", ""),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getEnv("KAFKA_SECURITY_EVENTS_TOPIC", "security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "security"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:        getEnv("ELASTICSEARCH_URL", "https://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", "elastic"),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "audit-logs"),
		},
		Scylla: ScyllaConfig{
			Enabled:  getEnvBool("SCYLLA_ENABLED", false),
			Hosts:    getEnvList("SCYLLA_HOSTS", "localhost:9042"),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "security_engine"),
		},
		Bucketing: BucketingConfig{
			EventBuckets: getEnvInt("EVENT_BUCKETS", 64),
		},
	}
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
