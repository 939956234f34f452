package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the engine
type Config struct {
	Server  ServerConfig
	Neo4j   DatabaseConfig
	Redis   RedisConfig
	Storage StorageConfig
	Kafka   KafkaConfig
	Logger  LoggingConfig
	Engine  EngineConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string
	Port         string
	Version      string
	Environment  string
	ReadTimeout  int
	WriteTimeout int
	IdleTimeout  int
}

// DatabaseConfig holds Neo4j database configuration
type DatabaseConfig struct {
	URI      string
	Username string
	Password string
	Database string
	MaxConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// StorageConfig holds S3/MinIO blob store configuration
type StorageConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string
	UseSSL          bool
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	TopicPrefix string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// EngineConfig holds orchestration engine tunables.
//
// AddressSecret keys the content HMAC: a leaked address must not let an
// outsider test whether a document was ever processed, so the address
// derivation never uses a plain hash.
type EngineConfig struct {
	AddressSecret      string
	AlgorithmVersion   int
	WorkerCount        int
	PhaseFanoutLimit   int
	UnitRetryBudget    int
	UnitTimeout        time.Duration
	RetryBackoffBase   time.Duration
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	SweepInterval      time.Duration
	LockTTL            time.Duration
	LockWaitTimeout    time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("HOST", "0.0.0.0"),
			Port:         getEnv("PORT", "8080"),
			Version:      getEnv("VERSION", "0.1.0"),
			Environment:  getEnv("ENGINE_ENV", "development"),
			ReadTimeout:  getEnvInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvInt("WRITE_TIMEOUT", 10),
			IdleTimeout:  getEnvInt("IDLE_TIMEOUT", 60),
		},
		Neo4j: DatabaseConfig{
			URI:      getEnv("NEO4J_URI", "bolt://localhost:7687"),
			Username: getEnv("NEO4J_USERNAME", "neo4j"),
			Password: getEnv("NEO4J_PASSWORD", "password"),
			Database: getEnv("NEO4J_DATABASE", "clausewise"),
			MaxConns: getEnvInt("NEO4J_MAX_CONNS", 50),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Storage: StorageConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("S3_BUCKET", "clausewise-artifacts"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			UseSSL:          getEnvBool("S3_USE_SSL", true),
		},
		Kafka: KafkaConfig{
			Enabled:     getEnvBool("KAFKA_ENABLED", false),
			Brokers:     getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", "clausewise"),
		},
		Logger: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Engine: EngineConfig{
			AddressSecret:      getEnv("ADDRESS_HMAC_SECRET", ""),
			AlgorithmVersion:   getEnvInt("ALGORITHM_VERSION", 3),
			WorkerCount:        getEnvInt("WORKER_COUNT", 4),
			PhaseFanoutLimit:   getEnvInt("PHASE_FANOUT_LIMIT", 8),
			UnitRetryBudget:    getEnvInt("UNIT_RETRY_BUDGET", 3),
			UnitTimeout:        getEnvDuration("UNIT_TIMEOUT", 120*time.Second),
			RetryBackoffBase:   getEnvDuration("RETRY_BACKOFF_BASE", 500*time.Millisecond),
			HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL", 15*time.Second),
			StalenessThreshold: getEnvDuration("STALENESS_THRESHOLD", 5*time.Minute),
			SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
			LockTTL:            getEnvDuration("COMPUTE_LOCK_TTL", 10*time.Minute),
			LockWaitTimeout:    getEnvDuration("COMPUTE_LOCK_WAIT", 5*time.Minute),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Neo4j.Password == "" {
		return fmt.Errorf("NEO4J_PASSWORD is required")
	}

	if c.Engine.AddressSecret == "" {
		return fmt.Errorf("ADDRESS_HMAC_SECRET is required")
	}

	if c.Engine.AlgorithmVersion < 1 {
		return fmt.Errorf("ALGORITHM_VERSION must be >= 1")
	}

	if c.Engine.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be >= 1")
	}

	if c.Engine.PhaseFanoutLimit < 1 {
		return fmt.Errorf("PHASE_FANOUT_LIMIT must be >= 1")
	}

	if c.Engine.StalenessThreshold <= c.Engine.HeartbeatInterval {
		return fmt.Errorf("STALENESS_THRESHOLD must exceed HEARTBEAT_INTERVAL")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker is required when Kafka is enabled")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}

// Helper functions for environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
