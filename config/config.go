package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Ramsey-B/linker/pkg/candidates"
	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/features"
	"github.com/Ramsey-B/linker/pkg/graph"
	"github.com/Ramsey-B/linker/pkg/kafka"
	"github.com/Ramsey-B/linker/pkg/linking"
	"github.com/Ramsey-B/linker/pkg/redis"
	"github.com/Ramsey-B/linker/pkg/scoring"
	"github.com/Ramsey-B/linker/pkg/tracing/exporters"
)

type Config struct {
	AppName                       string   `envconfig:"APP_NAME" default:"linker"`
	Version                       string   `envconfig:"APP_VERSION" default:"dev"`
	Port                          int      `envconfig:"PORT" default:"3004"`
	LogLevel                      string   `envconfig:"LOG_LEVEL" default:"info"`
	PrettyLogs                    bool     `envconfig:"PRETTY_LOGS" default:"false"`
	HttpServerWriteTimeoutSeconds int      `envconfig:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" default:"10"`
	HttpServerReadTimeoutSeconds  int      `envconfig:"HTTP_SERVER_READ_TIMEOUT_SECONDS" default:"10"`
	HttpServerIdleTimeoutSeconds  int      `envconfig:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" default:"10"`
	MaxHeaderBytes                int      `envconfig:"HTTP_SERVER_MAX_HEADER_BYTES" default:"64000"` // 64KB
	AllowOrigins                  []string `envconfig:"HTTP_SERVER_ALLOW_ORIGINS" default:"*"`
	StartupMaxAttempts            int      `envconfig:"STARTUP_MAX_ATTEMPTS" default:"5"`

	// PostgreSQL
	DatabaseHost             string        `envconfig:"DB_HOST" default:"localhost"`
	DatabasePort             int           `envconfig:"DB_PORT" default:"5432"`
	DatabaseUserName         string        `envconfig:"DB_USER_NAME" default:""`
	DatabasePassword         string        `envconfig:"DB_PASSWORD" default:""`
	DatabaseName             string        `envconfig:"DB_NAME" default:"linker"`
	DatabaseSSLMode          string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DatabaseMaxOpenConns     int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	DatabaseMaxIdleConns     int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	DatabaseConnMaxLifetime  time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"10s"`
	DatabaseMigrationVersion uint          `envconfig:"DB_MIGRATION_VERSION" default:"0"`
	DatabaseMigrationForce   int           `envconfig:"DB_MIGRATION_FORCE" default:"0"`

	// Redis
	RedisEnabled  bool   `envconfig:"REDIS_ENABLED" default:"true"`
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisDLQName  string `envconfig:"REDIS_DLQ_STREAM" default:"linker:dlq"`

	// Graph Database (Memgraph/Neo4j)
	GraphDBEnabled  bool   `envconfig:"GRAPH_DB_ENABLED" default:"false"`
	GraphDBHost     string `envconfig:"GRAPH_DB_HOST" default:"localhost"`
	GraphDBPort     int    `envconfig:"GRAPH_DB_PORT" default:"7687"`
	GraphDBUser     string `envconfig:"GRAPH_DB_USER" default:""`
	GraphDBPassword string `envconfig:"GRAPH_DB_PASSWORD" default:""`

	// Auth
	AuthEnabled   bool   `envconfig:"AUTH_ENABLED" default:"false"`
	AuthIssuerURL string `envconfig:"AUTH_ISSUER_URL" default:""`
	AuthClientID  string `envconfig:"AUTH_CLIENT_ID" default:""`

	// Kafka
	KafkaBrokers         []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaInputTopic      string   `envconfig:"KAFKA_INPUT_TOPIC" default:"entity-writes"`
	KafkaConsumerGroup   string   `envconfig:"KAFKA_CONSUMER_GROUP" default:"linker-ingest"`
	KafkaConsumerEnabled bool     `envconfig:"KAFKA_CONSUMER_ENABLED" default:"true"`
	KafkaOutputTopic     string   `envconfig:"KAFKA_OUTPUT_TOPIC" default:"cluster-events"`
	KafkaProducerEnabled bool     `envconfig:"KAFKA_PRODUCER_ENABLED" default:"true"`
	KafkaBatchSize       int      `envconfig:"KAFKA_BATCH_SIZE" default:"100"`
	KafkaBatchTimeout    int      `envconfig:"KAFKA_BATCH_TIMEOUT_MS" default:"100"`
	KafkaRequiredAcks    int      `envconfig:"KAFKA_REQUIRED_ACKS" default:"1"`
	KafkaCompression     string   `envconfig:"KAFKA_COMPRESSION" default:"snappy"`

	// Tracing
	OTLPEnabled  bool   `envconfig:"OTLP_ENABLED" default:"false"`
	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT" default:"localhost:4317"`
	OTLPProtocol string `envconfig:"OTLP_PROTOCOL" default:"grpc"`
	OTLPInsecure bool   `envconfig:"OTLP_INSECURE" default:"true"`

	// Linking
	LinkingBackgroundEnabled bool          `envconfig:"LINKING_BACKGROUND_ENABLED" default:"true"`
	LinkingParallelism       int           `envconfig:"LINKING_PARALLELISM" default:"4"`
	LinkingLoadSize          int           `envconfig:"LINKING_LOAD_SIZE" default:"100"`
	LinkingLeaseTTL          time.Duration `envconfig:"LINKING_LEASE_TTL" default:"120s"`
	LinkingLeaseBackend      string        `envconfig:"LINKING_LEASE_BACKEND" default:"redis"`
	LinkingQueueBackend      string        `envconfig:"LINKING_QUEUE_BACKEND" default:"redis"`
	LinkingQueueKey          string        `envconfig:"LINKING_QUEUE_KEY" default:"linker:candidates"`
	LinkingIdleInterval      time.Duration `envconfig:"LINKING_IDLE_INTERVAL" default:"1s"`
	LinkingHeartbeatMaxAge   time.Duration `envconfig:"LINKING_HEARTBEAT_MAX_AGE" default:"2m"`
	LinkingEntityTypes       []uuid.UUID   `envconfig:"LINKING_ENTITY_TYPES" default:""`
	LinkingWhitelist         []uuid.UUID   `envconfig:"LINKING_WHITELIST" default:""`
	LinkingBlacklist         []uuid.UUID   `envconfig:"LINKING_BLACKLIST" default:""`
	LinkingMinimumScore      float64       `envconfig:"LINKING_MINIMUM_SCORE" default:"0.75"`
	LinkingInitThreshold     float64       `envconfig:"LINKING_INIT_THRESHOLD" default:"0.9"`
	LinkingBlockSize         int           `envconfig:"LINKING_BLOCK_SIZE" default:"50"`
	LinkingModelPath         string        `envconfig:"LINKING_MODEL_PATH" default:""`
	LinkingScorerFallback    string        `envconfig:"LINKING_SCORER_FALLBACK" default:"match"`

	// Features
	FeatureSchemaPath string            `envconfig:"FEATURE_SCHEMA_PATH" default:""`
	PersonPropertyIDs map[string]string `envconfig:"PERSON_PROPERTY_IDS" default:""`
}

// Load applies an optional .env file and reads the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.LinkingLeaseBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("LINKING_LEASE_BACKEND must be redis or memory, got %q", c.LinkingLeaseBackend)
	}
	switch c.LinkingQueueBackend {
	case "redis", "channel":
	default:
		return fmt.Errorf("LINKING_QUEUE_BACKEND must be redis or channel, got %q", c.LinkingQueueBackend)
	}
	switch scoring.FallbackPolicy(c.LinkingScorerFallback) {
	case scoring.FallbackMatch, scoring.FallbackReject:
	default:
		return fmt.Errorf("LINKING_SCORER_FALLBACK must be match or reject, got %q", c.LinkingScorerFallback)
	}
	if !c.RedisEnabled && (c.LinkingLeaseBackend == "redis" || c.LinkingQueueBackend == "redis") {
		return errors.New("redis lease or queue backends need REDIS_ENABLED=true")
	}
	if c.AuthEnabled && (c.AuthIssuerURL == "" || c.AuthClientID == "") {
		return errors.New("AUTH_ENABLED needs AUTH_ISSUER_URL and AUTH_CLIENT_ID")
	}
	if c.LinkingMinimumScore <= 0 || c.LinkingMinimumScore >= 1 {
		return fmt.Errorf("LINKING_MINIMUM_SCORE must be in (0, 1), got %v", c.LinkingMinimumScore)
	}
	return nil
}

func (c *Config) Database() database.Config {
	return database.Config{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration() database.MigrationConfig {
	return database.MigrationConfig{
		Version: c.DatabaseMigrationVersion,
		Force:   c.DatabaseMigrationForce,
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

func (c *Config) Graph() graph.Config {
	return graph.Config{
		Host:     c.GraphDBHost,
		Port:     c.GraphDBPort,
		Username: c.GraphDBUser,
		Password: c.GraphDBPassword,
	}
}

func (c *Config) Producer() kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      c.KafkaBrokers,
		Topic:        c.KafkaOutputTopic,
		BatchSize:    c.KafkaBatchSize,
		BatchTimeout: time.Duration(c.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: c.KafkaRequiredAcks,
		Compression:  c.KafkaCompression,
	}
}

func (c *Config) Consumer() kafka.ConsumerConfig {
	return kafka.ConsumerConfig{
		Brokers:       c.KafkaBrokers,
		Topic:         c.KafkaInputTopic,
		ConsumerGroup: c.KafkaConsumerGroup,
	}
}

func (c *Config) OTLP() exporters.OTLPConfig {
	return exporters.OTLPConfig{
		Endpoint: c.OTLPEndpoint,
		Protocol: c.OTLPProtocol,
		Insecure: c.OTLPInsecure,
	}
}

// Engine projects the linking thresholds.
func (c *Config) Engine() linking.Config {
	return linking.Config{MinimumScore: c.LinkingMinimumScore}
}

// Service projects the background worker settings.
func (c *Config) Service() linking.ServiceConfig {
	cfg := linking.DefaultServiceConfig()
	cfg.Enabled = c.LinkingBackgroundEnabled
	cfg.Parallelism = c.LinkingParallelism
	return cfg
}

// Discovery projects the candidate source settings.
func (c *Config) Discovery() candidates.Config {
	cfg := candidates.DefaultConfig()
	cfg.LinkableTypes = c.LinkingEntityTypes
	cfg.Whitelist = c.LinkingWhitelist
	cfg.Blacklist = c.LinkingBlacklist
	cfg.LoadSize = c.LinkingLoadSize
	cfg.IdleInterval = c.LinkingIdleInterval
	return cfg
}

// FeatureSchema loads FEATURE_SCHEMA_PATH, or builds the person schema from PERSON_PROPERTY_IDS.
func (c *Config) FeatureSchema() (*features.Schema, error) {
	if c.FeatureSchemaPath != "" {
		return features.LoadSchema(c.FeatureSchemaPath)
	}

	ids := make(map[string]uuid.UUID, len(c.PersonPropertyIDs))
	for name, raw := range c.PersonPropertyIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("PERSON_PROPERTY_IDS: invalid id for %s: %w", name, err)
		}
		ids[name] = id
	}
	schema := features.PersonSchema(ids)
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("no usable feature schema, set FEATURE_SCHEMA_PATH or PERSON_PROPERTY_IDS: %w", err)
	}
	return schema, nil
}
