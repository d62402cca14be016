package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Ramsey-B/sage/pkg/normalizers"
)

type Config struct {
	AppName                       string   `koanf:"app_name"`
	Version                       string   `koanf:"version"`
	Port                          int      `koanf:"port"`
	LogLevel                      string   `koanf:"log_level"`
	PrettyLogs                    bool     `koanf:"pretty_logs"`
	HttpServerWriteTimeoutSeconds int      `koanf:"http_server_write_timeout_seconds"`
	HttpServerReadTimeoutSeconds  int      `koanf:"http_server_read_timeout_seconds"`
	HttpServerIdleTimeoutSeconds  int      `koanf:"http_server_idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds      int      `koanf:"http_server_read_header_timeout_seconds"`
	MaxHeaderBytes                int      `koanf:"http_server_max_header_bytes"`
	AllowOrigins                  []string `koanf:"http_server_allow_origins"`
	StartupMaxAttempts            int      `koanf:"startup_max_attempts"`
	ShutdownTimeoutSeconds        int      `koanf:"shutdown_timeout_seconds"`

	// Tracing (OTLP export is off while the endpoint is empty)
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPProtocol string `koanf:"otlp_protocol"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`

	// PostgreSQL
	DatabaseHost                  string        `koanf:"db_host"`
	DatabasePort                  string        `koanf:"db_port"`
	DatabaseUserName              string        `koanf:"db_user_name"`
	DatabasePassword              string        `koanf:"db_password"`
	DatabaseName                  string        `koanf:"db_name"`
	DatabaseSSLMode               string        `koanf:"db_ssl_mode"`
	DatabaseMaxOpenConns          int           `koanf:"db_max_open_conns"`
	DatabaseMaxIdleConns          int           `koanf:"db_max_idle_conns"`
	DatabaseConnMaxLifetime       time.Duration `koanf:"db_conn_max_lifetime"`
	DatabaseMigrationFolderPath   string        `koanf:"db_migration_folder_path"`
	DatabaseMigrationVersion      uint          `koanf:"db_migration_version"`
	DatabaseMigrationForce        int           `koanf:"db_migration_force"`
	DatabaseMigrationAutoRollback bool          `koanf:"db_migration_auto_rollback"`
	DatabaseAutoMigrate           bool          `koanf:"db_auto_migrate"`

	// Redis (rebuild lock and checkpoints)
	RedisEnabled   bool   `koanf:"redis_enabled"`
	RedisHost      string `koanf:"redis_host"`
	RedisPort      int    `koanf:"redis_port"`
	RedisPassword  string `koanf:"redis_password"`
	RedisDB        int    `koanf:"redis_db"`
	RedisKeyPrefix string `koanf:"redis_key_prefix"`

	// Graph projection (Memgraph/Neo4j)
	GraphEnabled    bool   `koanf:"graph_enabled"`
	GraphDBHost     string `koanf:"graph_db_host"`
	GraphDBPort     int    `koanf:"graph_db_port"`
	GraphDBUser     string `koanf:"graph_db_user"`
	GraphDBPassword string `koanf:"graph_db_password"`

	// Kafka consumer (submission events)
	KafkaBrokers         []string `koanf:"kafka_brokers"`
	KafkaInputTopic      string   `koanf:"kafka_input_topic"`
	KafkaConsumerGroup   string   `koanf:"kafka_consumer_group"`
	KafkaConsumerEnabled bool     `koanf:"kafka_consumer_enabled"`

	// Kafka producer (profile events)
	KafkaProducerEnabled bool   `koanf:"kafka_producer_enabled"`
	KafkaOutputTopic     string `koanf:"kafka_output_topic"`
	KafkaBatchSize       int    `koanf:"kafka_batch_size"`
	KafkaBatchTimeoutMs  int    `koanf:"kafka_batch_timeout_ms"`
	KafkaRequiredAcks    int    `koanf:"kafka_required_acks"`
	KafkaCompression     string `koanf:"kafka_compression"`

	// Identity resolution
	PlaceholderName           string  `koanf:"placeholder_name"`
	PhoneNormalizer           string  `koanf:"phone_normalizer"`
	StrictEmailShape          bool    `koanf:"strict_email_shape"`
	NameSimilarityMode        string  `koanf:"name_similarity_mode"`
	DuplicateMinConfidence    int     `koanf:"duplicate_min_confidence"`
	DuplicateMinSubmissions   int     `koanf:"duplicate_min_submissions"`
	DuplicateLimit            int     `koanf:"duplicate_limit"`
	DuplicateMaxLimit         int     `koanf:"duplicate_max_limit"`
	DuplicateScanSize         int     `koanf:"duplicate_scan_size"`
	MergeConfidenceFloor      float64 `koanf:"merge_confidence_floor"`
	MergeConfidencePenalty    float64 `koanf:"merge_confidence_penalty"`
	RebuildPageSize           int     `koanf:"rebuild_page_size"`
	RebuildWriteBatchSize     int     `koanf:"rebuild_write_batch_size"`
	RebuildLockTTLSeconds     int     `koanf:"rebuild_lock_ttl_seconds"`
	ProfileListDefaultLimit   int     `koanf:"profile_list_default_limit"`
	ProfileListMaxLimit       int     `koanf:"profile_list_max_limit"`
	RecordIdentifierConflicts bool    `koanf:"record_identifier_conflicts"`
}

// New returns the default configuration.
func New() *Config {
	return &Config{
		AppName:                       "sage",
		Version:                       "dev",
		Port:                          3004,
		LogLevel:                      "info",
		HttpServerWriteTimeoutSeconds: 30,
		HttpServerReadTimeoutSeconds:  10,
		HttpServerIdleTimeoutSeconds:  60,
		ReadHeaderTimeoutSeconds:      10,
		MaxHeaderBytes:                64000,
		AllowOrigins:                  []string{"*"},
		StartupMaxAttempts:            5,
		ShutdownTimeoutSeconds:        15,

		OTLPProtocol: "grpc",
		OTLPInsecure: true,

		DatabaseHost:                  "localhost",
		DatabasePort:                  "5432",
		DatabaseName:                  "sage",
		DatabaseSSLMode:               "disable",
		DatabaseMaxOpenConns:          25,
		DatabaseMaxIdleConns:          10,
		DatabaseConnMaxLifetime:       5 * time.Minute,
		DatabaseMigrationFolderPath:   "db/pg",
		DatabaseMigrationAutoRollback: true,
		DatabaseAutoMigrate:           true,

		RedisHost:      "localhost",
		RedisPort:      6379,
		RedisKeyPrefix: "sage:",

		GraphDBHost: "localhost",
		GraphDBPort: 7687,

		KafkaBrokers:        []string{"localhost:9092"},
		KafkaInputTopic:     "submission-events",
		KafkaConsumerGroup:  "sage-profile-sync",
		KafkaOutputTopic:    "profile-events",
		KafkaBatchSize:      100,
		KafkaBatchTimeoutMs: 100,
		KafkaRequiredAcks:   1,
		KafkaCompression:    "snappy",

		PlaceholderName:           "Unknown",
		PhoneNormalizer:           "nphone",
		NameSimilarityMode:        "substring",
		DuplicateMinConfidence:    70,
		DuplicateMinSubmissions:   1,
		DuplicateLimit:            50,
		DuplicateMaxLimit:         100,
		DuplicateScanSize:         500,
		MergeConfidenceFloor:      50,
		MergeConfidencePenalty:    5,
		RebuildPageSize:           500,
		RebuildWriteBatchSize:     200,
		RebuildLockTTLSeconds:     300,
		ProfileListDefaultLimit:   20,
		ProfileListMaxLimit:       100,
		RecordIdentifierConflicts: true,
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DatabaseHost == "" {
		errs = append(errs, errors.New("db_host must not be empty"))
	}
	if c.DuplicateMinConfidence < 0 || c.DuplicateMinConfidence > 100 {
		errs = append(errs, fmt.Errorf("duplicate_min_confidence %d must be within [0,100]", c.DuplicateMinConfidence))
	}
	if c.DuplicateMinSubmissions < 0 {
		errs = append(errs, errors.New("duplicate_min_submissions must not be negative"))
	}
	if c.DuplicateMaxLimit <= 0 || c.DuplicateLimit <= 0 || c.DuplicateLimit > c.DuplicateMaxLimit {
		errs = append(errs, fmt.Errorf("duplicate_limit %d must be within [1,%d]", c.DuplicateLimit, c.DuplicateMaxLimit))
	}
	if c.DuplicateScanSize <= 0 {
		errs = append(errs, errors.New("duplicate_scan_size must be positive"))
	}
	if c.MergeConfidenceFloor < 0 || c.MergeConfidenceFloor > 100 {
		errs = append(errs, errors.New("merge_confidence_floor must be within [0,100]"))
	}
	if c.MergeConfidencePenalty < 0 {
		errs = append(errs, errors.New("merge_confidence_penalty must not be negative"))
	}
	if c.RebuildPageSize <= 0 || c.RebuildWriteBatchSize <= 0 {
		errs = append(errs, errors.New("rebuild page and batch sizes must be positive"))
	}
	if c.ProfileListDefaultLimit <= 0 || c.ProfileListDefaultLimit > c.ProfileListMaxLimit {
		errs = append(errs, fmt.Errorf("profile_list_default_limit %d must be within [1,%d]", c.ProfileListDefaultLimit, c.ProfileListMaxLimit))
	}
	switch c.NameSimilarityMode {
	case "substring", "jaro_winkler":
	default:
		errs = append(errs, fmt.Errorf("unknown name_similarity_mode %q", c.NameSimilarityMode))
	}
	if _, ok := normalizers.Get(c.PhoneNormalizer); !ok {
		errs = append(errs, fmt.Errorf("unknown phone_normalizer %q", c.PhoneNormalizer))
	}
	if c.OTLPProtocol != "grpc" && c.OTLPProtocol != "http" {
		errs = append(errs, fmt.Errorf("unknown otlp_protocol %q", c.OTLPProtocol))
	}
	if c.KafkaConsumerEnabled && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("kafka_brokers required when the consumer is enabled"))
	}

	return errors.Join(errs...)
}

func (c *Config) HTTPWriteTimeout() time.Duration {
	return time.Duration(c.HttpServerWriteTimeoutSeconds) * time.Second
}

func (c *Config) HTTPReadTimeout() time.Duration {
	return time.Duration(c.HttpServerReadTimeoutSeconds) * time.Second
}

func (c *Config) HTTPIdleTimeout() time.Duration {
	return time.Duration(c.HttpServerIdleTimeoutSeconds) * time.Second
}

func (c *Config) HTTPReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}

func (c *Config) KafkaBatchTimeout() time.Duration {
	return time.Duration(c.KafkaBatchTimeoutMs) * time.Millisecond
}

func (c *Config) RebuildLockTTL() time.Duration {
	return time.Duration(c.RebuildLockTTLSeconds) * time.Second
}
