// Package config loads the coordinator's runtime configuration via
// spf13/viper, grounded on the teacher's config-layer conventions: a single
// typed Config struct populated from file + environment + defaults, never
// read piecemeal from viper.Get* calls scattered through the codebase.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache mirrors spec.md §6's cache.* options.
type Cache struct {
	MaxSize                   int           `mapstructure:"max_size"`
	DefaultTTLSeconds         int           `mapstructure:"default_ttl_seconds"`
	AutoCleanupIntervalSeconds int          `mapstructure:"auto_cleanup_interval_seconds"`
}

func (c Cache) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c Cache) AutoCleanupInterval() time.Duration {
	return time.Duration(c.AutoCleanupIntervalSeconds) * time.Second
}

// Streaming mirrors spec.md §6's streaming.* options.
type Streaming struct {
	ChunkSizeBytes         int     `mapstructure:"chunk_size_bytes"`
	MaxAttemptsPerChunk    int     `mapstructure:"max_attempts_per_chunk"`
	BackoffInitialSeconds  float64 `mapstructure:"backoff_initial_seconds"`
	BackoffMultiplier      float64 `mapstructure:"backoff_multiplier"`
}

func (s Streaming) BackoffInitial() time.Duration {
	return time.Duration(s.BackoffInitialSeconds * float64(time.Second))
}

// StepRetryPolicy mirrors spec.md §6's saga.step_retry_policy.
type StepRetryPolicy struct {
	Attempts          int     `mapstructure:"attempts"`
	InitialDelaySeconds float64 `mapstructure:"initial_delay_seconds"`
	Multiplier        float64 `mapstructure:"multiplier"`
	JitterFraction    float64 `mapstructure:"jitter_fraction"`
}

func (r StepRetryPolicy) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelaySeconds * float64(time.Second))
}

// Saga mirrors spec.md §6's saga.* options.
type Saga struct {
	StepRetryPolicy    StepRetryPolicy `mapstructure:"step_retry_policy"`
	DeadlineSeconds    int             `mapstructure:"deadline_seconds"` // 0 means unbounded
	DurableLogPath     string          `mapstructure:"durable_log_path"` // empty means in-memory, crash recovery disabled
}

func (s Saga) Deadline() time.Duration {
	return time.Duration(s.DeadlineSeconds) * time.Second
}

// Adapters holds per-backend connection settings, the DOMAIN STACK section
// of SPEC_FULL.md.
type Adapters struct {
	PostgresDSN    string `mapstructure:"postgres_dsn"`
	CouchDBDSN     string `mapstructure:"couchdb_dsn"`
	CouchDBName    string `mapstructure:"couchdb_database"`
	S3Bucket       string `mapstructure:"s3_bucket"`
	S3Region       string `mapstructure:"s3_region"`
	Neo4jURI       string `mapstructure:"neo4j_uri"`
	Neo4jUsername  string `mapstructure:"neo4j_username"`
	Neo4jPassword  string `mapstructure:"neo4j_password"`
	VectorStorePath string `mapstructure:"vectorstore_path"`
	VectorDimensions int   `mapstructure:"vector_dimensions"`
	RedisAddr      string `mapstructure:"redis_addr"`
	AMQPURL        string `mapstructure:"amqp_url"`
	AMQPExchange   string `mapstructure:"amqp_exchange"`
}

// Config is the coordinator's complete runtime configuration.
type Config struct {
	Cache     Cache     `mapstructure:"cache"`
	Streaming Streaming `mapstructure:"streaming"`
	Saga      Saga      `mapstructure:"saga"`
	Adapters  Adapters  `mapstructure:"adapters"`
	LogLevel  string    `mapstructure:"log_level"`
}

// Load reads configuration from configPath (if non-empty), environment
// variables prefixed COORDINATOR_, and the defaults below. Environment
// variables override the file, and the file overrides the defaults.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.default_ttl_seconds", 300)
	v.SetDefault("cache.auto_cleanup_interval_seconds", 60)

	v.SetDefault("streaming.chunk_size_bytes", 8*1024*1024)
	v.SetDefault("streaming.max_attempts_per_chunk", 3)
	v.SetDefault("streaming.backoff_initial_seconds", 1.0)
	v.SetDefault("streaming.backoff_multiplier", 2.0)

	v.SetDefault("saga.step_retry_policy.attempts", 3)
	v.SetDefault("saga.step_retry_policy.initial_delay_seconds", 1.0)
	v.SetDefault("saga.step_retry_policy.multiplier", 2.0)
	v.SetDefault("saga.step_retry_policy.jitter_fraction", 0.2)
	v.SetDefault("saga.deadline_seconds", 0)
	v.SetDefault("saga.durable_log_path", "")

	v.SetDefault("adapters.vector_dimensions", 384)
	v.SetDefault("adapters.amqp_exchange", "coordinator.saga")

	v.SetDefault("log_level", "info")
}
