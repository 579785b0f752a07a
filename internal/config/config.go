package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	EffectLog   = "log"
	EffectKafka = "kafka"

	DeadLetterNone  = "none"
	DeadLetterKafka = "kafka"
	DeadLetterNSQ   = "nsq"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Store      StoreConfig      `mapstructure:"store"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Effect     EffectConfig     `mapstructure:"effect"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Feature    FeatureConfig    `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID   string `mapstructure:"node_id"`
	LogLevel string `mapstructure:"log_level"`
}

type StreamConfig struct {
	Source string `mapstructure:"source"`
}

type StoreConfig struct {
	Backend       string         `mapstructure:"backend"`
	Table         string         `mapstructure:"table"`
	Retention     time.Duration  `mapstructure:"retention"`
	PurgeInterval time.Duration  `mapstructure:"purge_interval"`
	SQLite        SQLiteConfig   `mapstructure:"sqlite"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type ProcessorConfig struct {
	Delimiter           string        `mapstructure:"delimiter"`
	Parallelism         int           `mapstructure:"parallelism"`
	EffectTimeout       time.Duration `mapstructure:"effect_timeout"`
	InvocationTimeout   time.Duration `mapstructure:"invocation_timeout"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`
}

type EffectConfig struct {
	Kind  string      `mapstructure:"kind"`
	Kafka KafkaTarget `mapstructure:"kafka"`
}

type KafkaTarget struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type DeadLetterConfig struct {
	Kind             string      `mapstructure:"kind"`
	DecodeFailures   bool        `mapstructure:"decode_failures"`
	PermanentEffects bool        `mapstructure:"permanent_effects"`
	Kafka            KafkaTarget `mapstructure:"kafka"`
	NSQ              NSQTarget   `mapstructure:"nsq"`
}

type NSQTarget struct {
	NsqdAddress string `mapstructure:"nsqd_address"`
	Topic       string `mapstructure:"topic"`
}

type IngestConfig struct {
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Redelivery RedeliveryConfig `mapstructure:"redelivery"`
}

// RedeliveryConfig bounds how often the kafka and rabbitmq adapters redeliver
// a failing record before parking it. Zero disables a limit.
type RedeliveryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	MaxRecordAge time.Duration `mapstructure:"max_record_age"`
}

type KafkaConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Brokers        []string      `mapstructure:"brokers"`
	Topics         []string      `mapstructure:"topics"`
	GroupID        string        `mapstructure:"group_id"`
	ClientID       string        `mapstructure:"client_id"`
	MaxPollRecords int           `mapstructure:"max_poll_records"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	TLS            bool          `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Exchange      string        `mapstructure:"exchange"`
	Queue         string        `mapstructure:"queue"`
	RoutingKeys   []string      `mapstructure:"routing_keys"`
	PrefetchCount int           `mapstructure:"prefetch_count"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchWindow   time.Duration `mapstructure:"batch_window"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
}

type HTTPConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Addr    string   `mapstructure:"addr"`
	APIKeys []string `mapstructure:"api_keys"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("dedupd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.node_id", "dedupd")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.table", "dedup_records")
	v.SetDefault("store.retention", "24h")
	v.SetDefault("store.purge_interval", "1m")
	v.SetDefault("store.sqlite.path", "dedupd.db")
	v.SetDefault("store.redis.prefix", "dedupd")
	v.SetDefault("processor.delimiter", ",")
	v.SetDefault("processor.parallelism", 1)
	v.SetDefault("processor.effect_timeout", "30s")
	v.SetDefault("processor.compensation_timeout", "5s")
	v.SetDefault("effect.kind", EffectLog)
	v.SetDefault("deadletter.kind", DeadLetterNone)
	v.SetDefault("deadletter.decode_failures", true)
	v.SetDefault("deadletter.permanent_effects", true)
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.rabbitmq.enabled", false)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 100)
	v.SetDefault("ingest.rabbitmq.batch_size", 100)
	v.SetDefault("ingest.rabbitmq.batch_window", "1s")
	v.SetDefault("ingest.http.enabled", false)
	v.SetDefault("ingest.http.addr", ":8080")
	v.SetDefault("ingest.redelivery.max_attempts", 6)
	v.SetDefault("ingest.redelivery.max_record_age", "500s")
	v.SetDefault("feature.allow_multiple_adapters", true)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported server.log_level %q", c.Server.LogLevel)
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if c.Processor.Parallelism < 1 {
		return fmt.Errorf("processor.parallelism must be >= 1")
	}
	if c.Processor.Delimiter == "" {
		return fmt.Errorf("processor.delimiter is required")
	}
	switch c.Effect.Kind {
	case EffectLog:
	case EffectKafka:
		if len(c.Effect.Kafka.Brokers) == 0 || c.Effect.Kafka.Topic == "" {
			return fmt.Errorf("effect.kafka.brokers and effect.kafka.topic are required")
		}
	default:
		return fmt.Errorf("unsupported effect.kind %q", c.Effect.Kind)
	}
	switch c.DeadLetter.Kind {
	case "", DeadLetterNone:
	case DeadLetterKafka:
		if len(c.DeadLetter.Kafka.Brokers) == 0 || c.DeadLetter.Kafka.Topic == "" {
			return fmt.Errorf("deadletter.kafka.brokers and deadletter.kafka.topic are required")
		}
	case DeadLetterNSQ:
		if c.DeadLetter.NSQ.NsqdAddress == "" || c.DeadLetter.NSQ.Topic == "" {
			return fmt.Errorf("deadletter.nsq.nsqd_address and deadletter.nsq.topic are required")
		}
	default:
		return fmt.Errorf("unsupported deadletter.kind %q", c.DeadLetter.Kind)
	}
	if c.Ingest.Redelivery.MaxAttempts < 0 || c.Ingest.Redelivery.MaxRecordAge < 0 {
		return fmt.Errorf("ingest.redelivery.max_attempts and max_record_age must be >= 0")
	}
	if c.Ingest.HTTP.Enabled && c.Ingest.HTTP.Addr == "" {
		return fmt.Errorf("ingest.http.addr is required")
	}
	if !c.Feature.AllowMultipleAdapters && c.Ingest.enabledCount() > 1 {
		return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
	}
	return nil
}

func (s StoreConfig) validate() error {
	if s.Table == "" {
		return fmt.Errorf("store.table is required")
	}
	if s.Retention <= 0 {
		return fmt.Errorf("store.retention must be > 0")
	}
	switch s.Backend {
	case BackendSQLite:
		if s.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	case BackendPostgres:
		if s.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required")
		}
	case BackendRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported store.backend %q", s.Backend)
	}
	return nil
}

func (i IngestConfig) enabledCount() int {
	n := 0
	for _, on := range []bool{i.Kafka.Enabled, i.RabbitMQ.Enabled, i.HTTP.Enabled} {
		if on {
			n++
		}
	}
	return n
}
