// Package config loads process settings from an optional YAML file, a
// .env file and MATCHCORE_* environment variables, in increasing priority.
package config

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "MATCHCORE"

type Config struct {
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Store   StoreConfig   `mapstructure:"store"`
	Dedup   DedupConfig   `mapstructure:"dedup"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	Group       string   `mapstructure:"group"`
	Topics      []string `mapstructure:"topics"`
	EventsTopic string   `mapstructure:"events_topic"`
	ClientID    string   `mapstructure:"client_id"`
	Version     string   `mapstructure:"version"`
}

const (
	BackendPebble = "pebble"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type StoreConfig struct {
	Backend   string        `mapstructure:"backend"`
	PebbleDir string        `mapstructure:"pebble_dir"`
	Redis     RedisConfig   `mapstructure:"redis"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DedupConfig struct {
	TTL            time.Duration        `mapstructure:"ttl"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxFailures uint32        `mapstructure:"max_failures"`
}

type EngineConfig struct {
	Pairs         []string `mapstructure:"pairs"`
	QuantityScale int32    `mapstructure:"quantity_scale"`
}

type JobsConfig struct {
	SnapshotInterval  time.Duration `mapstructure:"snapshot_interval"`
	SequenceInterval  time.Duration `mapstructure:"sequence_interval"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	BroadcastBatch    int           `mapstructure:"broadcast_batch"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group", "matchcore")
	v.SetDefault("kafka.topics", []string{"order-events"})
	v.SetDefault("kafka.events_topic", "matching-events")
	v.SetDefault("kafka.client_id", "matchcore")
	v.SetDefault("kafka.version", "3.6.0")

	v.SetDefault("store.backend", BackendPebble)
	v.SetDefault("store.pebble_dir", "./data")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.timeout", 3*time.Second)

	v.SetDefault("dedup.ttl", 6*time.Hour)
	v.SetDefault("dedup.circuit_breaker.max_requests", 3)
	v.SetDefault("dedup.circuit_breaker.interval", 10*time.Second)
	v.SetDefault("dedup.circuit_breaker.timeout", 5*time.Second)
	v.SetDefault("dedup.circuit_breaker.max_failures", 5)

	v.SetDefault("engine.pairs", []string{"BTC/USDT"})
	v.SetDefault("engine.quantity_scale", 8)

	v.SetDefault("jobs.snapshot_interval", 30*time.Second)
	v.SetDefault("jobs.sequence_interval", 5*time.Second)
	v.SetDefault("jobs.broadcast_interval", 250*time.Millisecond)
	v.SetDefault("jobs.broadcast_batch", 500)
	v.SetDefault("jobs.prune_interval", time.Hour)

	v.SetDefault("grpc.addr", ":50061")
	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
}

// Load reads path when it is non-empty. A missing .env is not an error.
func Load(path string) (*Config, error) {
	const op = "config.Load"

	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, op)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, op)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// Env values for list settings arrive as one comma separated string.
func (c *Config) normalize() {
	c.Kafka.Brokers = splitList(c.Kafka.Brokers)
	c.Kafka.Topics = splitList(c.Kafka.Topics)
	c.Engine.Pairs = splitList(c.Engine.Pairs)
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is empty")
	}
	if c.Kafka.Group == "" {
		return errors.New("kafka.group is empty")
	}
	if len(c.Kafka.Topics) == 0 {
		return errors.New("kafka.topics is empty")
	}
	if c.Kafka.EventsTopic == "" {
		return errors.New("kafka.events_topic is empty")
	}
	for _, t := range c.Kafka.Topics {
		if t == c.Kafka.EventsTopic {
			return errors.Errorf("kafka.events_topic %q is also consumed", t)
		}
	}

	switch c.Store.Backend {
	case BackendPebble:
		if c.Store.PebbleDir == "" {
			return errors.New("store.pebble_dir is empty")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is empty")
		}
	case BackendMemory:
	default:
		return errors.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Dedup.TTL <= 0 {
		return errors.New("dedup.ttl must be positive")
	}
	if c.Dedup.CircuitBreaker.MaxFailures == 0 {
		return errors.New("dedup.circuit_breaker.max_failures must be positive")
	}

	if len(c.Engine.Pairs) == 0 {
		return errors.New("engine.pairs is empty")
	}
	seen := make(map[string]struct{}, len(c.Engine.Pairs))
	for _, p := range c.Engine.Pairs {
		if _, dup := seen[p]; dup {
			return errors.Errorf("engine.pairs lists %q twice", p)
		}
		seen[p] = struct{}{}
	}
	if c.Engine.QuantityScale < 0 || c.Engine.QuantityScale > 18 {
		return errors.Errorf("engine.quantity_scale %d out of range", c.Engine.QuantityScale)
	}

	if c.Jobs.SnapshotInterval <= 0 || c.Jobs.SequenceInterval <= 0 ||
		c.Jobs.BroadcastInterval <= 0 || c.Jobs.PruneInterval <= 0 {
		return errors.New("jobs intervals must be positive")
	}
	if c.Jobs.BroadcastBatch <= 0 {
		return errors.New("jobs.broadcast_batch must be positive")
	}
	return nil
}
