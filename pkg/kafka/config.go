package kafka

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	DefaultSessionTimeout  = 45 * time.Second
	DefaultMaxPollInterval = 300 * time.Second
	DefaultFlushTimeout    = 15 * time.Second
	DefaultPollTimeout     = 100 * time.Millisecond
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultRetryMaxBackoff = 30 * time.Second
)

// SourceConfig configures the consumer reading storage notifications from
// an upstream Kafka topic.
type SourceConfig struct {
	Topic            string         `env:"KAFKA_NOTIFICATIONS_TOPIC"   envDefault:"object-notifications"` // Topic carrying storage notification documents
	BootstrapServers string         `env:"KAFKA_BOOTSTRAP_SERVERS"     envDefault:"localhost:9092"`       // Kafka broker addresses
	GroupID          string         `env:"KAFKA_GROUP_ID"              envDefault:"edapipeline-bridge"`   // Consumer group ID for offset management
	AutoOffsetReset  string         `env:"KAFKA_AUTO_OFFSET_RESET"     envDefault:"earliest"`             // Offset reset strategy: "earliest" or "latest"
	SessionTimeout   *time.Duration `env:"KAFKA_SESSION_TIMEOUT"`                                         // Session timeout for the consumer group
	MaxPollInterval  *time.Duration `env:"KAFKA_MAX_POLL_INTERVAL"`                                       // Max time between polls before the member is evicted
	PollTimeout      *time.Duration `env:"KAFKA_POLL_TIMEOUT"`                                            // How long a single Poll call blocks
	RetryBackoff     *time.Duration `env:"KAFKA_RETRY_BACKOFF"`                                           // First delay before reprocessing a failed notification
	RetryMaxBackoff  *time.Duration `env:"KAFKA_RETRY_MAX_BACKOFF"`                                       // Cap on the reprocessing delay
	EnableLogs       bool           `env:"KAFKA_ENABLE_LOGS"           envDefault:"false"`                // Enable librdkafka client logs
}

// LoadSourceConfig loads the source configuration from environment variables.
func LoadSourceConfig() SourceConfig {
	var cfg SourceConfig
	if err := env.Parse(&cfg); err != nil {
		logger, logErr := zap.NewProduction()
		if logErr == nil {
			logger.Sugar().Errorw("failed to parse kafka source config", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "failed to parse kafka source config: %v\n", err)
		}
		os.Exit(1)
	}
	return cfg.WithDefaults()
}

// WithDefaults returns a copy of the config with default values filled in for any nil pointer fields.
// This method does not mutate the original config.
func (c SourceConfig) WithDefaults() SourceConfig {
	setDefault(&c.SessionTimeout, DefaultSessionTimeout)
	setDefault(&c.MaxPollInterval, DefaultMaxPollInterval)
	setDefault(&c.PollTimeout, DefaultPollTimeout)
	setDefault(&c.RetryBackoff, DefaultRetryBackoff)
	setDefault(&c.RetryMaxBackoff, DefaultRetryMaxBackoff)
	return c
}

// ConfigMap builds the librdkafka configuration. Offsets are committed by
// the consumer itself once a notification has been published.
func (c SourceConfig) ConfigMap() *kafka.ConfigMap {
	c = c.WithDefaults()
	return &kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"group.id":               c.GroupID,
		"auto.offset.reset":      c.AutoOffsetReset,
		"enable.auto.commit":     false,
		"session.timeout.ms":     int(c.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":   int(c.MaxPollInterval.Milliseconds()),
		"go.logs.channel.enable": c.EnableLogs,
	}
}

// ProducerConfig configures a producer, e.g. for the dead-letter topic.
type ProducerConfig struct {
	BootstrapServers string         `env:"KAFKA_BOOTSTRAP_SERVERS" envDefault:"localhost:9092"`
	DeadLetterTopic  string         `env:"KAFKA_DLQ_TOPIC"         envDefault:"edapipeline-dlq"`
	FlushTimeout     *time.Duration `env:"KAFKA_FLUSH_TIMEOUT"`
	EnableLogs       bool           `env:"KAFKA_ENABLE_LOGS"       envDefault:"false"`
}

// LoadProducerConfig loads the producer configuration from environment variables.
func LoadProducerConfig() ProducerConfig {
	var cfg ProducerConfig
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse kafka producer config: %v\n", err)
		os.Exit(1)
	}
	return cfg.WithDefaults()
}

func (c ProducerConfig) WithDefaults() ProducerConfig {
	setDefault(&c.FlushTimeout, DefaultFlushTimeout)
	return c
}

// ConfigMap returns an idempotent producer configuration.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"acks":                   "all",
		"linger.ms":              5,
		"compression.type":       "lz4",
		"enable.idempotence":     true,
		"go.logs.channel.enable": c.EnableLogs,
	}
}

func setDefault(p **time.Duration, d time.Duration) {
	if *p == nil {
		v := d
		*p = &v
	}
}
