package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker/pebblestore"
	"github.com/DonalWall207/ds-eda-lab/pkg/clickhouse"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler/mailer"
	"github.com/DonalWall207/ds-eda-lab/pkg/kafka"
	"github.com/DonalWall207/ds-eda-lab/pkg/pipeline"
	"github.com/DonalWall207/ds-eda-lab/pkg/utils"
)

// Config holds all configuration for the edapipeline run command
type Config struct {
	// Application settings
	Verbose         bool
	TopologyPath    string
	ShutdownTimeout time.Duration

	// Queue storage settings
	Backend             string
	PebbleDir           string
	PebbleFsync         pebblestore.FsyncMode
	PebbleFsyncInterval time.Duration
	RedisURL            string
	RedisPrefix         string

	// Notification sources
	HTTPAddr          string
	KafkaSource       bool
	KafkaSourceConfig kafka.SourceConfig

	// Dead-letter topic
	KafkaDLQ                  bool
	KafkaProducerConfig       kafka.ProducerConfig
	KafkaDLQNumPartitions     int
	KafkaDLQReplicationFactor int

	// ClickHouse settings
	ClickHouseEnabled bool
	ClickHouse        clickhouse.Config

	// Mailer settings
	MailRecipient string
	SMTP          mailer.SMTPConfig

	// Metrics settings
	DepthSampleInterval time.Duration
	MetricsHost         string
	MetricsPort         int
	Environment         string
	Region              string
	CloudProvider       string
	Instance            string
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	backend := c.String("backend")
	if err := pipeline.ValidateBackend(backend); err != nil {
		return nil, err
	}
	fsync, err := pebblestore.ParseFsyncMode(c.String("pebble-fsync"))
	if err != nil {
		return nil, err
	}
	if c.Duration("depth-sample-interval") <= 0 {
		return nil, fmt.Errorf("depth-sample-interval must be > 0, got %s", c.Duration("depth-sample-interval"))
	}
	if c.Bool("kafka-dlq") && c.String("kafka-dlq-topic") == "" {
		return nil, errors.New("kafka-dlq-topic is required when kafka-dlq is enabled")
	}

	brokers := strings.Join(utils.SplitCSV(c.String("kafka-brokers")), ",")

	return &Config{
		Verbose:             c.Bool("verbose"),
		TopologyPath:        c.String("topology"),
		ShutdownTimeout:     c.Duration("shutdown-timeout"),
		Backend:             backend,
		PebbleDir:           c.String("pebble-dir"),
		PebbleFsync:         fsync,
		PebbleFsyncInterval: c.Duration("pebble-fsync-interval"),
		RedisURL:            c.String("redis-url"),
		RedisPrefix:         c.String("redis-prefix"),
		HTTPAddr:            c.String("http-addr"),
		KafkaSource:         c.Bool("kafka-source"),
		KafkaSourceConfig: kafka.SourceConfig{
			Topic:            c.String("kafka-notifications-topic"),
			BootstrapServers: brokers,
			GroupID:          c.String("kafka-group-id"),
			AutoOffsetReset:  c.String("kafka-auto-offset-reset"),
			EnableLogs:       c.Bool("kafka-enable-logs"),
		}.WithDefaults(),
		KafkaDLQ: c.Bool("kafka-dlq"),
		KafkaProducerConfig: kafka.ProducerConfig{
			BootstrapServers: brokers,
			DeadLetterTopic:  c.String("kafka-dlq-topic"),
			EnableLogs:       c.Bool("kafka-enable-logs"),
		}.WithDefaults(),
		KafkaDLQNumPartitions:     c.Int("kafka-dlq-num-partitions"),
		KafkaDLQReplicationFactor: c.Int("kafka-dlq-replication-factor"),
		ClickHouseEnabled:         c.Bool("clickhouse"),
		ClickHouse:                buildClickHouseConfig(c),
		MailRecipient:             c.String("mail-recipient"),
		SMTP: mailer.SMTPConfig{
			Addr:     c.String("smtp-addr"),
			From:     c.String("smtp-from"),
			Username: c.String("smtp-username"),
			Password: c.String("smtp-password"),
			Timeout:  c.Duration("smtp-timeout"),
		},
		DepthSampleInterval: c.Duration("depth-sample-interval"),
		MetricsHost:         c.String("metrics-host"),
		MetricsPort:         c.Int("metrics-port"),
		Environment:         c.String("environment"),
		Region:              c.String("region"),
		CloudProvider:       c.String("cloud-provider"),
		Instance:            c.String("instance"),
	}, nil
}

// buildClickHouseConfig builds a clickhouse.Config from CLI context flags
func buildClickHouseConfig(c *cli.Context) clickhouse.Config {
	return clickhouse.Config{
		Hosts:              splitHosts(c.StringSlice("clickhouse-hosts")),
		Database:           c.String("clickhouse-database"),
		Username:           c.String("clickhouse-username"),
		Password:           c.String("clickhouse-password"),
		Debug:              c.Bool("clickhouse-debug"),
		InsecureSkipVerify: c.Bool("clickhouse-insecure-skip-verify"),
		MaxExecutionTime:   c.Int("clickhouse-max-execution-time"),
		DialTimeout:        c.Int("clickhouse-dial-timeout"),
		MaxOpenConns:       c.Int("clickhouse-max-open-conns"),
		MaxIdleConns:       c.Int("clickhouse-max-idle-conns"),
		ConnMaxLifetime:    c.Int("clickhouse-conn-max-lifetime"),
		ClientName:         "edapipeline",
		ClientVersion:      "1.0",
		InvocationsTable:   c.String("clickhouse-invocations-table"),
		DeadLettersTable:   c.String("clickhouse-dead-letters-table"),
	}
}

// splitHosts flattens host lists given either as repeated flags or as one
// comma-separated value.
func splitHosts(hosts []string) []string {
	var out []string
	for _, h := range hosts {
		out = append(out, utils.SplitCSV(h)...)
	}
	return out
}
