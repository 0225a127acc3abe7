package main

import (
	"time"

	"github.com/urfave/cli/v2"
)

// topologyFlag is shared by every command that reads the pipeline layout.
func topologyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "topology",
		Aliases: []string{"t"},
		Usage:   "Path to the topology YAML file (empty for the built-in image pipeline)",
		EnvVars: []string{"TOPOLOGY_PATH"},
		Value:   "",
	}
}

// runFlags returns all CLI flags for the edapipeline run command
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		topologyFlag(),
		&cli.StringFlag{
			Name:    "backend",
			Aliases: []string{"b"},
			Usage:   "Queue storage backend: memory, pebble or redis",
			EnvVars: []string{"QUEUE_BACKEND"},
			Value:   "memory",
		},
		&cli.StringFlag{
			Name:    "pebble-dir",
			Usage:   "Data directory for the pebble backend",
			EnvVars: []string{"PEBBLE_DIR"},
			Value:   "data/queues",
		},
		&cli.StringFlag{
			Name:    "pebble-fsync",
			Usage:   "Pebble WAL sync mode: always, interval or never",
			EnvVars: []string{"PEBBLE_FSYNC"},
			Value:   "interval",
		},
		&cli.DurationFlag{
			Name:    "pebble-fsync-interval",
			Usage:   "Minimum WAL sync interval when --pebble-fsync=interval",
			EnvVars: []string{"PEBBLE_FSYNC_INTERVAL"},
			Value:   5 * time.Millisecond,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL or host:port for the redis backend",
			EnvVars: []string{"REDIS_URL"},
			Value:   "localhost:6379",
		},
		&cli.StringFlag{
			Name:    "redis-prefix",
			Usage:   "Key prefix for queues kept in redis",
			EnvVars: []string{"REDIS_PREFIX"},
			Value:   "eda",
		},
		&cli.StringFlag{
			Name:    "http-addr",
			Aliases: []string{"a"},
			Usage:   "Listen address for the notification endpoint (empty to disable)",
			EnvVars: []string{"HTTP_ADDR"},
			Value:   ":8080",
		},
		&cli.BoolFlag{
			Name:    "kafka-source",
			Usage:   "Consume storage notifications from Kafka",
			EnvVars: []string{"KAFKA_SOURCE_ENABLED"},
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "The Kafka brokers to use (comma-separated list)",
			EnvVars: []string{"KAFKA_BROKERS"},
			Value:   "localhost:9092",
		},
		&cli.StringFlag{
			Name:    "kafka-notifications-topic",
			Usage:   "The Kafka topic carrying storage notifications",
			EnvVars: []string{"KAFKA_NOTIFICATIONS_TOPIC"},
			Value:   "object-notifications",
		},
		&cli.StringFlag{
			Name:    "kafka-group-id",
			Usage:   "The Kafka consumer group ID",
			EnvVars: []string{"KAFKA_GROUP_ID"},
			Value:   "edapipeline-bridge",
		},
		&cli.StringFlag{
			Name:    "kafka-auto-offset-reset",
			Usage:   "Where a new consumer group starts: earliest or latest",
			EnvVars: []string{"KAFKA_AUTO_OFFSET_RESET"},
			Value:   "earliest",
		},
		&cli.BoolFlag{
			Name:    "kafka-enable-logs",
			Aliases: []string{"l"},
			Usage:   "Enable Kafka client logs",
			EnvVars: []string{"KAFKA_ENABLE_LOGS"},
		},
		&cli.BoolFlag{
			Name:    "kafka-dlq",
			Usage:   "Produce dead letters of queues with the kafka sink to a Kafka topic",
			EnvVars: []string{"KAFKA_DLQ_ENABLED"},
		},
		&cli.StringFlag{
			Name:    "kafka-dlq-topic",
			Usage:   "The Kafka topic receiving dead letters",
			EnvVars: []string{"KAFKA_DLQ_TOPIC"},
			Value:   "edapipeline-dlq",
		},
		&cli.IntFlag{
			Name:    "kafka-dlq-num-partitions",
			Usage:   "Number of partitions for the dead-letter topic",
			EnvVars: []string{"KAFKA_DLQ_NUM_PARTITIONS"},
			Value:   1,
		},
		&cli.IntFlag{
			Name:    "kafka-dlq-replication-factor",
			Usage:   "Replication factor for the dead-letter topic",
			EnvVars: []string{"KAFKA_DLQ_REPLICATION_FACTOR"},
			Value:   1,
		},
		&cli.BoolFlag{
			Name:    "clickhouse",
			Usage:   "Archive handler invocations and dead letters in ClickHouse",
			EnvVars: []string{"CLICKHOUSE_ENABLED"},
		},
		&cli.StringSliceFlag{
			Name:    "clickhouse-hosts",
			Usage:   "ClickHouse server hosts (comma-separated)",
			EnvVars: []string{"CLICKHOUSE_HOSTS"},
			Value:   cli.NewStringSlice("localhost:9000"),
		},
		&cli.StringFlag{
			Name:    "clickhouse-database",
			Usage:   "ClickHouse database name",
			EnvVars: []string{"CLICKHOUSE_DATABASE"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "clickhouse-username",
			Usage:   "ClickHouse username",
			EnvVars: []string{"CLICKHOUSE_USERNAME"},
			Value:   "default",
		},
		&cli.StringFlag{
			Name:    "clickhouse-password",
			Usage:   "ClickHouse password",
			EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			Value:   "",
		},
		&cli.BoolFlag{
			Name:    "clickhouse-debug",
			Usage:   "Enable ClickHouse debug logging",
			EnvVars: []string{"CLICKHOUSE_DEBUG"},
		},
		&cli.BoolFlag{
			Name:    "clickhouse-insecure-skip-verify",
			Usage:   "Skip TLS certificate verification for ClickHouse",
			EnvVars: []string{"CLICKHOUSE_INSECURE_SKIP_VERIFY"},
			Value:   true,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-execution-time",
			Usage:   "ClickHouse max execution time in seconds",
			EnvVars: []string{"CLICKHOUSE_MAX_EXECUTION_TIME"},
			Value:   60,
		},
		&cli.IntFlag{
			Name:    "clickhouse-dial-timeout",
			Usage:   "ClickHouse dial timeout in seconds",
			EnvVars: []string{"CLICKHOUSE_DIAL_TIMEOUT"},
			Value:   30,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-open-conns",
			Usage:   "ClickHouse maximum open connections",
			EnvVars: []string{"CLICKHOUSE_MAX_OPEN_CONNS"},
			Value:   5,
		},
		&cli.IntFlag{
			Name:    "clickhouse-max-idle-conns",
			Usage:   "ClickHouse maximum idle connections",
			EnvVars: []string{"CLICKHOUSE_MAX_IDLE_CONNS"},
			Value:   5,
		},
		&cli.IntFlag{
			Name:    "clickhouse-conn-max-lifetime",
			Usage:   "ClickHouse connection max lifetime in minutes",
			EnvVars: []string{"CLICKHOUSE_CONN_MAX_LIFETIME"},
			Value:   10,
		},
		&cli.StringFlag{
			Name:    "clickhouse-invocations-table",
			Usage:   "Table receiving one row per handler invocation",
			EnvVars: []string{"CLICKHOUSE_INVOCATIONS_TABLE"},
			Value:   "handler_invocations",
		},
		&cli.StringFlag{
			Name:    "clickhouse-dead-letters-table",
			Usage:   "Table receiving dead letters of queues with the clickhouse sink",
			EnvVars: []string{"CLICKHOUSE_DEAD_LETTERS_TABLE"},
			Value:   "dead_letters",
		},
		&cli.StringFlag{
			Name:    "mail-recipient",
			Usage:   "Recipient of upload notification mails",
			EnvVars: []string{"MAIL_RECIPIENT"},
			Value:   "uploads@localhost",
		},
		&cli.StringFlag{
			Name:    "smtp-addr",
			Usage:   "SMTP server host:port (empty to log mails instead of sending them)",
			EnvVars: []string{"SMTP_ADDR"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "smtp-from",
			Usage:   "Sender address of upload notification mails",
			EnvVars: []string{"SMTP_FROM"},
			Value:   "noreply@localhost",
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			Usage:   "SMTP username",
			EnvVars: []string{"SMTP_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			Usage:   "SMTP password",
			EnvVars: []string{"SMTP_PASSWORD"},
		},
		&cli.DurationFlag{
			Name:    "smtp-timeout",
			Usage:   "Timeout for a single SMTP exchange",
			EnvVars: []string{"SMTP_TIMEOUT"},
			Value:   10 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "depth-sample-interval",
			Usage:   "How often queue depth gauges are refreshed",
			EnvVars: []string{"DEPTH_SAMPLE_INTERVAL"},
			Value:   15 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "How long servers get to drain on shutdown",
			EnvVars: []string{"SHUTDOWN_TIMEOUT"},
			Value:   5 * time.Second,
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"E"},
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'staging')",
			EnvVars: []string{"ENVIRONMENT"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "region",
			Aliases: []string{"R"},
			Usage:   "Cloud region for metrics labels (e.g., 'eu-west-1')",
			EnvVars: []string{"REGION"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "cloud-provider",
			Aliases: []string{"P"},
			Usage:   "Cloud provider for metrics labels (e.g., 'aws', 'oci', 'gcp')",
			EnvVars: []string{"CLOUD_PROVIDER"},
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "instance",
			Usage:   "Instance name for metrics labels",
			EnvVars: []string{"INSTANCE"},
			Value:   "",
		},
	}
}

// publishFlags returns the flags of the publish command.
func publishFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "bucket",
			Usage:    "Bucket the object was written to",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "key",
			Aliases:  []string{"k"},
			Usage:    "Object key",
			Required: true,
		},
		&cli.Int64Flag{
			Name:  "size",
			Usage: "Object size in bytes",
		},
		&cli.StringFlag{
			Name:    "endpoint",
			Usage:   "Notification endpoint of a running pipeline",
			EnvVars: []string{"NOTIFY_ENDPOINT"},
			Value:   "http://localhost:8080/notifications",
		},
		&cli.BoolFlag{
			Name:  "kafka",
			Usage: "Produce the notification to Kafka instead of posting it",
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "The Kafka brokers to use (comma-separated list)",
			EnvVars: []string{"KAFKA_BROKERS"},
			Value:   "localhost:9092",
		},
		&cli.StringFlag{
			Name:    "kafka-notifications-topic",
			Usage:   "The Kafka topic carrying storage notifications",
			EnvVars: []string{"KAFKA_NOTIFICATIONS_TOPIC"},
			Value:   "object-notifications",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Give up after this long",
			Value: 10 * time.Second,
		},
	}
}
