package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	confluentKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DonalWall207/ds-eda-lab/pkg/bridge"
	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/broker/pebblestore"
	"github.com/DonalWall207/ds-eda-lab/pkg/broker/redisstore"
	"github.com/DonalWall207/ds-eda-lab/pkg/clickhouse"
	"github.com/DonalWall207/ds-eda-lab/pkg/data/clickhouse/deadletters"
	"github.com/DonalWall207/ds-eda-lab/pkg/data/clickhouse/invocations"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler/imageprocess"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler/mailer"
	"github.com/DonalWall207/ds-eda-lab/pkg/kafka"
	"github.com/DonalWall207/ds-eda-lab/pkg/metrics"
	"github.com/DonalWall207/ds-eda-lab/pkg/pipeline"
	"github.com/DonalWall207/ds-eda-lab/pkg/scheduler"
	"github.com/DonalWall207/ds-eda-lab/pkg/topology"
	"github.com/DonalWall207/ds-eda-lab/pkg/utils"
)

func run(c *cli.Context) error {
	// Build configuration from CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"topology", cfg.TopologyPath,
		"backend", cfg.Backend,
		"httpAddr", cfg.HTTPAddr,
		"kafkaSource", cfg.KafkaSource,
		"kafkaNotificationsTopic", cfg.KafkaSourceConfig.Topic,
		"kafkaDLQ", cfg.KafkaDLQ,
		"kafkaDLQTopic", cfg.KafkaProducerConfig.DeadLetterTopic,
		"clickhouse", cfg.ClickHouseEnabled,
		"clickhouseDatabase", cfg.ClickHouse.Database,
		"smtpAddr", cfg.SMTP.Addr,
		"depthSampleInterval", cfg.DepthSampleInterval,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	top, err := loadTopology(cfg.TopologyPath)
	if err != nil {
		return err
	}

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
		Instance:      cfg.Instance,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var checks []metrics.HealthCheck
	deps := pipeline.Deps{
		Log:      sugar,
		Metrics:  m,
		Handlers: buildHandlers(cfg, sugar),
		Sinks:    map[string]broker.DeadLetterSink{},
	}

	switch cfg.Backend {
	case pipeline.BackendPebble:
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir:       cfg.PebbleDir,
			Fsync:         cfg.PebbleFsync,
			FsyncInterval: cfg.PebbleFsyncInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to open queue database: %w", err)
		}
		defer db.Close()
		deps.Stores = pipeline.PebbleStores(db)
	case pipeline.BackendRedis:
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer client.Close()
		deps.Stores = pipeline.RedisStores(client, cfg.RedisPrefix)
		checks = append(checks, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	default:
		deps.Stores = pipeline.MemoryStores()
	}

	if cfg.ClickHouseEnabled {
		chClient, err := clickhouse.New(cfg.ClickHouse, sugar)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		defer chClient.Close()
		sugar.Info("ClickHouse client created successfully")

		invRepo, err := invocations.NewRepository(ctx, chClient, cfg.ClickHouse.Database, cfg.ClickHouse.InvocationsTable)
		if err != nil {
			return fmt.Errorf("failed to create invocations repository: %w", err)
		}
		dlRepo, err := deadletters.NewRepository(ctx, chClient, cfg.ClickHouse.Database, cfg.ClickHouse.DeadLettersTable)
		if err != nil {
			return fmt.Errorf("failed to create dead letters repository: %w", err)
		}
		deps.Recorder = invRepo
		deps.Sinks[topology.SinkClickHouse] = dlRepo
		checks = append(checks, chClient.Ping)
	}

	var producerErrs <-chan error
	if cfg.KafkaDLQ {
		producer, err := newDeadLetterProducer(ctx, cfg, sugar)
		if err != nil {
			return err
		}
		defer producer.Close(*cfg.KafkaProducerConfig.FlushTimeout)
		producerErrs = producer.Errors()
		deps.Sinks[topology.SinkKafka] = kafka.NewDeadLetterSink(producer, cfg.KafkaProducerConfig.DeadLetterTopic)
	}

	p, err := pipeline.Build(top, deps)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	defer p.Close()

	b := bridge.New(sugar, p.Topic(), bridge.WithMetrics(m))

	// Start metrics server
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, checks...)
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}

	var httpSource *bridge.HTTPSource
	if cfg.HTTPAddr != "" {
		httpSource = bridge.NewHTTPSource(cfg.HTTPAddr, b)
		sugar.Infof("notification endpoint listening on %s", cfg.HTTPAddr)
	}

	var kafkaSource *kafka.Consumer
	if cfg.KafkaSource {
		kafkaSource, err = kafka.NewConsumer(sugar, cfg.KafkaSourceConfig, b.KafkaProcessor())
		if err != nil {
			return fmt.Errorf("failed to create kafka consumer: %w", err)
		}
	}

	sampled := make([]scheduler.Sampled, 0, len(p.Queues()))
	for _, q := range p.Queues() {
		sampled = append(sampled, q)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The pipeline outlives gctx until the notification sources have stopped,
	// so nothing is published into queues whose consumers are gone.
	pipelineCtx, stopPipeline := context.WithCancel(context.WithoutCancel(gctx))
	defer stopPipeline()
	sourcesDone := make(chan struct{})

	g.Go(func() error {
		return p.Run(pipelineCtx)
	})
	g.Go(func() error {
		var endpoint shutdowner
		if httpSource != nil {
			endpoint = httpSource
		}
		stopSourcesThenPipeline(gctx, sugar, endpoint, cfg.ShutdownTimeout, sourcesDone, stopPipeline)
		return nil
	})
	g.Go(func() error {
		return scheduler.Start(gctx, sugar, sampled, cfg.DepthSampleInterval)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		}
	})
	if httpSource != nil {
		httpErrCh := httpSource.Start()
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err := <-httpErrCh:
				if err != nil {
					return fmt.Errorf("notification endpoint failed: %w", err)
				}
				return nil
			}
		})
	}
	if kafkaSource != nil {
		g.Go(func() error {
			defer close(sourcesDone)
			return kafkaSource.Start(gctx)
		})
	} else {
		close(sourcesDone)
	}
	if producerErrs != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case err := <-producerErrs:
				return err
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		err = nil
	} else if err != nil {
		sugar.Errorw("run failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sugar.Info("shutting down metrics server")
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("metrics server shutdown error", "error", err)
	}

	if dl := p.MemoryDeadLetters().List(); len(dl) > 0 {
		sugar.Warnw("dead letters held in memory are discarded on exit", "count", len(dl))
	}
	sugar.Info("shutdown complete")
	return err
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// stopSourcesThenPipeline waits for ctx to end, shuts the HTTP endpoint down
// (nil when not running), waits for the remaining sources to close
// sourcesDone and only then stops the pipeline.
func stopSourcesThenPipeline(
	ctx context.Context,
	log *zap.SugaredLogger,
	endpoint shutdowner,
	timeout time.Duration,
	sourcesDone <-chan struct{},
	stopPipeline func(),
) {
	<-ctx.Done()
	if endpoint != nil {
		log.Info("shutting down notification endpoint")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := endpoint.Shutdown(shutdownCtx); err != nil {
			log.Warnw("notification endpoint shutdown error", "error", err)
		}
		cancel()
	}
	<-sourcesDone
	log.Info("notification sources stopped, draining pipeline")
	stopPipeline()
}

// loadTopology reads path, or returns the built-in image pipeline when path
// is empty.
func loadTopology(path string) (topology.Topology, error) {
	if path == "" {
		return topology.Default(), nil
	}
	top, err := topology.Load(path)
	if err != nil {
		return topology.Topology{}, fmt.Errorf("failed to load topology: %w", err)
	}
	return top, nil
}

func buildHandlers(cfg *Config, log *zap.SugaredLogger) map[string]handler.Handler {
	var sender mailer.Sender = mailer.LogSender{Log: log}
	if cfg.SMTP.Addr != "" {
		sender = mailer.NewSMTPSender(cfg.SMTP)
	}
	return map[string]handler.Handler{
		topology.ImageHandlerName:  imageprocess.New(log, imageprocess.LogProcessor{Log: log}),
		topology.MailerHandlerName: mailer.New(log, sender, cfg.MailRecipient),
	}
}

// newDeadLetterProducer makes sure the dead-letter topic exists and returns a
// producer for it.
func newDeadLetterProducer(ctx context.Context, cfg *Config, log *zap.SugaredLogger) (*kafka.Producer, error) {
	adminClient, err := confluentKafka.NewAdminClient(&confluentKafka.ConfigMap{
		"bootstrap.servers": cfg.KafkaProducerConfig.BootstrapServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer adminClient.Close()

	err = kafka.EnsureTopic(ctx, adminClient, kafka.TopicSpec{
		Name:              cfg.KafkaProducerConfig.DeadLetterTopic,
		NumPartitions:     cfg.KafkaDLQNumPartitions,
		ReplicationFactor: cfg.KafkaDLQReplicationFactor,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure kafka dead-letter topic exists: %w", err)
	}

	producer, err := kafka.NewProducer(ctx, cfg.KafkaProducerConfig.ConfigMap(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}
