package kafka

import (
	"context"
	"errors"
	"fmt"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/DonalWall207/ds-eda-lab/pkg/kafka/processor"
	"github.com/DonalWall207/ds-eda-lab/pkg/utils"
)

// client is the part of *cKafka.Consumer the Consumer depends on.
type client interface {
	SubscribeTopics(topics []string, rebalanceCb cKafka.RebalanceCb) error
	Poll(timeoutMs int) cKafka.Event
	CommitMessage(m *cKafka.Message) ([]cKafka.TopicPartition, error)
	Logs() chan cKafka.LogEvent
	Close() error
}

var _ client = (*cKafka.Consumer)(nil)

// Consumer reads storage notifications from a Kafka topic and hands each
// record to a processor. Records are processed one at a time and a record's
// offset is committed only after the processor succeeded, so a crash replays
// the record instead of losing it.
type Consumer struct {
	client    client
	processor processor.Processor
	log       *zap.SugaredLogger
	cfg       SourceConfig
	logsDone  chan struct{}
	doneCh    chan struct{}
}

// NewConsumer creates a Consumer connected to cfg.BootstrapServers.
func NewConsumer(log *zap.SugaredLogger, cfg SourceConfig, p processor.Processor) (*Consumer, error) {
	cfg = cfg.WithDefaults()
	c, err := cKafka.NewConsumer(cfg.ConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newConsumer(log, cfg, c, p), nil
}

func newConsumer(log *zap.SugaredLogger, cfg SourceConfig, c client, p processor.Processor) *Consumer {
	return &Consumer{
		client:    c,
		processor: p,
		log:       log,
		cfg:       cfg.WithDefaults(),
		logsDone:  make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start polls until ctx is canceled or Kafka reports a fatal error. The
// underlying client is closed before Start returns.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cfg.EnableLogs {
		go c.printKafkaLogs(ctx)
	} else {
		close(c.logsDone)
	}

	if err := c.client.SubscribeTopics([]string{c.cfg.Topic}, c.rebalanceCallback); err != nil {
		c.close()
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}
	c.log.Infow("consuming storage notifications", "topic", c.cfg.Topic, "groupID", c.cfg.GroupID)

	pollMs := int(c.cfg.PollTimeout.Milliseconds())
	var runErr error
	for runErr == nil {
		if ctx.Err() != nil {
			c.log.Info("context done, shutting down consumer...")
			break
		}

		switch ev := c.client.Poll(pollMs).(type) {
		case nil:
		case *cKafka.Message:
			// an error here means ctx is done and the record stays uncommitted
			_ = c.handle(ctx, ev)
		case cKafka.Error:
			if ev.IsFatal() {
				c.log.Errorw("fatal kafka error", "error", ev)
				runErr = fmt.Errorf("fatal kafka error: %w", ev)
				continue
			}
			c.log.Warnw("kafka error (non-fatal)", "error", ev)
		default:
			c.log.Debugw("ignoring kafka event", "event", ev)
		}
	}

	if err := c.close(); err != nil {
		c.log.Errorw("failed to close consumer", "error", err)
		runErr = errors.Join(runErr, err)
	}
	c.log.Info("consumer shutdown complete")
	return runErr
}

// handle processes msg until it succeeds or ctx is canceled, then commits it.
func (c *Consumer) handle(ctx context.Context, msg *cKafka.Message) error {
	backoff := *c.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		err := c.processor.Process(ctx, msg)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warnw("failed to process notification, retrying",
			"partition", msg.TopicPartition.Partition,
			"offset", msg.TopicPartition.Offset,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := utils.Sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = utils.NextBackoff(backoff, *c.cfg.RetryBackoff, *c.cfg.RetryMaxBackoff)
	}

	if _, err := c.client.CommitMessage(msg); err != nil {
		// the record is replayed after a restart or rebalance
		c.log.Warnw("failed to commit offset",
			"partition", msg.TopicPartition.Partition,
			"offset", msg.TopicPartition.Offset,
			"error", err,
		)
	}
	return nil
}

func (c *Consumer) rebalanceCallback(_ *cKafka.Consumer, event cKafka.Event) error {
	switch ev := event.(type) {
	case cKafka.AssignedPartitions:
		c.log.Infow("partitions assigned", "count", len(ev.Partitions), "partitions", ev.Partitions)
	case cKafka.RevokedPartitions:
		c.log.Infow("partitions revoked", "count", len(ev.Partitions), "partitions", ev.Partitions)
	default:
		c.log.Warnw("unexpected rebalance event", "event", event)
	}
	return nil
}

func (c *Consumer) close() error {
	close(c.doneCh)
	<-c.logsDone
	return c.client.Close()
}

// printKafkaLogs prints kafka logs to the console.
func (c *Consumer) printKafkaLogs(ctx context.Context) {
	defer close(c.logsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.doneCh:
			return
		case log, ok := <-c.client.Logs():
			if !ok {
				return
			}
			c.log.Debugf("consumer level: %d tag: %s message: %s ", log.Level, log.Tag, log.Message)
		}
	}
}
