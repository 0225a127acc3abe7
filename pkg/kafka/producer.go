package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/DonalWall207/ds-eda-lab/pkg/utils"
)

// MessageProducer is the subset of Producer used by the dead-letter sink and
// the publish command.
type MessageProducer interface {
	Produce(ctx context.Context, msg Msg) error
}

var _ MessageProducer = (*Producer)(nil)

// Msg is a record to produce. Headers are attached as Kafka record headers.
type Msg struct {
	Topic   string
	Value   []byte
	Key     []byte
	Headers map[string]string
}

const (
	queueFullBackoff    = 100 * time.Millisecond
	queueFullMaxBackoff = 2 * time.Second
)

// Producer writes records one at a time and waits for each delivery report.
//
// Close must be called once the producer is no longer needed; it stops the
// event and log watchers and flushes whatever librdkafka still holds.
type Producer struct {
	p   *kafka.Producer
	log *zap.SugaredLogger

	fatal     chan error
	stop      chan struct{}
	watchers  sync.WaitGroup
	closeOnce sync.Once
}

// NewProducer creates a Producer. Canceling ctx stops the background
// watchers but does not flush; call Close for that.
func NewProducer(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger) (*Producer, error) {
	withLogs, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		return nil, fmt.Errorf("failed to get go.logs.channel.enable: %w", err)
	}

	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	prod := &Producer{
		p:     p,
		log:   log,
		fatal: make(chan error, 1),
		stop:  make(chan struct{}),
	}

	prod.watchers.Add(1)
	go prod.watchEvents(ctx)
	if enabled, _ := withLogs.(bool); enabled {
		prod.watchers.Add(1)
		go prod.watchLogs(ctx)
	}
	return prod, nil
}

// Produce enqueues msg and blocks until Kafka confirms or rejects it, or ctx
// is done. A record abandoned on cancellation may still be delivered later.
func (q *Producer) Produce(ctx context.Context, msg Msg) error {
	record := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &msg.Topic,
			Partition: kafka.PartitionAny,
		},
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: toHeaders(msg.Headers),
	}

	// buffered so a late report never blocks librdkafka
	report := make(chan kafka.Event, 1)
	if err := q.enqueue(ctx, record, report); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-report:
		return q.delivered(ev)
	}
}

// enqueue hands record to librdkafka, backing off while its local queue is
// full. Any other rejection is returned at once.
func (q *Producer) enqueue(ctx context.Context, record *kafka.Message, report chan kafka.Event) error {
	var backoff time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := q.p.Produce(record, report)
		if err == nil {
			return nil
		}

		var kerr kafka.Error
		if !errors.As(err, &kerr) || kerr.Code() != kafka.ErrQueueFull {
			return fmt.Errorf("failed to produce to %s: %w", *record.TopicPartition.Topic, err)
		}
		backoff = utils.NextBackoff(backoff, queueFullBackoff, queueFullMaxBackoff)
		q.log.Warnw("producer queue full, backing off", "backoff", backoff)
		if err := utils.Sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

func (q *Producer) delivered(ev kafka.Event) error {
	m, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}
	if err := m.TopicPartition.Error; err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	q.log.Debugw("record delivered",
		"topic", *m.TopicPartition.Topic,
		"partition", m.TopicPartition.Partition,
		"offset", m.TopicPartition.Offset,
	)
	return nil
}

// Close stops the watchers and flushes pending records for up to timeout.
// Records still pending after that are lost. Later calls do nothing.
func (q *Producer) Close(timeout time.Duration) {
	q.closeOnce.Do(func() {
		close(q.stop)
		q.watchers.Wait()

		if pending := q.p.Flush(int(timeout.Milliseconds())); pending > 0 {
			q.log.Warnw("flush incomplete, dropping pending records", "pending", pending)
		}
		q.p.Close()
		close(q.fatal)
		q.log.Info("kafka producer closed")
	})
}

// Errors yields at most one fatal error and is closed by Close. After a
// fatal error the producer cannot be used again.
func (q *Producer) Errors() <-chan error {
	return q.fatal
}

func (q *Producer) reportFatal(err error) {
	select {
	case q.fatal <- err:
	default:
		q.log.Warnw("dropping fatal producer error, one is already pending", "error", err)
	}
}

// watchEvents consumes the producer's global event channel. Delivery
// reports go to per-record channels, so only errors and stats show up here.
func (q *Producer) watchEvents(ctx context.Context) {
	defer q.watchers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case ev, ok := <-q.p.Events():
			if !ok {
				q.reportFatal(errors.New("kafka producer event channel closed"))
				return
			}
			switch e := ev.(type) {
			case kafka.Error:
				if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
					q.reportFatal(fmt.Errorf("kafka producer: %#x: %w", e.Code(), e))
					return
				}
				q.log.Warnw("kafka producer error (non-fatal)", "code", e.Code(), "error", e)
			case kafka.Stats:
				q.log.Debugw("kafka producer stats", "stats", e.String())
			case *kafka.Message:
				q.log.Warnw("unexpected delivery report on the global channel",
					"topic", *e.TopicPartition.Topic,
					"error", e.TopicPartition.Error,
				)
			default:
				q.log.Debugw("ignoring kafka producer event", "event", e)
			}
		}
	}
}

func (q *Producer) watchLogs(ctx context.Context) {
	defer q.watchers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case l, ok := <-q.p.Logs():
			if !ok {
				return
			}
			q.log.Debugw("librdkafka", "level", l.Level, "tag", l.Tag, "message", l.Message)
		}
	}
}

// toHeaders converts a header map to Kafka headers sorted by key.
func toHeaders(m map[string]string) []kafka.Header {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(m))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(m[k])})
	}
	return headers
}

// fromHeaders is the inverse of toHeaders. Later duplicates win.
func fromHeaders(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}
