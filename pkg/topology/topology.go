// Package topology declares the topic, its queues and their handlers, and
// loads that declaration from YAML.
package topology

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/consumer"
)

// Dead-letter sink kinds.
const (
	SinkNone       = ""
	SinkMemory     = "memory"
	SinkQueue      = "queue"
	SinkKafka      = "kafka"
	SinkClickHouse = "clickhouse"
)

const (
	DefaultTopicName     = "NewImageTopic"
	ImageQueueName       = "img-created-queue"
	MailerQueueName      = "mailer-queue"
	ImageHandlerName     = "imageprocess"
	MailerHandlerName    = "mailer"
	imageHandlerTimeout  = 15 * time.Second
	mailerHandlerTimeout = 3 * time.Second
)

// Topology is the resolved pipeline layout.
type Topology struct {
	Topic  Topic
	Queues []Queue
}

type Topic struct {
	Name   string
	Config broker.TopicConfig
}

// Queue is a subscriber queue together with the consumer draining it.
type Queue struct {
	Name     string
	Handler  string
	Config   broker.QueueConfig
	Consumer consumer.Config
	// Subscribe is false for queues fed by something other than the topic,
	// e.g. a dead-letter queue.
	Subscribe bool
	// Filter is a CEL expression; empty delivers every event.
	Filter     string
	DeadLetter DeadLetter
}

type DeadLetter struct {
	Sink string
	// Queue names the target queue when Sink is SinkQueue.
	Queue string
}

// Default is the image upload pipeline: one topic fanning out to an image
// processing queue and a mailer queue, both batching five messages for up
// to five seconds.
func Default() Topology {
	q := broker.DefaultQueueConfig()

	images := consumer.ConfigFor(q)
	images.HandlerTimeout = imageHandlerTimeout
	mailer := consumer.ConfigFor(q)
	mailer.HandlerTimeout = mailerHandlerTimeout

	return Topology{
		Topic: Topic{Name: DefaultTopicName, Config: broker.DefaultTopicConfig()},
		Queues: []Queue{
			{Name: ImageQueueName, Handler: ImageHandlerName, Config: q, Consumer: images, Subscribe: true},
			{Name: MailerQueueName, Handler: MailerHandlerName, Config: q, Consumer: mailer, Subscribe: true},
		},
	}
}

// Queue returns the queue named name.
func (t Topology) Queue(name string) (Queue, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return Queue{}, false
}

// Validate reports every problem found, not just the first.
func (t Topology) Validate() error {
	var errs []error
	if t.Topic.Name == "" {
		errs = append(errs, errors.New("topic name is required"))
	}
	if err := t.Topic.Config.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("topic %s: %w", t.Topic.Name, err))
	}
	if len(t.Queues) == 0 {
		errs = append(errs, errors.New("at least one queue is required"))
	}

	seen := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			errs = append(errs, errors.New("queue name is required"))
			continue
		}
		if seen[q.Name] {
			errs = append(errs, fmt.Errorf("queue %s declared twice", q.Name))
		}
		seen[q.Name] = true

		if err := q.Config.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", q.Name, err))
		}
		if q.Handler != "" {
			if err := q.Consumer.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("queue %s consumer: %w", q.Name, err))
			}
			// a batch must be collected and handled before its claims expire
			vis := q.Config.WithDefaults().VisibilityTimeout
			if budget := q.Consumer.MaxBatchWait + q.Consumer.HandlerTimeout; vis <= budget {
				errs = append(errs, fmt.Errorf("queue %s: visibility timeout %s must exceed batch wait plus handler timeout (%s)",
					q.Name, vis, budget))
			}
		}
		if q.Filter != "" {
			if _, err := broker.NewFilter(q.Filter); err != nil {
				errs = append(errs, fmt.Errorf("queue %s filter: %w", q.Name, err))
			}
		}
		switch q.DeadLetter.Sink {
		case SinkNone, SinkMemory, SinkKafka, SinkClickHouse:
		case SinkQueue:
			if q.DeadLetter.Queue == q.Name {
				errs = append(errs, fmt.Errorf("queue %s cannot dead-letter into itself", q.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("queue %s: unknown dead-letter sink %q", q.Name, q.DeadLetter.Sink))
		}
		if q.Config.DeadLetterMaxDeliveries > 0 && q.DeadLetter.Sink == SinkNone {
			errs = append(errs, fmt.Errorf("queue %s: max deliveries set without a dead-letter sink", q.Name))
		}
	}

	// queue sinks must point at a declared queue
	for _, q := range t.Queues {
		if q.DeadLetter.Sink == SinkQueue && !seen[q.DeadLetter.Queue] {
			errs = append(errs, fmt.Errorf("queue %s: dead-letter queue %q is not declared", q.Name, q.DeadLetter.Queue))
		}
	}
	return errors.Join(errs...)
}

// Load reads and validates a topology file.
func Load(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("failed to read topology %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return Topology{}, fmt.Errorf("topology %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes and validates a YAML topology. Omitted settings take the
// defaults of Default.
func Parse(data []byte) (Topology, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Topology{}, fmt.Errorf("failed to decode topology: %w", err)
	}
	t := f.resolve()
	if err := t.Validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}
