// Package pipeline assembles a topology into running queues, a topic and
// batch consumers.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/consumer"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler"
	"github.com/DonalWall207/ds-eda-lab/pkg/metrics"
	"github.com/DonalWall207/ds-eda-lab/pkg/topology"
)

// Deps are the external pieces a pipeline is built from.
type Deps struct {
	Log     *zap.SugaredLogger
	Metrics *metrics.Metrics
	Stores  StoreFactory
	// Handlers maps handler names used in the topology to implementations.
	Handlers map[string]handler.Handler
	// Recorder receives invocation records; optional.
	Recorder consumer.Recorder
	// Sinks provides the kafka and clickhouse dead-letter sinks when a
	// queue asks for them.
	Sinks map[string]broker.DeadLetterSink
}

type Pipeline struct {
	log       *zap.SugaredLogger
	topic     *broker.Topic
	queues    map[string]*broker.Queue
	order     []string
	stores    []broker.Store
	consumers []*consumer.Consumer
	registry  *handler.Registry
	memDLQ    *broker.MemoryDeadLetters
}

// Build validates top and wires every queue, subscription and consumer.
// Nothing runs until Run is called.
func Build(top topology.Topology, deps Deps) (*Pipeline, error) {
	if err := top.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", broker.ErrInvalidConfig, err)
	}
	if deps.Stores == nil {
		deps.Stores = MemoryStores()
	}

	p := &Pipeline{
		log:      deps.Log,
		queues:   make(map[string]*broker.Queue, len(top.Queues)),
		registry: handler.NewRegistry(),
		memDLQ:   broker.NewMemoryDeadLetters(),
	}

	topic, err := broker.NewTopic(deps.Log, top.Topic.Name, top.Topic.Config, deps.Metrics)
	if err != nil {
		return nil, err
	}
	p.topic = topic

	if err := p.buildQueues(top, deps); err != nil {
		p.Close()
		return nil, err
	}

	for _, spec := range top.Queues {
		q := p.queues[spec.Name]
		if spec.Subscribe {
			var opts []broker.SubscribeOption
			if spec.Filter != "" {
				f, err := broker.NewFilter(spec.Filter)
				if err != nil {
					p.Close()
					return nil, fmt.Errorf("queue %s: %w", spec.Name, err)
				}
				opts = append(opts, broker.WithFilter(f))
			}
			if err := topic.Subscribe(q, opts...); err != nil {
				p.Close()
				return nil, err
			}
		}

		if spec.Handler == "" {
			continue
		}
		h, ok := deps.Handlers[spec.Handler]
		if !ok {
			p.Close()
			return nil, fmt.Errorf("%w: queue %s uses unknown handler %q", broker.ErrInvalidConfig, spec.Name, spec.Handler)
		}
		if err := p.registry.Register(spec.Name, h); err != nil {
			p.Close()
			return nil, err
		}
		opts := []consumer.Option{consumer.WithMetrics(deps.Metrics)}
		if deps.Recorder != nil {
			opts = append(opts, consumer.WithRecorder(deps.Recorder))
		}
		c, err := consumer.New(deps.Log, q, h, spec.Consumer, opts...)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.consumers = append(p.consumers, c)
	}
	return p, nil
}

// buildQueues creates queues so that a queue used as another's dead-letter
// target exists before the queue that forwards into it.
func (p *Pipeline) buildQueues(top topology.Topology, deps Deps) error {
	pending := append([]topology.Queue(nil), top.Queues...)
	for len(pending) > 0 {
		var next []topology.Queue
		for _, spec := range pending {
			if spec.DeadLetter.Sink == topology.SinkQueue && p.queues[spec.DeadLetter.Queue] == nil {
				next = append(next, spec)
				continue
			}
			if err := p.buildQueue(spec, deps); err != nil {
				return err
			}
		}
		if len(next) == len(pending) {
			return fmt.Errorf("%w: dead-letter queues form a cycle", broker.ErrInvalidConfig)
		}
		pending = next
	}
	return nil
}

func (p *Pipeline) buildQueue(spec topology.Queue, deps Deps) error {
	store, err := deps.Stores(spec.Name)
	if err != nil {
		return fmt.Errorf("failed to open store for %s: %w", spec.Name, err)
	}
	p.stores = append(p.stores, store)

	opts := []broker.QueueOption{broker.WithQueueMetrics(deps.Metrics)}
	switch spec.DeadLetter.Sink {
	case topology.SinkNone:
	case topology.SinkMemory:
		opts = append(opts, broker.WithDeadLetterSink(p.memDLQ))
	case topology.SinkQueue:
		opts = append(opts, broker.WithDeadLetterSink(broker.NewQueueDeadLetters(p.queues[spec.DeadLetter.Queue])))
	default:
		sink, ok := deps.Sinks[spec.DeadLetter.Sink]
		if !ok || sink == nil {
			return fmt.Errorf("%w: queue %s: %s dead-letter sink is not configured",
				broker.ErrInvalidConfig, spec.Name, spec.DeadLetter.Sink)
		}
		opts = append(opts, broker.WithDeadLetterSink(sink))
	}

	q, err := broker.NewQueue(deps.Log, spec.Name, spec.Config, store, opts...)
	if err != nil {
		return err
	}
	p.queues[spec.Name] = q
	p.order = append(p.order, spec.Name)
	return nil
}

// Run starts every consumer and blocks until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range p.consumers {
		g.Go(func() error {
			return c.Start(ctx)
		})
	}
	return g.Wait()
}

func (p *Pipeline) Topic() *broker.Topic {
	return p.topic
}

// Queue returns the named queue or nil.
func (p *Pipeline) Queue(name string) *broker.Queue {
	return p.queues[name]
}

// Queues returns the queues in creation order.
func (p *Pipeline) Queues() []*broker.Queue {
	out := make([]*broker.Queue, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.queues[name])
	}
	return out
}

func (p *Pipeline) Consumers() []*consumer.Consumer {
	return p.consumers
}

func (p *Pipeline) Registry() *handler.Registry {
	return p.registry
}

// MemoryDeadLetters holds the dead letters of queues using the memory sink.
func (p *Pipeline) MemoryDeadLetters() *broker.MemoryDeadLetters {
	return p.memDLQ
}

// Close closes every queue and store. Stores sharing a database leave it open.
func (p *Pipeline) Close() error {
	for _, q := range p.queues {
		q.Close()
	}
	var errs []error
	for _, s := range p.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
