// Package consumer drains a queue in batches and dispatches each batch to a
// handler.
//
// Every worker cycles Idle → Collecting → Dispatching → Idle and ends in
// Stopped once its context is cancelled. A handler failure never stops a
// worker: the batch is simply not acknowledged and the queue redelivers it.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/handler"
	"github.com/DonalWall207/ds-eda-lab/pkg/metrics"
	"github.com/DonalWall207/ds-eda-lab/pkg/utils"
)

// Source is the queue side of a consumer. *broker.Queue satisfies it.
type Source interface {
	Name() string
	DequeueBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]broker.Message, error)
	AckBatch(ctx context.Context, receipts []broker.Receipt) error
	Nack(ctx context.Context, r broker.Receipt) error
}

var _ Source = (*broker.Queue)(nil)

// Consumer runs Config.Workers collect/dispatch loops against one Source and
// acknowledges whatever the handler reports as done.
type Consumer struct {
	log      *zap.SugaredLogger
	cfg      Config
	source   Source
	handler  handler.Handler
	recorder Recorder
	metrics  *metrics.Metrics

	states []atomic.Int32
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithRecorder sends an invocation record for every dispatch to r.
func WithRecorder(r Recorder) Option {
	return func(c *Consumer) {
		c.recorder = r
	}
}

// WithMetrics records batch outcomes and in-flight batches on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// New returns a Consumer draining source into h. It fails on an invalid cfg
// or a nil handler.
func New(log *zap.SugaredLogger, source Source, h handler.Handler, cfg Config, opts ...Option) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("consumer for %s: %w", source.Name(), err)
	}
	if h == nil {
		return nil, fmt.Errorf("consumer for %s: nil handler", source.Name())
	}
	c := &Consumer{
		log:     log.With("queue", source.Name()),
		cfg:     cfg,
		source:  source,
		handler: h,
		states:  make([]atomic.Int32, cfg.Workers),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start runs the workers until ctx is cancelled. An in-flight dispatch is
// completed, acknowledgements included, before its worker stops.
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Infow("starting consumer",
		"workers", c.cfg.Workers,
		"maxBatchSize", c.cfg.MaxBatchSize,
		"maxBatchWait", c.cfg.MaxBatchWait,
	)

	g := new(errgroup.Group)
	for i := range c.cfg.Workers {
		g.Go(func() error {
			c.work(ctx, i)
			return nil
		})
	}
	err := g.Wait()
	c.log.Info("consumer stopped")
	return err
}

// State returns the current state of worker i.
func (c *Consumer) State(i int) State {
	return State(c.states[i].Load())
}

// States returns the current state of every worker.
func (c *Consumer) States() []State {
	out := make([]State, len(c.states))
	for i := range c.states {
		out[i] = c.State(i)
	}
	return out
}

func (c *Consumer) setState(i int, s State) {
	c.states[i].Store(int32(s))
}

func (c *Consumer) work(ctx context.Context, worker int) {
	defer c.setState(worker, StateStopped)
	log := c.log.With("worker", worker)

	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(worker, StateCollecting)
		msgs, err := c.source.DequeueBatch(ctx, c.cfg.MaxBatchSize, c.cfg.MaxBatchWait)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrQueueClosed) {
				return
			}
			backoff = utils.NextBackoff(backoff, c.cfg.BackoffInitial, c.cfg.BackoffMax)
			log.Warnw("failed to dequeue batch, backing off",
				"backoff", backoff,
				"error", err,
			)
			c.setState(worker, StateIdle)
			if utils.Sleep(ctx, backoff) != nil {
				return
			}
			continue
		}
		backoff = 0

		if len(msgs) == 0 {
			c.setState(worker, StateIdle)
			continue
		}

		c.setState(worker, StateDispatching)
		c.dispatch(ctx, log, msgs)
		c.setState(worker, StateIdle)
	}
}

func (c *Consumer) dispatch(ctx context.Context, log *zap.SugaredLogger, msgs []broker.Message) {
	queue := c.source.Name()
	batch := handler.Batch{
		ID:       uuid.NewString(),
		Queue:    queue,
		Messages: msgs,
	}
	log = log.With("batchID", batch.ID)

	c.metrics.IncBatchesInFlight(queue)
	defer c.metrics.DecBatchesInFlight(queue)

	// The dispatch outlives cancellation of ctx so a stopping worker still
	// finishes and acknowledges the batch it holds.
	detached := context.WithoutCancel(ctx)
	hctx := detached
	if c.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(detached, c.cfg.HandlerTimeout)
		defer cancel()
	}

	start := time.Now()
	res := c.invoke(hctx, log, batch)
	elapsed := time.Since(start)

	ackIDs := c.acknowledged(log, batch, res)
	if len(ackIDs) > 0 {
		c.ack(detached, log, receiptsFor(msgs, ackIDs))
	}
	if res.Outcome != handler.OutcomeSuccess && c.cfg.NackOnFailure {
		c.nack(detached, log, msgs, ackIDs)
	}

	c.metrics.RecordBatch(queue, string(res.Outcome), elapsed.Seconds())

	inv := handler.Invocation{
		BatchID:    batch.ID,
		Queue:      queue,
		MessageIDs: batch.IDs(),
		Outcome:    res.Outcome,
		Acked:      ackIDs,
		StartedAt:  start,
		Duration:   elapsed,
	}
	if res.Err != nil {
		inv.Err = res.Err.Error()
	}

	switch res.Outcome {
	case handler.OutcomeSuccess:
		log.Debugw("batch handled", "size", len(msgs), "duration", elapsed)
	default:
		log.Warnw("batch not fully handled",
			"outcome", res.Outcome,
			"size", len(msgs),
			"acked", len(ackIDs),
			"messageIDs", inv.MessageIDs,
			"error", res.Err,
		)
	}

	if c.recorder != nil {
		if err := c.recorder.Record(detached, inv); err != nil {
			c.metrics.RecordRecorderFailure()
			log.Errorw("failed to record invocation", "error", err)
		}
	}
}

// invoke calls the handler, turning a panic into a failure result.
func (c *Consumer) invoke(ctx context.Context, log *zap.SugaredLogger, batch handler.Batch) (res handler.Result) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.RecordHandlerPanic(batch.Queue)
			log.Errorw("handler panicked", "panic", r)
			res = handler.Failure(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return c.handler.Handle(ctx, batch)
}

// acknowledged returns the ids to ack for res. Completed ids that are not
// part of the batch are ignored.
func (c *Consumer) acknowledged(log *zap.SugaredLogger, batch handler.Batch, res handler.Result) []string {
	switch res.Outcome {
	case handler.OutcomeSuccess:
		return batch.IDs()
	case handler.OutcomePartial:
		ids := batch.IDs()
		out := make([]string, 0, len(res.Completed))
		for _, id := range res.Completed {
			if !slices.Contains(ids, id) {
				log.Warnw("handler completed a message outside its batch", "messageID", id)
				continue
			}
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
		return out
	default:
		return nil
	}
}

func (c *Consumer) ack(ctx context.Context, log *zap.SugaredLogger, receipts []broker.Receipt) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()

	var backoff time.Duration
	for attempt := 1; ; attempt++ {
		err := c.source.AckBatch(ctx, receipts)
		if err == nil {
			return
		}
		if attempt == defaultAckAttempts {
			// unacked messages come back after their visibility timeout
			log.Errorw("failed to ack batch, messages will be redelivered",
				"attempts", attempt,
				"error", err,
			)
			return
		}
		backoff = utils.NextBackoff(backoff, c.cfg.BackoffInitial, c.cfg.BackoffMax)
		log.Warnw("failed to ack batch, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		if utils.Sleep(ctx, backoff) != nil {
			return
		}
	}
}

func (c *Consumer) nack(ctx context.Context, log *zap.SugaredLogger, msgs []broker.Message, acked []string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AckTimeout)
	defer cancel()
	for _, m := range msgs {
		if slices.Contains(acked, m.ID) {
			continue
		}
		if err := c.source.Nack(ctx, m.Receipt()); err != nil {
			log.Warnw("failed to nack message", "messageID", m.ID, "error", err)
		}
	}
}

// receiptsFor returns the claim receipts of the messages named by ids.
func receiptsFor(msgs []broker.Message, ids []string) []broker.Receipt {
	out := make([]broker.Receipt, 0, len(ids))
	for _, m := range msgs {
		if slices.Contains(ids, m.ID) {
			out = append(out, m.Receipt())
		}
	}
	return out
}
