package broker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DonalWall207/ds-eda-lab/pkg/metrics"
)

// Queue is a named durable queue backed by a Store.
//
// Any number of goroutines may call DequeueBatch concurrently; the store's
// atomic claim guarantees a visible message goes to a single caller.
type Queue struct {
	name        string
	cfg         QueueConfig
	store       Store
	deadLetters DeadLetterSink
	log         *zap.SugaredLogger
	metrics     *metrics.Metrics

	mu       sync.Mutex
	wake     chan struct{}
	closed   bool
	closedCh chan struct{}
}

// QueueOption customizes a Queue.
type QueueOption func(*Queue)

// WithDeadLetterSink sets where messages past the delivery threshold go.
func WithDeadLetterSink(sink DeadLetterSink) QueueOption {
	return func(q *Queue) {
		q.deadLetters = sink
	}
}

// WithQueueMetrics records queue activity on m.
func WithQueueMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) {
		q.metrics = m
	}
}

// NewQueue creates a queue over store. Zero config values are replaced by
// defaults before validation. Without a dead-letter sink, dead letters are
// kept in memory and available through DeadLetters.
func NewQueue(log *zap.SugaredLogger, name string, cfg QueueConfig, store Store, opts ...QueueOption) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: queue %w", ErrInvalidConfig, ErrEmptyName)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: queue %q has no store", ErrInvalidConfig, name)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queue %q: %w", name, err)
	}

	q := &Queue{
		name:     name,
		cfg:      cfg,
		store:    store,
		log:      log.With("queue", name),
		wake:     make(chan struct{}),
		closedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.deadLetters == nil {
		q.deadLetters = NewMemoryDeadLetters()
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Config returns the effective queue configuration.
func (q *Queue) Config() QueueConfig {
	return q.cfg
}

// DeadLetters returns the sink receiving this queue's dead letters.
func (q *Queue) DeadLetters() DeadLetterSink {
	return q.deadLetters
}

// Enqueue stores a new message and returns its id. The message is visible
// immediately with a delivery count of zero.
func (q *Queue) Enqueue(ctx context.Context, body []byte, attrs map[string]string) (string, error) {
	if q.isClosed() {
		return "", ErrQueueClosed
	}

	now := time.Now()
	msg := Message{
		ID:         uuid.NewString(),
		Body:       append([]byte(nil), body...),
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	if len(attrs) > 0 {
		msg.Attributes = maps.Clone(attrs)
	}

	err := q.store.Put(ctx, msg)
	q.metrics.RecordEnqueue(q.name, err)
	if err != nil {
		q.metrics.RecordBackendError(q.name, "put")
		return "", fmt.Errorf("failed to enqueue to %s: %w", q.name, err)
	}

	q.signal()
	return msg.ID, nil
}

// DequeueBatch claims up to maxCount messages, waiting for more until the batch
// is full or the batch window closes.
//
// While the queue is empty the call waits up to maxWait for a first message.
// Once a message has been claimed the window is maxWait measured from that
// claim. An empty result with a nil error means the window closed without
// messages. A maxCount outside 1..MaxBatchSize is clamped to MaxBatchSize.
//
// The window never runs past the visibility deadline of the earliest message
// already in the batch, so a batch holds each message under a live claim.
//
// When ctx is cancelled after messages were claimed, those messages are
// returned with a nil error so the caller can finish handling them.
func (q *Queue) DequeueBatch(ctx context.Context, maxCount int, maxWait time.Duration) ([]Message, error) {
	if maxCount <= 0 || maxCount > q.cfg.MaxBatchSize {
		maxCount = q.cfg.MaxBatchSize
	}
	if maxWait < 0 {
		maxWait = 0
	}

	deadline := time.Now().Add(maxWait)
	var batch []Message
	for {
		wake := q.waitChan()
		if q.isClosed() {
			if len(batch) > 0 {
				break
			}
			return nil, ErrQueueClosed
		}

		claimed, exhausted, err := q.claim(ctx, maxCount-len(batch))
		if err != nil {
			if len(batch) > 0 {
				q.log.Warnw("claim failed mid-batch, returning partial batch",
					"batchSize", len(batch),
					"error", err,
				)
				break
			}
			return nil, err
		}
		if len(batch) == 0 && len(claimed) > 0 {
			deadline = time.Now().Add(maxWait)
		}
		batch = q.merge(batch, claimed, exhausted)
		if len(batch) >= maxCount {
			break
		}
		// stop a poll interval short of the first expiry so the last claim
		// cannot re-take a member
		if expiry, ok := earliestDeadline(batch); ok {
			if cutoff := expiry.Add(-q.cfg.PollInterval); deadline.After(cutoff) {
				deadline = cutoff
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		remaining = min(remaining, q.cfg.PollInterval)

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			if len(batch) > 0 {
				q.metrics.ObserveBatchSize(q.name, len(batch))
				return batch, nil
			}
			return nil, ctx.Err()
		case <-q.closedCh:
			timer.Stop()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}

	q.metrics.ObserveBatchSize(q.name, len(batch))
	return batch, nil
}

// Ack permanently removes the message claimed under r. Acking an unknown or
// already acked id is a no-op, and so is acking with a receipt whose claim
// was superseded by a later delivery.
func (q *Queue) Ack(ctx context.Context, r Receipt) error {
	_, found, err := q.store.Remove(ctx, r)
	q.metrics.RecordAck(q.name, err)
	if err != nil {
		q.metrics.RecordBackendError(q.name, "remove")
		return fmt.Errorf("failed to ack %s on %s: %w", r.ID, q.name, err)
	}
	if !found {
		q.log.Debugw("ack for unknown or reclaimed message", "messageID", r.ID, "delivery", r.Delivery)
	}
	return nil
}

// AckBatch acks every receipt and returns the joined errors of the ones that failed.
func (q *Queue) AckBatch(ctx context.Context, receipts []Receipt) error {
	var errs []error
	for _, r := range receipts {
		if err := q.Ack(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nack makes the message claimed under r visible again immediately. A message
// that already reached the dead-letter threshold is dead-lettered instead.
// Unknown ids and superseded receipts are a no-op.
func (q *Queue) Nack(ctx context.Context, r Receipt) error {
	err := q.nack(ctx, r)
	q.metrics.RecordNack(q.name, err)
	return err
}

func (q *Queue) nack(ctx context.Context, r Receipt) error {
	msg, found, err := q.store.Get(ctx, r.ID)
	if err != nil {
		q.metrics.RecordBackendError(q.name, "get")
		return fmt.Errorf("failed to nack %s on %s: %w", r.ID, q.name, err)
	}
	if !found || !r.Matches(msg) {
		q.log.Debugw("nack for unknown or reclaimed message", "messageID", r.ID, "delivery", r.Delivery)
		return nil
	}
	// pin the check to the claim just read so a concurrent reclaim wins
	r.Delivery = msg.DeliveryCount

	if limit := q.cfg.DeadLetterMaxDeliveries; limit > 0 && msg.DeliveryCount >= limit {
		removed, ok, err := q.store.Remove(ctx, r)
		if err != nil {
			q.metrics.RecordBackendError(q.name, "remove")
			return fmt.Errorf("failed to remove %s from %s for dead-letter: %w", r.ID, q.name, err)
		}
		if ok {
			q.deadLetter(ctx, removed, ReasonMaxDeliveries)
		}
		return nil
	}

	released, err := q.store.Release(ctx, r, time.Now())
	if err != nil {
		q.metrics.RecordBackendError(q.name, "release")
		return fmt.Errorf("failed to release %s on %s: %w", r.ID, q.name, err)
	}
	if released {
		q.signal()
	}
	return nil
}

// Stats samples the queue depth and updates the depth gauges.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st, err := q.store.Stats(ctx, time.Now())
	if err != nil {
		q.metrics.RecordBackendError(q.name, "stats")
		return Stats{}, fmt.Errorf("failed to read stats for %s: %w", q.name, err)
	}
	q.metrics.UpdateQueueDepth(q.name, st.Available, st.InFlight)
	return st, nil
}

// Close stops the queue from accepting new messages and wakes blocked
// DequeueBatch calls. The underlying store is left open.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closedCh)
}

func (q *Queue) claim(ctx context.Context, n int) ([]Message, []Message, error) {
	start := time.Now()
	res, err := q.store.Claim(ctx, ClaimRequest{
		Max:           n,
		Now:           start,
		Visibility:    q.cfg.VisibilityTimeout,
		MaxDeliveries: q.cfg.DeadLetterMaxDeliveries,
	})
	if err != nil {
		q.metrics.RecordBackendError(q.name, "claim")
		return nil, nil, fmt.Errorf("failed to claim from %s: %w", q.name, err)
	}

	for _, m := range res.Exhausted {
		q.deadLetter(ctx, m, ReasonMaxDeliveries)
	}

	redelivered := 0
	for _, m := range res.Claimed {
		if m.DeliveryCount > 1 {
			redelivered++
		}
	}
	q.metrics.RecordClaim(q.name, len(res.Claimed), redelivered, time.Since(start).Seconds())
	return res.Claimed, res.Exhausted, nil
}

// merge adds claimed to batch. A message claimed again while already held
// replaces the older copy, and one dead-lettered by the claim leaves the batch.
func (q *Queue) merge(batch, claimed, exhausted []Message) []Message {
	for _, m := range exhausted {
		batch = slices.DeleteFunc(batch, func(held Message) bool { return held.ID == m.ID })
	}
	for _, m := range claimed {
		i := slices.IndexFunc(batch, func(held Message) bool { return held.ID == m.ID })
		if i < 0 {
			batch = append(batch, m)
			continue
		}
		q.log.Warnw("message reclaimed while held in a batch",
			"messageID", m.ID,
			"deliveryCount", m.DeliveryCount,
		)
		batch[i] = m
	}
	return batch
}

func earliestDeadline(batch []Message) (time.Time, bool) {
	if len(batch) == 0 {
		return time.Time{}, false
	}
	earliest := batch[0].VisibleAt
	for _, m := range batch[1:] {
		if m.VisibleAt.Before(earliest) {
			earliest = m.VisibleAt
		}
	}
	return earliest, true
}

// deadLetter hands a message that was already removed from the store to the
// sink. On failure the message is put back, hidden for one visibility timeout,
// so a later claim retries the hand-off.
func (q *Queue) deadLetter(ctx context.Context, msg Message, reason string) {
	err := q.deadLetters.DeadLetter(ctx, DeadLetter{
		Queue:          q.name,
		Reason:         reason,
		Message:        msg,
		DeadLetteredAt: time.Now(),
	})
	q.metrics.RecordDeadLetter(q.name, reason, err)
	if err == nil {
		q.log.Infow("message dead-lettered",
			"messageID", msg.ID,
			"deliveryCount", msg.DeliveryCount,
			"reason", reason,
		)
		return
	}

	q.log.Errorw("failed to dead-letter message, restoring it",
		"messageID", msg.ID,
		"deliveryCount", msg.DeliveryCount,
		"error", err,
	)
	msg.VisibleAt = time.Now().Add(q.cfg.VisibilityTimeout)
	if perr := q.store.Put(ctx, msg); perr != nil {
		q.metrics.RecordBackendError(q.name, "put")
		q.log.Errorw("failed to restore message after dead-letter failure",
			"messageID", msg.ID,
			"error", perr,
		)
	}
}

func (q *Queue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) waitChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
