package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DonalWall207/ds-eda-lab/pkg/metrics"
	"github.com/DonalWall207/ds-eda-lab/pkg/utils"
)

// Enqueuer is the subscriber side of a topic. *Queue satisfies it.
type Enqueuer interface {
	Name() string
	Enqueue(ctx context.Context, body []byte, attrs map[string]string) (string, error)
}

// DeliveryOutcome is the result of delivering one published message to one subscriber.
type DeliveryOutcome struct {
	Subscriber string
	MessageID  string
	Attempts   int
	// Filtered is set when the subscription filter rejected the message.
	Filtered bool
	Err      error
}

// Delivered reports whether the subscriber received the message.
func (o DeliveryOutcome) Delivered() bool {
	return o.Err == nil && !o.Filtered
}

// PublishResult holds one outcome per subscriber, in subscription order.
type PublishResult struct {
	Outcomes []DeliveryOutcome
}

// Failed returns the outcomes whose delivery failed after all retries.
func (r PublishResult) Failed() []DeliveryOutcome {
	var out []DeliveryOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Delivered returns the number of subscribers that received the message.
func (r PublishResult) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Delivered() {
			n++
		}
	}
	return n
}

// Err joins the errors of failed deliveries, or returns nil when none failed.
func (r PublishResult) Err() error {
	var errs []error
	for _, o := range r.Failed() {
		errs = append(errs, fmt.Errorf("subscriber %s: %w", o.Subscriber, o.Err))
	}
	return errors.Join(errs...)
}

type subscription struct {
	target Enqueuer
	filter *Filter
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscription)

// WithFilter attaches a filter policy; messages it rejects are not delivered to the subscriber.
func WithFilter(f *Filter) SubscribeOption {
	return func(s *subscription) {
		s.filter = f
	}
}

// Topic fans published messages out to an explicit set of subscriber queues.
// Each subscriber is delivered to independently: a failing subscriber never
// prevents or delays delivery to the others.
type Topic struct {
	name    string
	cfg     TopicConfig
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	subs  map[string]*subscription
	order []string
}

// NewTopic creates a topic with no subscribers. m may be nil.
func NewTopic(log *zap.SugaredLogger, name string, cfg TopicConfig, m *metrics.Metrics) (*Topic, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: topic %w", ErrInvalidConfig, ErrEmptyName)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("topic %q: %w", name, err)
	}
	return &Topic{
		name:    name,
		cfg:     cfg,
		log:     log.With("topic", name),
		metrics: m,
		subs:    make(map[string]*subscription),
	}, nil
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Subscribe adds q to the subscriber set. Subscribing the same queue again
// replaces its options; a different queue under an existing name is rejected.
func (t *Topic) Subscribe(q Enqueuer, opts ...SubscribeOption) error {
	name := q.Name()
	if name == "" {
		return fmt.Errorf("%w: subscriber %w", ErrInvalidConfig, ErrEmptyName)
	}

	sub := &subscription{target: q}
	for _, opt := range opts {
		opt(sub)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.subs[name]; ok {
		if existing.target != q {
			return fmt.Errorf("%w: %s on topic %s", ErrDuplicateSubscriber, name, t.name)
		}
		t.subs[name] = sub
		return nil
	}
	t.subs[name] = sub
	t.order = append(t.order, name)
	t.log.Infow("subscriber added", "subscriber", name, "filter", sub.filter.String())
	return nil
}

// Unsubscribe removes the named subscriber and reports whether it was present.
func (t *Topic) Unsubscribe(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[name]; !ok {
		return false
	}
	delete(t.subs, name)
	for i, n := range t.order {
		if n == name {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Subscribers returns the subscriber names in subscription order.
func (t *Topic) Subscribers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Publish delivers body to every subscriber concurrently, retrying each
// subscriber's enqueue with exponential backoff. Publishing with no
// subscribers is accepted and delivers nothing.
func (t *Topic) Publish(ctx context.Context, body []byte, attrs map[string]string) PublishResult {
	t.mu.RLock()
	subs := make([]*subscription, 0, len(t.order))
	for _, name := range t.order {
		subs = append(subs, t.subs[name])
	}
	t.mu.RUnlock()

	if len(subs) == 0 {
		t.log.Debugw("published with no subscribers")
		return PublishResult{}
	}

	outcomes := make([]DeliveryOutcome, len(subs))
	var g errgroup.Group
	if t.cfg.Concurrency > 0 {
		g.SetLimit(t.cfg.Concurrency)
	}
	for i, sub := range subs {
		g.Go(func() error {
			outcomes[i] = t.deliver(ctx, sub, body, attrs)
			return nil
		})
	}
	_ = g.Wait()

	return PublishResult{Outcomes: outcomes}
}

func (t *Topic) deliver(ctx context.Context, sub *subscription, body []byte, attrs map[string]string) DeliveryOutcome {
	name := sub.target.Name()
	out := DeliveryOutcome{Subscriber: name}

	if sub.filter != nil {
		ok, err := sub.filter.Match(body, attrs)
		if err != nil {
			t.log.Warnw("filter evaluation failed, skipping subscriber",
				"subscriber", name,
				"error", err,
			)
		}
		if !ok {
			out.Filtered = true
			t.metrics.RecordFiltered(t.name, name)
			return out
		}
	}

	var backoff time.Duration
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		out.Attempts = attempt
		id, err := sub.target.Enqueue(ctx, body, attrs)
		if err == nil {
			out.MessageID = id
			out.Err = nil
			break
		}
		out.Err = err

		if !retryable(err) || attempt == t.cfg.MaxAttempts {
			break
		}
		backoff = utils.NextBackoff(backoff, t.cfg.Backoff, t.cfg.MaxBackoff)
		t.log.Warnw("delivery to subscriber failed, retrying",
			"subscriber", name,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if serr := utils.Sleep(ctx, backoff); serr != nil {
			break
		}
	}

	t.metrics.RecordDelivery(t.name, name, out.Attempts, out.Err)
	if out.Err != nil {
		t.log.Errorw("delivery to subscriber failed",
			"subscriber", name,
			"attempts", out.Attempts,
			"error", out.Err,
		)
	}
	return out
}

func retryable(err error) bool {
	return !errors.Is(err, ErrQueueClosed) &&
		!errors.Is(err, ErrInvalidConfig) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
