// Package bridge turns storage notifications into object-created events on
// a topic. It does not deduplicate: a notification delivered twice is
// published twice.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/events"
	"github.com/DonalWall207/ds-eda-lab/pkg/metrics"
)

// ErrUndelivered is returned when an event reached none of the topic's subscribers.
var ErrUndelivered = errors.New("event not delivered to any subscriber")

// Attribute keys set on published messages.
const (
	AttrEventName = "eventName"
	AttrBucket    = "bucket"
	AttrKey       = "key"
	AttrExtension = "extension"
	AttrSource    = "source"
)

const sourceDirect = "direct"

// Publisher is the part of *broker.Topic the bridge needs.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, body []byte, attrs map[string]string) broker.PublishResult
}

var _ Publisher = (*broker.Topic)(nil)

type Bridge struct {
	log     *zap.SugaredLogger
	topic   Publisher
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Bridge)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithClock overrides the clock used to timestamp envelopes.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

func New(log *zap.SugaredLogger, topic Publisher, opts ...Option) *Bridge {
	b := &Bridge{log: log, topic: topic, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Notify publishes every object-created event found in raw. Malformed input
// wraps ErrMalformed. Subscriber failures are joined into the returned
// error; if some event reached no subscriber at all, the error also wraps
// ErrUndelivered.
func (b *Bridge) Notify(ctx context.Context, raw []byte) error {
	_, err := b.notify(ctx, sourceDirect, raw)
	return err
}

func (b *Bridge) notify(ctx context.Context, source string, raw []byte) (int, error) {
	objs, err := Normalize(raw)
	if err != nil {
		b.metrics.RecordNotification(source, 0, err)
		return 0, err
	}

	var errs []error
	for _, obj := range objs {
		if err := b.publish(ctx, obj); err != nil {
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)
	b.metrics.RecordNotification(source, len(objs), err)
	return len(objs), err
}

func (b *Bridge) publish(ctx context.Context, obj events.ObjectCreated) error {
	body, err := events.Seal(events.TypeObjectCreated, obj, b.now())
	if err != nil {
		return err
	}
	attrs := map[string]string{
		AttrEventName: obj.EventName,
		AttrBucket:    obj.Bucket,
		AttrKey:       obj.Key,
		AttrExtension: obj.Extension(),
		AttrSource:    obj.Source,
	}

	res := b.topic.Publish(ctx, body, attrs)
	failed := res.Failed()
	if len(failed) == 0 {
		b.log.Debugw("published object event",
			"topic", b.topic.Name(),
			"object", obj.URI(),
			"subscribers", res.Delivered(),
		)
		return nil
	}

	for _, o := range failed {
		b.log.Errorw("failed to deliver object event",
			"topic", b.topic.Name(),
			"subscriber", o.Subscriber,
			"object", obj.URI(),
			"attempts", o.Attempts,
			"error", o.Err,
		)
	}
	err = fmt.Errorf("object %s: %w", obj.URI(), res.Err())
	if res.Delivered() == 0 {
		return errors.Join(ErrUndelivered, err)
	}
	return err
}
