package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/broker/memstore"
	"github.com/DonalWall207/ds-eda-lab/pkg/events"
)

type failingSubscriber struct{ name string }

func (f failingSubscriber) Name() string { return f.name }

func (f failingSubscriber) Enqueue(context.Context, []byte, map[string]string) (string, error) {
	return "", errors.New("queue unavailable")
}

type fixture struct {
	bridge *Bridge
	topic  *broker.Topic
	images *broker.Queue
	mailer *broker.Queue
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	topic, err := broker.NewTopic(log, "NewImageTopic", broker.TopicConfig{
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}, nil)
	require.NoError(t, err)

	images, err := broker.NewQueue(log, "img-created-queue", broker.QueueConfig{}, memstore.New())
	require.NoError(t, err)
	mailer, err := broker.NewQueue(log, "mailer-queue", broker.QueueConfig{}, memstore.New())
	require.NoError(t, err)
	require.NoError(t, topic.Subscribe(images))
	require.NoError(t, topic.Subscribe(mailer))

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return fixture{
		bridge: New(log, topic, WithClock(func() time.Time { return now })),
		topic:  topic,
		images: images,
		mailer: mailer,
	}
}

func TestBridge_NotifyPublishesToEverySubscriber(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.bridge.Notify(t.Context(), []byte(s3Doc)))

	for _, q := range []*broker.Queue{f.images, f.mailer} {
		batch, err := q.DequeueBatch(t.Context(), 5, 0)
		require.NoError(t, err)
		require.Len(t, batch, 2)

		obj, err := events.DecodeObjectCreated(batch[0].Body)
		require.NoError(t, err)
		require.Equal(t, "holiday photos/beach(1).jpeg", obj.Key)
		require.Equal(t, "jpeg", batch[0].Attributes[AttrExtension])
		require.Equal(t, "images", batch[0].Attributes[AttrBucket])
		require.Equal(t, "ObjectCreated:Put", batch[0].Attributes[AttrEventName])

		env, err := events.Open(batch[0].Body)
		require.NoError(t, err)
		require.Equal(t, events.Version, env.Version)
		require.Equal(t, "2024-05-01T12:00:00Z", env.TS)
		require.NotEmpty(t, env.ID)
	}
}

func TestBridge_NoDeduplication(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	doc := []byte(`{"bucket":"images","key":"a.png"}`)

	require.NoError(t, f.bridge.Notify(t.Context(), doc))
	require.NoError(t, f.bridge.Notify(t.Context(), doc))

	batch, err := f.images.DequeueBatch(t.Context(), 5, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NotEqual(t, batch[0].ID, batch[1].ID)
}

func TestBridge_PartialSubscriberFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.topic.Subscribe(failingSubscriber{name: "broken"}))

	err := f.bridge.Notify(t.Context(), []byte(`{"bucket":"images","key":"a.png"}`))
	require.ErrorContains(t, err, "subscriber broken")
	require.NotErrorIs(t, err, ErrUndelivered)

	batch, err := f.mailer.DequeueBatch(t.Context(), 5, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1, "healthy subscribers still receive the event")
}

func TestBridge_AllSubscribersFail(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()
	topic, err := broker.NewTopic(log, "t", broker.TopicConfig{MaxAttempts: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, topic.Subscribe(failingSubscriber{name: "broken"}))

	err = New(log, topic).Notify(t.Context(), []byte(`{"bucket":"images","key":"a.png"}`))
	require.ErrorIs(t, err, ErrUndelivered)
}

func TestBridge_Malformed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.ErrorIs(t, f.bridge.Notify(t.Context(), []byte(`{`)), ErrMalformed)
}
