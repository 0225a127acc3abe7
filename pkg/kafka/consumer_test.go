package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DonalWall207/ds-eda-lab/pkg/kafka/processor"
	"github.com/DonalWall207/ds-eda-lab/pkg/kafka/testutils"
)

// fakeClient replays a fixed list of events and records commits.
type fakeClient struct {
	mu        sync.Mutex
	events    []cKafka.Event
	committed []int64
	closed    bool
	subErr    error
	logs      chan cKafka.LogEvent
}

func (f *fakeClient) SubscribeTopics([]string, cKafka.RebalanceCb) error { return f.subErr }

func (f *fakeClient) Poll(int) cKafka.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		time.Sleep(time.Millisecond)
		return nil
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev
}

func (f *fakeClient) CommitMessage(m *cKafka.Message) ([]cKafka.TopicPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, int64(m.TopicPartition.Offset))
	return []cKafka.TopicPartition{m.TopicPartition}, nil
}

func (f *fakeClient) Logs() chan cKafka.LogEvent { return f.logs }

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func testSourceConfig() SourceConfig {
	backoff, maxBackoff, poll := time.Millisecond, 5*time.Millisecond, time.Millisecond
	return SourceConfig{
		Topic:           testutils.NotificationsTopic,
		RetryBackoff:    &backoff,
		RetryMaxBackoff: &maxBackoff,
		PollTimeout:     &poll,
	}
}

func runConsumer(t *testing.T, c *Consumer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	return cancel, done
}

func TestConsumer_CommitsAfterProcessing(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{events: []cKafka.Event{
		testutils.NewNotificationRecord(1, []byte("a")),
		testutils.NewNotificationRecord(2, []byte("b")),
	}}
	p := &testutils.MockProcessor{}
	p.On("Process", mock.Anything, testutils.OffsetIs(1)).Return(nil).Once()
	p.On("Process", mock.Anything, testutils.OffsetIs(2)).Return(nil).Once()

	c := newConsumer(testutils.NewTestLogger(t), testSourceConfig(), fc, p)
	cancel, done := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(fc.commits()) == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, []int64{1, 2}, fc.commits())
	require.True(t, fc.closed)
	p.AssertExpectations(t)
}

func TestConsumer_RetriesUntilProcessed(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{events: []cKafka.Event{
		testutils.NewNotificationRecord(7, []byte("a")),
	}}
	var calls int
	p := processor.Func(func(context.Context, *cKafka.Message) error {
		calls++
		if calls < 3 {
			return errors.New("topic unavailable")
		}
		return nil
	})

	c := newConsumer(testutils.NewTestLogger(t), testSourceConfig(), fc, p)
	cancel, done := runConsumer(t, c)

	require.Eventually(t, func() bool { return len(fc.commits()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, 3, calls)
}

func TestConsumer_CancelLeavesRecordUncommitted(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{events: []cKafka.Event{
		testutils.NewNotificationRecord(1, []byte("a")),
	}}
	started := make(chan struct{})
	var once sync.Once
	p := processor.Func(func(context.Context, *cKafka.Message) error {
		once.Do(func() { close(started) })
		return errors.New("always failing")
	})

	c := newConsumer(testutils.NewTestLogger(t), testSourceConfig(), fc, p)
	cancel, done := runConsumer(t, c)

	<-started
	cancel()
	require.NoError(t, <-done)
	require.Empty(t, fc.commits())
}

func TestConsumer_FatalErrorStops(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{events: []cKafka.Event{
		cKafka.NewError(cKafka.ErrFatal, "fenced", true),
	}}
	c := newConsumer(testutils.NewTestLogger(t), testSourceConfig(), fc, &testutils.MockProcessor{})

	err := c.Start(t.Context())
	require.ErrorContains(t, err, "fatal kafka error")
	require.True(t, fc.closed)
}

func TestConsumer_SubscribeError(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{subErr: errors.New("unknown topic")}
	c := newConsumer(testutils.NewTestLogger(t), testSourceConfig(), fc, &testutils.MockProcessor{})

	require.ErrorContains(t, c.Start(t.Context()), "unknown topic")
	require.True(t, fc.closed)
}
