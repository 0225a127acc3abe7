package kafka

import (
	"context"
	"testing"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DonalWall207/ds-eda-lab/pkg/kafka/testutils"
)

func newTestProducer(t *testing.T, ctx context.Context) *Producer {
	t.Helper()
	cfg := &cKafka.ConfigMap{
		"bootstrap.servers": "localhost:9092",
	}
	producer, err := NewProducer(ctx, cfg, testutils.NewTestLogger(t))
	require.NoError(t, err)
	return producer
}

func TestNewProducer_ValidConfig(t *testing.T) {
	producer := newTestProducer(t, t.Context())
	require.NotNil(t, producer)
	producer.Close(5 * time.Second)
}

func TestProducer_Close_Idempotent(t *testing.T) {
	producer := newTestProducer(t, t.Context())
	producer.Close(5 * time.Second)
	producer.Close(5 * time.Second)
}

func TestProducer_Errors_ChannelClosed(t *testing.T) {
	producer := newTestProducer(t, t.Context())
	errCh := producer.Errors()
	require.NotNil(t, errCh)
	assert.Greater(t, cap(errCh), 0)

	producer.Close(5 * time.Second)

	_, ok := <-errCh
	assert.False(t, ok, "error channel should be closed after Close()")
}

func TestProducer_ContextCancellation_StopsGoroutines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	producer := newTestProducer(t, ctx)

	cancel()
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	producer.Close(5 * time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProducer_Produce_CancelledContext(t *testing.T) {
	producer := newTestProducer(t, t.Context())
	defer producer.Close(time.Second)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := producer.Produce(ctx, Msg{Topic: "t", Value: []byte("v")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestHeaders_RoundTrip(t *testing.T) {
	in := map[string]string{"b": "2", "a": "1"}
	headers := toHeaders(in)
	require.Len(t, headers, 2)
	assert.Equal(t, "a", headers[0].Key, "headers are sorted by key")
	assert.Equal(t, in, fromHeaders(headers))

	assert.Nil(t, toHeaders(nil))
	assert.Nil(t, fromHeaders(nil))
}
