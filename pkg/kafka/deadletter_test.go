package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

type mockProducer struct {
	mock.Mock
}

func (m *mockProducer) Produce(ctx context.Context, msg Msg) error {
	return m.Called(ctx, msg).Error(0)
}

func TestDeadLetterSink_Produces(t *testing.T) {
	p := &mockProducer{}
	var got Msg
	p.On("Produce", mock.Anything, mock.AnythingOfType("kafka.Msg")).
		Run(func(args mock.Arguments) { got = args.Get(1).(Msg) }).
		Return(nil).Once()

	sink := NewDeadLetterSink(p, "edapipeline-dlq")
	dl := broker.DeadLetter{
		Queue:          "img-created-queue",
		Reason:         broker.ReasonMaxDeliveries,
		Message:        broker.Message{ID: "m1", Body: []byte("payload"), DeliveryCount: 3},
		DeadLetteredAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	require.NoError(t, sink.DeadLetter(t.Context(), dl))
	p.AssertExpectations(t)

	assert.Equal(t, "edapipeline-dlq", got.Topic)
	assert.Equal(t, []byte("m1"), got.Key)
	assert.Equal(t, "img-created-queue", got.Headers[broker.AttrDeadLetterSource])
	assert.Equal(t, "3", got.Headers[broker.AttrDeadLetterDeliveryCount])

	var decoded broker.DeadLetter
	require.NoError(t, json.Unmarshal(got.Value, &decoded))
	assert.Equal(t, dl.Message.Body, decoded.Message.Body)
	assert.Equal(t, dl.Reason, decoded.Reason)
}

func TestDeadLetterSink_ProduceError(t *testing.T) {
	p := &mockProducer{}
	p.On("Produce", mock.Anything, mock.Anything).Return(errors.New("broker not available"))

	err := NewDeadLetterSink(p, "dlq").DeadLetter(t.Context(), broker.DeadLetter{Message: broker.Message{ID: "m"}})
	require.ErrorContains(t, err, "broker not available")
}
