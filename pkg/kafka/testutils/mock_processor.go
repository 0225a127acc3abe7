package testutils

import (
	"context"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/mock"
)

// MockProcessor records every record handed to it by the consumer.
type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) Process(ctx context.Context, rec *kafka.Message) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// OffsetIs matches a record argument by offset.
func OffsetIs(offset int64) any {
	return mock.MatchedBy(func(rec *kafka.Message) bool {
		return rec != nil && int64(rec.TopicPartition.Offset) == offset
	})
}
