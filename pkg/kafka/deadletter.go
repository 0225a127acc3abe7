package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

var _ broker.DeadLetterSink = (*DeadLetterSink)(nil)

// DeadLetterSink publishes dead letters to a Kafka topic as JSON, keyed by
// message id so all copies of a message land on the same partition.
type DeadLetterSink struct {
	producer MessageProducer
	topic    string
}

func NewDeadLetterSink(producer MessageProducer, topic string) *DeadLetterSink {
	return &DeadLetterSink{producer: producer, topic: topic}
}

func (s *DeadLetterSink) DeadLetter(ctx context.Context, dl broker.DeadLetter) error {
	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", dl.Message.ID, err)
	}
	msg := Msg{
		Topic: s.topic,
		Key:   []byte(dl.Message.ID),
		Value: value,
		Headers: map[string]string{
			broker.AttrDeadLetterSource:        dl.Queue,
			broker.AttrDeadLetterReason:        dl.Reason,
			broker.AttrDeadLetterMessageID:     dl.Message.ID,
			broker.AttrDeadLetterDeliveryCount: strconv.Itoa(dl.Message.DeliveryCount),
		},
	}
	if err := s.producer.Produce(ctx, msg); err != nil {
		return fmt.Errorf("failed to produce dead letter to %s: %w", s.topic, err)
	}
	return nil
}
