package bridge

import (
	"context"
	"errors"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/DonalWall207/ds-eda-lab/pkg/kafka/processor"
)

const sourceKafka = "kafka"

// KafkaProcessor feeds records from the notification topic into the bridge.
// Malformed records are logged and skipped so they do not block the
// partition. Any other failure is returned and the consumer retries the
// record before committing it.
func (b *Bridge) KafkaProcessor() processor.Processor {
	return processor.Func(func(ctx context.Context, msg *cKafka.Message) error {
		_, err := b.notify(ctx, sourceKafka, msg.Value)
		if errors.Is(err, ErrMalformed) {
			b.log.Warnw("skipping malformed notification",
				"partition", msg.TopicPartition.Partition,
				"offset", msg.TopicPartition.Offset,
				"error", err,
			)
			return nil
		}
		return err
	})
}
