// Package processor defines how a consumed Kafka record is handled.
package processor

import (
	"context"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Processor handles one consumed record. A nil error lets the consumer
// commit the record's offset; an error makes it process the record again.
type Processor interface {
	Process(ctx context.Context, msg *cKafka.Message) error
}

// Func adapts a function to the Processor interface.
type Func func(ctx context.Context, msg *cKafka.Message) error

func (f Func) Process(ctx context.Context, msg *cKafka.Message) error {
	return f(ctx, msg)
}
