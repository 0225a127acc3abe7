package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// TopicSpec describes a topic the pipeline expects to exist.
type TopicSpec struct {
	Name              string
	NumPartitions     int
	ReplicationFactor int
}

func (s TopicSpec) Validate() error {
	if s.Name == "" {
		return errors.New("topic name cannot be empty")
	}
	if s.NumPartitions <= 0 {
		return fmt.Errorf("number of partitions must be > 0, got %d", s.NumPartitions)
	}
	if s.ReplicationFactor <= 0 {
		return fmt.Errorf("replication factor must be > 0, got %d", s.ReplicationFactor)
	}
	return nil
}

// EnsureTopic creates the topic when it is missing and grows its partition
// count when it has fewer partitions than spec. Replication factor and
// surplus partitions are only reported.
func EnsureTopic(ctx context.Context, admin *kafka.AdminClient, spec TopicSpec, log *zap.SugaredLogger) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid topic spec: %w", err)
	}

	md, err := admin.GetMetadata(&spec.Name, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return fmt.Errorf("failed to get metadata for topic %q: %w", spec.Name, err)
	}
	topic, ok := md.Topics[spec.Name]
	if !ok || topic.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return createTopic(ctx, admin, spec, log)
	}
	if topic.Error.Code() != kafka.ErrNoError {
		return fmt.Errorf("topic %q has error: %w", spec.Name, topic.Error)
	}

	if len(topic.Partitions) > 0 && len(topic.Partitions[0].Replicas) != spec.ReplicationFactor {
		log.Warnw("topic replication factor differs from config",
			"topic", spec.Name,
			"current", len(topic.Partitions[0].Replicas),
			"desired", spec.ReplicationFactor,
		)
	}

	switch current := len(topic.Partitions); {
	case current < spec.NumPartitions:
		return increasePartitions(ctx, admin, spec, log)
	case current > spec.NumPartitions:
		log.Warnw("topic has more partitions than configured",
			"topic", spec.Name,
			"current", current,
			"desired", spec.NumPartitions,
		)
	}
	return nil
}

func createTopic(ctx context.Context, admin *kafka.AdminClient, spec TopicSpec, log *zap.SugaredLogger) error {
	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             spec.Name,
		NumPartitions:     spec.NumPartitions,
		ReplicationFactor: spec.ReplicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", spec.Name, err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError:
			log.Infow("created topic", "topic", r.Topic, "partitions", spec.NumPartitions)
		case kafka.ErrTopicAlreadyExists:
			log.Infow("topic already exists", "topic", r.Topic)
		default:
			return fmt.Errorf("failed to create topic %q: %w", r.Topic, r.Error)
		}
	}
	return nil
}

func increasePartitions(ctx context.Context, admin *kafka.AdminClient, spec TopicSpec, log *zap.SugaredLogger) error {
	results, err := admin.CreatePartitions(ctx, []kafka.PartitionsSpecification{{
		Topic:      spec.Name,
		IncreaseTo: spec.NumPartitions,
	}})
	if err != nil {
		return fmt.Errorf("failed to increase partitions for topic %q: %w", spec.Name, err)
	}
	for _, r := range results {
		if r.Error.Code() != kafka.ErrNoError {
			return fmt.Errorf("failed to increase partitions for topic %q: %w", r.Topic, r.Error)
		}
		log.Infow("increased partitions", "topic", r.Topic, "to", spec.NumPartitions)
	}
	return nil
}
