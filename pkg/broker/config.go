package broker

import (
	"fmt"
	"time"
)

// Defaults collect batches of five for up to five seconds.
const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxBatchSize      = 5
	DefaultMaxBatchWait      = 5 * time.Second
	DefaultPollInterval      = 200 * time.Millisecond

	// MaxBatchSizeLimit is the largest batch a queue will hand out in one call.
	MaxBatchSizeLimit = 10000

	DefaultPublishMaxAttempts = 3
	DefaultPublishBackoff     = 50 * time.Millisecond
	DefaultPublishMaxBackoff  = 2 * time.Second
)

// QueueConfig holds the per-queue delivery settings.
type QueueConfig struct {
	// VisibilityTimeout is how long a claimed message stays hidden from other
	// consumers. It must exceed MaxBatchWait so a collecting batch never
	// outlives its own claims.
	VisibilityTimeout time.Duration
	// MaxBatchSize caps the number of messages returned by one DequeueBatch call.
	MaxBatchSize int
	// MaxBatchWait is the default batch window used by consumers of this queue.
	MaxBatchWait time.Duration
	// DeadLetterMaxDeliveries is the delivery count after which a message is
	// dead-lettered. Zero disables dead-lettering.
	DeadLetterMaxDeliveries int
	// PollInterval bounds how long a waiting DequeueBatch goes without
	// re-checking the store. Enqueues through the same Queue wake waiters
	// immediately; polling covers writers in other processes.
	PollInterval time.Duration
}

// DefaultQueueConfig returns a QueueConfig with the default values.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		VisibilityTimeout: DefaultVisibilityTimeout,
		MaxBatchSize:      DefaultMaxBatchSize,
		MaxBatchWait:      DefaultMaxBatchWait,
		PollInterval:      DefaultPollInterval,
	}
}

// WithDefaults returns a copy of the config with zero-valued durations and sizes filled in.
// This method does not mutate the original config.
func (c QueueConfig) WithDefaults() QueueConfig {
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchWait == 0 {
		c.MaxBatchWait = DefaultMaxBatchWait
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Validate checks the config for values a queue cannot operate with.
func (c QueueConfig) Validate() error {
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("%w: visibility timeout must be > 0, got %s", ErrInvalidConfig, c.VisibilityTimeout)
	}
	if c.MaxBatchSize < 1 || c.MaxBatchSize > MaxBatchSizeLimit {
		return fmt.Errorf("%w: max batch size must be between 1 and %d, got %d",
			ErrInvalidConfig, MaxBatchSizeLimit, c.MaxBatchSize)
	}
	if c.MaxBatchWait < 0 {
		return fmt.Errorf("%w: max batch wait must be >= 0, got %s", ErrInvalidConfig, c.MaxBatchWait)
	}
	if c.VisibilityTimeout <= c.MaxBatchWait {
		return fmt.Errorf("%w: visibility timeout %s must exceed max batch wait %s",
			ErrInvalidConfig, c.VisibilityTimeout, c.MaxBatchWait)
	}
	if c.DeadLetterMaxDeliveries < 0 {
		return fmt.Errorf("%w: dead-letter max deliveries must be >= 0, got %d",
			ErrInvalidConfig, c.DeadLetterMaxDeliveries)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0, got %s", ErrInvalidConfig, c.PollInterval)
	}
	return nil
}

// TopicConfig controls per-subscriber delivery retries on publish.
type TopicConfig struct {
	// MaxAttempts is the number of enqueue attempts per subscriber, including the first.
	MaxAttempts int
	// Backoff is the delay before the first retry; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Concurrency limits parallel subscriber deliveries per publish. Zero means unlimited.
	Concurrency int
}

// DefaultTopicConfig returns a TopicConfig with the default values.
func DefaultTopicConfig() TopicConfig {
	return TopicConfig{
		MaxAttempts: DefaultPublishMaxAttempts,
		Backoff:     DefaultPublishBackoff,
		MaxBackoff:  DefaultPublishMaxBackoff,
	}
}

// Validate checks the config for values a topic cannot operate with.
func (c TopicConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	}
	if c.Backoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("%w: backoff must be >= 0", ErrInvalidConfig)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must be >= 0, got %d", ErrInvalidConfig, c.Concurrency)
	}
	return nil
}
