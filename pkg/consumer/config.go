package consumer

import (
	"errors"
	"fmt"
	"time"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

const (
	DefaultWorkers        = 1
	DefaultBackoffInitial = 100 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
	DefaultAckTimeout     = 10 * time.Second
	defaultAckAttempts    = 3
)

// Config controls how a Consumer drains its queue.
type Config struct {
	// Workers is the number of independent collect/dispatch loops.
	Workers int
	// MaxBatchSize and MaxBatchWait are passed to every DequeueBatch call.
	MaxBatchSize int
	MaxBatchWait time.Duration
	// HandlerTimeout bounds a single dispatch. Zero means no bound.
	HandlerTimeout time.Duration
	// BackoffInitial and BackoffMax bound the retry delay after a backend error.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// AckTimeout bounds acknowledging a batch after the handler returned.
	AckTimeout time.Duration
	// NackOnFailure makes failed messages visible again at once instead of
	// waiting out their visibility timeout.
	NackOnFailure bool
}

// ConfigFor returns the default consumer config for a queue's batch settings.
func ConfigFor(q broker.QueueConfig) Config {
	return Config{
		Workers:        DefaultWorkers,
		MaxBatchSize:   q.MaxBatchSize,
		MaxBatchWait:   q.MaxBatchWait,
		BackoffInitial: DefaultBackoffInitial,
		BackoffMax:     DefaultBackoffMax,
		AckTimeout:     DefaultAckTimeout,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.MaxBatchSize < 1 {
		errs = append(errs, fmt.Errorf("max batch size must be >= 1, got %d", c.MaxBatchSize))
	}
	if c.MaxBatchWait < 0 {
		errs = append(errs, fmt.Errorf("max batch wait must be >= 0, got %s", c.MaxBatchWait))
	}
	if c.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("handler timeout must be >= 0, got %s", c.HandlerTimeout))
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		errs = append(errs, fmt.Errorf("backoff must satisfy 0 < initial <= max, got %s/%s", c.BackoffInitial, c.BackoffMax))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ack timeout must be > 0, got %s", c.AckTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrInvalidConfig, err)
	}
	return nil
}
