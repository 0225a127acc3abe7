package broker

import "errors"

var (
	// ErrInvalidConfig is returned when a queue or topic configuration is rejected.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue closed")
	// ErrDuplicateSubscriber is returned when two distinct queues subscribe under the same name.
	ErrDuplicateSubscriber = errors.New("duplicate subscriber")
	// ErrEmptyName is returned for queues or topics without a name.
	ErrEmptyName = errors.New("name must not be empty")
)
