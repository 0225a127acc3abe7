package broker

import (
	"context"
	"time"
)

// ClaimRequest describes one atomic claim against a Store.
type ClaimRequest struct {
	// Max is the maximum number of messages to claim.
	Max int
	// Now is the claim instant. Messages with VisibleAt <= Now are eligible.
	Now time.Time
	// Visibility is added to Now to form the new visibility deadline.
	Visibility time.Duration
	// MaxDeliveries, when positive, stops a message from being claimed once it
	// has already been delivered that many times. Such messages are removed and
	// returned in ClaimResult.Exhausted instead.
	MaxDeliveries int
}

// ClaimResult is the outcome of a claim.
type ClaimResult struct {
	// Claimed messages have DeliveryCount incremented and VisibleAt set to the new deadline.
	Claimed []Message
	// Exhausted messages reached MaxDeliveries and were removed from the store.
	Exhausted []Message
}

// Stats is a point-in-time depth sample of a queue.
type Stats struct {
	Available int
	InFlight  int
}

// Store is the persistence contract a queue backend must satisfy.
//
// Claim must be atomic with respect to concurrent claims from any process
// sharing the backend: a visible message is handed to at most one claimer.
type Store interface {
	// Put inserts or replaces a message. Its VisibleAt decides when it becomes claimable.
	Put(ctx context.Context, msg Message) error
	// Claim atomically claims up to req.Max visible messages.
	Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error)
	// Get returns the message with the given id.
	Get(ctx context.Context, id string) (Message, bool, error)
	// Remove deletes the message r refers to and returns it. An unknown id or
	// a receipt that no longer matches the stored claim reports false and
	// leaves the store untouched.
	Remove(ctx context.Context, r Receipt) (Message, bool, error)
	// Release makes the message r refers to visible at now without changing
	// its delivery count. Unknown ids and stale receipts report false.
	Release(ctx context.Context, r Receipt, now time.Time) (bool, error)
	// Stats samples the number of available and in-flight messages at now.
	Stats(ctx context.Context, now time.Time) (Stats, error)
	// Close releases backend resources.
	Close() error
}
