// Package handler defines the contract between a batch consumer and the
// business logic it drives, and the registry mapping queues to handlers.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

// Outcome classifies a handler invocation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Batch is the unit of work handed to a handler. Messages keep the order
// in which they were dequeued.
type Batch struct {
	ID       string
	Queue    string
	Messages []broker.Message
}

// Bodies returns the message bodies in batch order.
func (b Batch) Bodies() [][]byte {
	out := make([][]byte, len(b.Messages))
	for i, m := range b.Messages {
		out[i] = m.Body
	}
	return out
}

// IDs returns the message ids in batch order.
func (b Batch) IDs() []string {
	return broker.IDs(b.Messages)
}

// Result is what a handler reports for a batch.
//
// Success acknowledges every message. Failure acknowledges none, so the whole
// batch is redelivered after its visibility timeout. Partial acknowledges
// exactly the messages listed in Completed.
type Result struct {
	Outcome   Outcome
	Completed []string
	Err       error
}

func Success() Result {
	return Result{Outcome: OutcomeSuccess}
}

func Failure(err error) Result {
	if err == nil {
		err = fmt.Errorf("handler reported failure")
	}
	return Result{Outcome: OutcomeFailure, Err: err}
}

// Partial reports that only the completed message ids were handled. err
// describes what went wrong with the rest.
func Partial(completed []string, err error) Result {
	return Result{
		Outcome:   OutcomePartial,
		Completed: append([]string(nil), completed...),
		Err:       err,
	}
}

// Handler processes batches for one queue. Implementations must not retry
// on their own; redelivery is driven by the queue.
type Handler interface {
	Handle(ctx context.Context, batch Batch) Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, batch Batch) Result

func (f HandlerFunc) Handle(ctx context.Context, batch Batch) Result {
	return f(ctx, batch)
}

// Invocation records one dispatch of a batch to a handler.
type Invocation struct {
	BatchID    string
	Queue      string
	MessageIDs []string
	Outcome    Outcome
	// Acked lists the ids that were acknowledged as a result of the outcome.
	Acked     []string
	Err       string
	StartedAt time.Time
	Duration  time.Duration
}
