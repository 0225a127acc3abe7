package broker

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"time"
)

// ReasonMaxDeliveries marks a message that reached its queue's delivery threshold.
const ReasonMaxDeliveries = "max_deliveries"

// Attribute keys set on messages forwarded by QueueDeadLetters.
const (
	AttrDeadLetterSource        = "dlq.sourceQueue"
	AttrDeadLetterReason        = "dlq.reason"
	AttrDeadLetterMessageID     = "dlq.messageId"
	AttrDeadLetterDeliveryCount = "dlq.deliveryCount"
)

// DeadLetter is a message removed from its queue for good.
type DeadLetter struct {
	Queue          string    `json:"queue"`
	Reason         string    `json:"reason"`
	Message        Message   `json:"message"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// DeadLetterSink receives dead-lettered messages. A returned error makes the
// queue restore the message and retry the hand-off on a later claim.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// MemoryDeadLetters keeps dead letters in memory.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{}
}

func (m *MemoryDeadLetters) DeadLetter(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl.Message = dl.Message.Clone()
	m.letters = append(m.letters, dl)
	return nil
}

// List returns a copy of the dead letters received so far.
func (m *MemoryDeadLetters) List() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.letters...)
}

// Count returns how many times the message with id was dead-lettered.
func (m *MemoryDeadLetters) Count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, dl := range m.letters {
		if dl.Message.ID == id {
			n++
		}
	}
	return n
}

// QueueDeadLetters forwards dead letters into another queue, keeping the
// original body and recording where the message came from in its attributes.
type QueueDeadLetters struct {
	target Enqueuer
}

func NewQueueDeadLetters(target Enqueuer) *QueueDeadLetters {
	return &QueueDeadLetters{target: target}
}

func (s *QueueDeadLetters) DeadLetter(ctx context.Context, dl DeadLetter) error {
	attrs := make(map[string]string, len(dl.Message.Attributes)+4)
	maps.Copy(attrs, dl.Message.Attributes)
	attrs[AttrDeadLetterSource] = dl.Queue
	attrs[AttrDeadLetterReason] = dl.Reason
	attrs[AttrDeadLetterMessageID] = dl.Message.ID
	attrs[AttrDeadLetterDeliveryCount] = strconv.Itoa(dl.Message.DeliveryCount)

	if _, err := s.target.Enqueue(ctx, dl.Message.Body, attrs); err != nil {
		return fmt.Errorf("failed to forward dead letter to %s: %w", s.target.Name(), err)
	}
	return nil
}
