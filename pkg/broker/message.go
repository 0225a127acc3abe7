package broker

import (
	"maps"
	"time"
)

// Message is a single queued payload together with its delivery bookkeeping.
type Message struct {
	ID         string            `json:"id"`
	Body       []byte            `json:"body"`
	Attributes map[string]string `json:"attributes,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	// DeliveryCount is the number of times the message has been claimed.
	DeliveryCount int `json:"deliveryCount"`
	// VisibleAt is the instant from which the message may be claimed. For a
	// message in flight it is the visibility deadline.
	VisibleAt time.Time `json:"visibleAt"`
}

// Visible reports whether the message can be claimed at now.
func (m Message) Visible(now time.Time) bool {
	return !m.VisibleAt.After(now)
}

// InFlight reports whether the message is claimed and its deadline has not passed.
func (m Message) InFlight(now time.Time) bool {
	return m.DeliveryCount > 0 && m.VisibleAt.After(now)
}

// Clone returns a deep copy so callers cannot mutate store-owned buffers.
func (m Message) Clone() Message {
	out := m
	if m.Body != nil {
		out.Body = append([]byte(nil), m.Body...)
	}
	if m.Attributes != nil {
		out.Attributes = maps.Clone(m.Attributes)
	}
	return out
}

// IDs returns the ids of msgs in order.
func IDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

// Receipt identifies one claim of a message. Every claim bumps the delivery
// count, so a receipt stops matching as soon as the message is claimed again.
// A zero Delivery matches whatever claim is current and stands for the bare
// message id.
type Receipt struct {
	ID       string
	Delivery int
}

// Receipt returns the receipt of the claim that produced m.
func (m Message) Receipt() Receipt {
	return Receipt{ID: m.ID, Delivery: m.DeliveryCount}
}

// Matches reports whether r refers to the current claim of stored.
func (r Receipt) Matches(stored Message) bool {
	return r.Delivery == 0 || r.Delivery == stored.DeliveryCount
}

// Receipts returns the receipts of msgs in order.
func Receipts(msgs []Message) []Receipt {
	out := make([]Receipt, len(msgs))
	for i, m := range msgs {
		out[i] = m.Receipt()
	}
	return out
}
