// Package events defines the JSON envelope carried as the body of every
// message published on a topic.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope version written by this build.
const Version = 1

var ErrUnexpectedType = errors.New("unexpected envelope type")

type Envelope struct {
	Type    string          `json:"type"`
	Version int             `json:"version"`
	ID      string          `json:"id,omitempty"`
	TS      string          `json:"ts,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Open decodes an envelope from a message body.
func Open(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}

func New(msgType string, version int, id string, ts string, data json.RawMessage) *Envelope {
	return &Envelope{
		Type:    msgType,
		Version: version,
		ID:      id,
		TS:      ts,
		Data:    data,
	}
}

// Seal marshals payload into a new envelope of msgType with a fresh id and
// the given timestamp, and returns the encoded envelope.
func Seal(msgType string, payload any, ts time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	env := New(msgType, Version, uuid.NewString(), ts.UTC().Format(time.RFC3339Nano), data)
	return json.Marshal(env)
}

// Decode checks the envelope type and unmarshals its data into out.
func (e *Envelope) Decode(msgType string, out any) error {
	if e.Type != msgType {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedType, e.Type, msgType)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", msgType, err)
	}
	return nil
}
