package events

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const TypeObjectCreated = "object.created"

// ObjectCreated describes one object written to a storage bucket.
type ObjectCreated struct {
	Source    string    `json:"source"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag,omitempty"`
	EventName string    `json:"eventName"`
	EventTime time.Time `json:"eventTime"`
}

// Extension returns the lower-cased file extension of the object key, without the dot.
func (o ObjectCreated) Extension() string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(o.Key)), ".")
}

// URI identifies the object as bucket/key.
func (o ObjectCreated) URI() string {
	return fmt.Sprintf("%s/%s", o.Bucket, o.Key)
}

// DecodeObjectCreated opens a message body and returns its ObjectCreated payload.
func DecodeObjectCreated(body []byte) (ObjectCreated, error) {
	env, err := Open(body)
	if err != nil {
		return ObjectCreated{}, err
	}
	var obj ObjectCreated
	if err := env.Decode(TypeObjectCreated, &obj); err != nil {
		return ObjectCreated{}, err
	}
	return obj, nil
}
