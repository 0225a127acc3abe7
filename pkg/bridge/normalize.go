package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/DonalWall207/ds-eda-lab/pkg/events"
)

// ErrMalformed is returned for notification documents that cannot be parsed.
var ErrMalformed = errors.New("malformed notification")

const (
	defaultSource    = "storage"
	defaultEventName = "ObjectCreated:Put"
)

// s3Notification is the S3 event notification layout.
type s3Notification struct {
	Records []s3Record `json:"Records"`
}

type s3Record struct {
	EventSource string    `json:"eventSource"`
	EventName   string    `json:"eventName"`
	EventTime   time.Time `json:"eventTime"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
			ETag string `json:"eTag"`
		} `json:"object"`
	} `json:"s3"`
}

// flatEvent is a single object event, as sent by tools that do not batch.
type flatEvent struct {
	Source    string    `json:"source"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag"`
	EventName string    `json:"eventName"`
	EventTime time.Time `json:"eventTime"`
}

// Normalize turns a storage notification document into the object-created
// events it carries. Records for other event kinds are skipped, so a valid
// document may yield no events.
func Normalize(raw []byte) ([]events.ObjectCreated, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch {
	case shape["Records"] != nil:
		var n s3Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		out := make([]events.ObjectCreated, 0, len(n.Records))
		for i, r := range n.Records {
			if !isObjectCreated(r.EventName) {
				continue
			}
			obj, err := fromS3Record(r)
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: %w", ErrMalformed, i, err)
			}
			out = append(out, obj)
		}
		return out, nil

	case shape["key"] != nil:
		var e flatEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if e.EventName == "" {
			e.EventName = defaultEventName
		}
		if !isObjectCreated(e.EventName) {
			return nil, nil
		}
		if e.Bucket == "" || e.Key == "" {
			return nil, fmt.Errorf("%w: bucket and key are required", ErrMalformed)
		}
		if e.Source == "" {
			e.Source = defaultSource
		}
		return []events.ObjectCreated{{
			Source:    e.Source,
			Bucket:    e.Bucket,
			Key:       e.Key,
			Size:      e.Size,
			ETag:      strings.Trim(e.ETag, `"`),
			EventName: e.EventName,
			EventTime: e.EventTime.UTC(),
		}}, nil

	default:
		return nil, fmt.Errorf("%w: neither Records nor key present", ErrMalformed)
	}
}

func fromS3Record(r s3Record) (events.ObjectCreated, error) {
	if r.S3.Bucket.Name == "" || r.S3.Object.Key == "" {
		return events.ObjectCreated{}, errors.New("bucket and key are required")
	}
	// S3 form-encodes object keys in notifications.
	key, err := url.QueryUnescape(r.S3.Object.Key)
	if err != nil {
		return events.ObjectCreated{}, fmt.Errorf("invalid object key %q: %w", r.S3.Object.Key, err)
	}
	source := r.EventSource
	if source == "" {
		source = defaultSource
	}
	return events.ObjectCreated{
		Source:    source,
		Bucket:    r.S3.Bucket.Name,
		Key:       key,
		Size:      r.S3.Object.Size,
		ETag:      strings.Trim(r.S3.Object.ETag, `"`),
		EventName: r.EventName,
		EventTime: r.EventTime.UTC(),
	}, nil
}

func isObjectCreated(eventName string) bool {
	return strings.HasPrefix(strings.TrimPrefix(eventName, "s3:"), "ObjectCreated")
}
