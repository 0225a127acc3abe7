package topology

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	top := Default()
	require.NoError(t, top.Validate())
	require.Equal(t, "NewImageTopic", top.Topic.Name)
	require.Len(t, top.Queues, 2)

	images, ok := top.Queue(ImageQueueName)
	require.True(t, ok)
	require.Equal(t, 5, images.Config.MaxBatchSize)
	require.Equal(t, 5*time.Second, images.Config.MaxBatchWait)
	require.Equal(t, 15*time.Second, images.Consumer.HandlerTimeout)
	require.True(t, images.Subscribe)

	mailer, ok := top.Queue(MailerQueueName)
	require.True(t, ok)
	require.Equal(t, 3*time.Second, mailer.Consumer.HandlerTimeout)

	_, ok = top.Queue("missing")
	require.False(t, ok)
}

func TestValidate_VisibilityCoversBatchAndHandler(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		vis     time.Duration
		wantErr bool
	}{
		{name: "default budget", vis: 30 * time.Second},
		{name: "just above wait plus handler", vis: 20*time.Second + time.Millisecond},
		{name: "equal to wait plus handler", vis: 20 * time.Second, wantErr: true},
		{name: "below wait plus handler", vis: 10 * time.Second, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			top := Default()
			// images waits 5s and allows the handler 15s
			top.Queues[0].Config.VisibilityTimeout = tt.vis
			err := top.Validate()
			if tt.wantErr {
				require.ErrorContains(t, err, "queue img-created-queue: visibility timeout")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestParse_Minimal(t *testing.T) {
	t.Parallel()
	top, err := Parse([]byte(`
queues:
  - name: q
    handler: h
`))
	require.NoError(t, err)
	require.Equal(t, DefaultTopicName, top.Topic.Name)
	require.Equal(t, broker.DefaultTopicConfig(), top.Topic.Config)

	q := top.Queues[0]
	require.Equal(t, broker.DefaultQueueConfig(), q.Config)
	require.Equal(t, 1, q.Consumer.Workers)
	require.True(t, q.Subscribe)
	require.Zero(t, q.Consumer.HandlerTimeout)
}

func TestParse_Overrides(t *testing.T) {
	t.Parallel()
	top, err := Parse([]byte(`
topic:
  name: uploads
  max_attempts: 5
  backoff_ms: 10
  concurrency: 2
queues:
  - name: q
    handler: h
    workers: 4
    batch_size: 10
    batch_window_seconds: 0
    visibility_timeout_seconds: 60
    handler_timeout_seconds: 7
    nack_on_failure: true
    dead_letter: {max_deliveries: 2, sink: queue, queue: dlq}
  - name: dlq
    subscribe: false
`))
	require.NoError(t, err)
	require.Equal(t, "uploads", top.Topic.Name)
	require.Equal(t, 5, top.Topic.Config.MaxAttempts)
	require.Equal(t, 10*time.Millisecond, top.Topic.Config.Backoff)
	require.Equal(t, 2, top.Topic.Config.Concurrency)

	q := top.Queues[0]
	require.Equal(t, 10, q.Config.MaxBatchSize)
	require.Zero(t, q.Config.MaxBatchWait)
	require.Equal(t, time.Minute, q.Config.VisibilityTimeout)
	require.Equal(t, 2, q.Config.DeadLetterMaxDeliveries)
	require.Equal(t, 4, q.Consumer.Workers)
	require.Equal(t, 10, q.Consumer.MaxBatchSize)
	require.Equal(t, 7*time.Second, q.Consumer.HandlerTimeout)
	require.True(t, q.Consumer.NackOnFailure)
	require.Equal(t, DeadLetter{Sink: SinkQueue, Queue: "dlq"}, q.DeadLetter)

	require.False(t, top.Queues[1].Subscribe)
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{name: "no queues", doc: `topic: {name: t}`, wantErr: "at least one queue"},
		{name: "unknown field", doc: "queues:\n  - name: q\n    batch: 5\n", wantErr: "field batch not found"},
		{name: "duplicate queue", doc: "queues:\n  - name: q\n  - name: q\n", wantErr: "declared twice"},
		{name: "bad batch size", doc: "queues:\n  - name: q\n    batch_size: -1\n", wantErr: "max batch size"},
		{name: "bad filter", doc: "queues:\n  - name: q\n    filter: 'attributes['\n", wantErr: "filter"},
		{name: "unknown sink", doc: "queues:\n  - name: q\n    dead_letter: {max_deliveries: 1, sink: s3}\n", wantErr: "unknown dead-letter sink"},
		{name: "missing dlq", doc: "queues:\n  - name: q\n    dead_letter: {max_deliveries: 1, sink: queue, queue: nope}\n", wantErr: "not declared"},
		{name: "self dlq", doc: "queues:\n  - name: q\n    dead_letter: {max_deliveries: 1, sink: queue, queue: q}\n", wantErr: "into itself"},
		{name: "max deliveries without sink", doc: "queues:\n  - name: q\n    dead_letter: {max_deliveries: 1}\n", wantErr: "without a dead-letter sink"},
		{name: "bad workers", doc: "queues:\n  - name: q\n    handler: h\n    workers: -1\n", wantErr: "workers"},
		{
			name:    "visibility within batch wait",
			doc:     "queues:\n  - name: q\n    batch_window_seconds: 10\n    visibility_timeout_seconds: 5\n",
			wantErr: "must exceed max batch wait",
		},
		{
			name:    "visibility within handler budget",
			doc:     "queues:\n  - name: q\n    handler: h\n    batch_window_seconds: 5\n    visibility_timeout_seconds: 20\n    handler_timeout_seconds: 15\n",
			wantErr: "must exceed batch wait plus handler timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.doc))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	t.Parallel()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	top, err := Load(filepath.Join(filepath.Dir(file), "..", "..", "configs", "topology.yaml"))
	require.NoError(t, err)

	images, ok := top.Queue(ImageQueueName)
	require.True(t, ok)
	require.Equal(t, 3, images.Config.DeadLetterMaxDeliveries)
	require.NotEmpty(t, images.Filter)
	require.Equal(t, 15*time.Second, images.Consumer.HandlerTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
