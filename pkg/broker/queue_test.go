package broker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/broker/memstore"
)

func newQueue(t *testing.T, cfg broker.QueueConfig, opts ...broker.QueueOption) *broker.Queue {
	t.Helper()
	q, err := broker.NewQueue(zaptest.NewLogger(t).Sugar(), "test-queue", cfg, memstore.New(), opts...)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func enqueueN(t *testing.T, q *broker.Queue, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		id, err := q.Enqueue(t.Context(), []byte(fmt.Sprintf(`{"n":%d}`, i)), map[string]string{"n": fmt.Sprint(i)})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestNewQueue_Validation(t *testing.T) {
	t.Parallel()
	log := zaptest.NewLogger(t).Sugar()

	_, err := broker.NewQueue(log, "", broker.QueueConfig{}, memstore.New())
	require.ErrorIs(t, err, broker.ErrEmptyName)

	_, err = broker.NewQueue(log, "q", broker.QueueConfig{}, nil)
	require.ErrorIs(t, err, broker.ErrInvalidConfig)

	_, err = broker.NewQueue(log, "q", broker.QueueConfig{MaxBatchSize: -1}, memstore.New())
	require.ErrorIs(t, err, broker.ErrInvalidConfig)

	q, err := broker.NewQueue(log, "q", broker.QueueConfig{}, memstore.New())
	require.NoError(t, err)
	require.Equal(t, broker.DefaultQueueConfig(), q.Config())
	require.IsType(t, &broker.MemoryDeadLetters{}, q.DeadLetters())
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{MaxBatchSize: 10})

	ids := enqueueN(t, q, 3)
	batch, err := q.DequeueBatch(t.Context(), 3, time.Second)
	require.NoError(t, err)
	require.ElementsMatch(t, ids, broker.IDs(batch))
	for _, m := range batch {
		require.Equal(t, 1, m.DeliveryCount)
		require.Contains(t, m.Attributes, "n")
		require.False(t, m.EnqueuedAt.IsZero())
	}
}

func TestQueue_DequeueBatch_PartialBatchAfterWindow(t *testing.T) {
	t.Parallel()
	const window = 300 * time.Millisecond
	q := newQueue(t, broker.QueueConfig{MaxBatchSize: 5, PollInterval: 20 * time.Millisecond})

	enqueueN(t, q, 3)
	start := time.Now()
	batch, err := q.DequeueBatch(t.Context(), 5, window)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.GreaterOrEqual(t, elapsed, window, "a partial batch is only handed out when the window closes")
}

func TestQueue_DequeueBatch_FullBatchThenRemainder(t *testing.T) {
	t.Parallel()
	const window = 300 * time.Millisecond
	q := newQueue(t, broker.QueueConfig{MaxBatchSize: 5, PollInterval: 20 * time.Millisecond})

	ids := enqueueN(t, q, 7)

	start := time.Now()
	first, err := q.DequeueBatch(t.Context(), 5, window)
	require.NoError(t, err)
	require.Len(t, first, 5)
	require.Less(t, time.Since(start), window, "a full batch is handed out without waiting")

	second, err := q.DequeueBatch(t.Context(), 5, window)
	require.NoError(t, err)
	require.Len(t, second, 2)

	require.ElementsMatch(t, ids, append(broker.IDs(first), broker.IDs(second)...))
}

func TestQueue_DequeueBatch_DefaultWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full five second window")
	}
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{MaxBatchSize: 5, MaxBatchWait: 5 * time.Second})

	enqueueN(t, q, 3)
	start := time.Now()
	batch, err := q.DequeueBatch(t.Context(), 5, q.Config().MaxBatchWait)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	require.GreaterOrEqual(t, time.Since(start), 5*time.Second)
}

func TestQueue_DequeueBatch_ClampsMaxCount(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{MaxBatchSize: 2})
	enqueueN(t, q, 4)

	batch, err := q.DequeueBatch(t.Context(), 100, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	batch, err = q.DequeueBatch(t.Context(), 0, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
}

func TestQueue_DequeueBatch_EmptyWindow(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{PollInterval: 10 * time.Millisecond})

	batch, err := q.DequeueBatch(t.Context(), 5, 50*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestQueue_DequeueBatch_WakesOnEnqueue(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{PollInterval: 10 * time.Second})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Enqueue(context.Background(), []byte("x"), nil)
	}()

	start := time.Now()
	batch, err := q.DequeueBatch(t.Context(), 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestQueue_DequeueBatch_ContextCancelled(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := q.DequeueBatch(ctx, 5, time.Minute)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_DequeueBatch_CancelKeepsClaimedMessages(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{PollInterval: 10 * time.Millisecond})
	enqueueN(t, q, 2)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	batch, err := q.DequeueBatch(ctx, 5, time.Minute)
	require.NoError(t, err)
	require.Len(t, batch, 2)
}

func TestQueue_VisibilityExclusivity(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{
		MaxBatchSize:      10,
		VisibilityTimeout: time.Minute,
		PollInterval:      10 * time.Millisecond,
	})
	ids := enqueueN(t, q, 40)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := q.DequeueBatch(context.Background(), 10, 30*time.Millisecond)
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, m := range batch {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, len(ids))
	for id, n := range seen {
		require.Equal(t, 1, n, "message %s delivered to more than one consumer inside its visibility timeout", id)
	}
}

func TestQueue_RedeliveryIncrementsCount(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{
		VisibilityTimeout: 50 * time.Millisecond,
		MaxBatchWait:      20 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
	})
	id := enqueueN(t, q, 1)[0]

	for want := 1; want <= 3; want++ {
		batch, err := q.DequeueBatch(t.Context(), 1, time.Second)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.Equal(t, id, batch[0].ID)
		require.Equal(t, want, batch[0].DeliveryCount)
	}
}

func TestQueue_AckRemovesMessage(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{
		VisibilityTimeout: 30 * time.Millisecond,
		MaxBatchWait:      10 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	})
	enqueueN(t, q, 2)

	batch, err := q.DequeueBatch(t.Context(), 2, 0)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NoError(t, q.AckBatch(t.Context(), broker.Receipts(batch)))

	// acking twice, or acking after the deadline, is a no-op
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Ack(t.Context(), batch[0].Receipt()))
	require.NoError(t, q.Ack(t.Context(), broker.Receipt{ID: "unknown"}))

	again, err := q.DequeueBatch(t.Context(), 2, 20*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, again)

	st, err := q.Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, broker.Stats{}, st)
}

func TestQueue_NackMakesVisibleImmediately(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{VisibilityTimeout: time.Hour, PollInterval: 10 * time.Millisecond})
	id := enqueueN(t, q, 1)[0]

	batch, err := q.DequeueBatch(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.Equal(t, id, batch[0].ID)
	require.NoError(t, q.Nack(t.Context(), batch[0].Receipt()))
	require.NoError(t, q.Nack(t.Context(), broker.Receipt{ID: "unknown"}))

	batch, err = q.DequeueBatch(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, 2, batch[0].DeliveryCount)
}

func TestQueue_DeadLetterThreshold(t *testing.T) {
	t.Parallel()
	dlq := broker.NewMemoryDeadLetters()
	q := newQueue(t, broker.QueueConfig{
		VisibilityTimeout:       40 * time.Millisecond,
		MaxBatchWait:            20 * time.Millisecond,
		DeadLetterMaxDeliveries: 3,
		PollInterval:            10 * time.Millisecond,
	}, broker.WithDeadLetterSink(dlq))
	id := enqueueN(t, q, 1)[0]

	deliveries := 0
	for range 6 {
		batch, err := q.DequeueBatch(t.Context(), 1, 100*time.Millisecond)
		require.NoError(t, err)
		for _, m := range batch {
			require.Equal(t, id, m.ID)
			deliveries++
			require.LessOrEqual(t, m.DeliveryCount, 3)
		}
	}

	require.Equal(t, 3, deliveries, "never delivered a fourth time")
	require.Equal(t, 1, dlq.Count(id), "dead-lettered exactly once")

	dl := dlq.List()[0]
	require.Equal(t, "test-queue", dl.Queue)
	require.Equal(t, broker.ReasonMaxDeliveries, dl.Reason)
	require.Equal(t, 3, dl.Message.DeliveryCount)
}

func TestQueue_NackAtThresholdDeadLetters(t *testing.T) {
	t.Parallel()
	dlq := broker.NewMemoryDeadLetters()
	q := newQueue(t, broker.QueueConfig{
		VisibilityTimeout:       time.Hour,
		DeadLetterMaxDeliveries: 2,
	}, broker.WithDeadLetterSink(dlq))
	id := enqueueN(t, q, 1)[0]

	for range 2 {
		batch, err := q.DequeueBatch(t.Context(), 1, 0)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		require.NoError(t, q.Nack(t.Context(), batch[0].Receipt()))
	}

	require.Equal(t, 1, dlq.Count(id))
	batch, err := q.DequeueBatch(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Empty(t, batch)
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	inner    *broker.MemoryDeadLetters
}

func (f *flakySink) DeadLetter(ctx context.Context, dl broker.DeadLetter) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("sink unavailable")
	}
	f.mu.Unlock()
	return f.inner.DeadLetter(ctx, dl)
}

func TestQueue_DeadLetterSinkFailureRestoresMessage(t *testing.T) {
	t.Parallel()
	sink := &flakySink{failures: 1, inner: broker.NewMemoryDeadLetters()}
	q := newQueue(t, broker.QueueConfig{
		VisibilityTimeout:       30 * time.Millisecond,
		MaxBatchWait:            10 * time.Millisecond,
		DeadLetterMaxDeliveries: 1,
		PollInterval:            10 * time.Millisecond,
	}, broker.WithDeadLetterSink(sink))
	id := enqueueN(t, q, 1)[0]

	batch, err := q.DequeueBatch(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// the first hand-off fails, the message is restored and retried on a later claim
	for range 4 {
		batch, err = q.DequeueBatch(t.Context(), 1, 60*time.Millisecond)
		require.NoError(t, err)
		require.Empty(t, batch)
	}
	require.Equal(t, 1, sink.inner.Count(id))
}

func TestQueue_Close(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{PollInterval: time.Second})

	done := make(chan error, 1)
	go func() {
		_, err := q.DequeueBatch(context.Background(), 1, time.Minute)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, broker.ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("DequeueBatch did not return after Close")
	}

	_, err := q.Enqueue(t.Context(), []byte("x"), nil)
	require.ErrorIs(t, err, broker.ErrQueueClosed)
}

func TestQueue_Stats(t *testing.T) {
	t.Parallel()
	q := newQueue(t, broker.QueueConfig{VisibilityTimeout: time.Minute})
	enqueueN(t, q, 5)

	_, err := q.DequeueBatch(t.Context(), 2, 0)
	require.NoError(t, err)

	st, err := q.Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, broker.Stats{Available: 3, InFlight: 2}, st)
}

func TestNewQueue_RejectsVisibilityWithinBatchWait(t *testing.T) {
	t.Parallel()
	_, err := broker.NewQueue(zaptest.NewLogger(t).Sugar(), "q", broker.QueueConfig{
		VisibilityTimeout: 300 * time.Millisecond,
		MaxBatchWait:      2 * time.Second,
	}, memstore.New())
	require.ErrorIs(t, err, broker.ErrInvalidConfig)
	require.ErrorContains(t, err, "must exceed max batch wait")
}

func TestQueue_DequeueBatch_WindowLongerThanVisibility(t *testing.T) {
	t.Parallel()
	dlq := broker.NewMemoryDeadLetters()
	q := newQueue(t, broker.QueueConfig{
		VisibilityTimeout:       300 * time.Millisecond,
		MaxBatchWait:            100 * time.Millisecond,
		PollInterval:            50 * time.Millisecond,
		DeadLetterMaxDeliveries: 3,
	}, broker.WithDeadLetterSink(dlq))
	id := enqueueN(t, q, 1)[0]

	// the caller asks for a window well past the visibility timeout
	start := time.Now()
	batch, err := q.DequeueBatch(t.Context(), 5, 2*time.Second)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second, "window is cut at the claim's deadline")

	require.Len(t, batch, 1)
	require.Equal(t, id, batch[0].ID)
	require.Equal(t, 1, batch[0].DeliveryCount)
	require.Empty(t, dlq.List())
}

// skewedStore makes every message look visible to each new claim, as if the
// previous claim had already expired.
type skewedStore struct {
	*memstore.Store
	mu    sync.Mutex
	shift time.Duration
}

func (s *skewedStore) Claim(ctx context.Context, req broker.ClaimRequest) (broker.ClaimResult, error) {
	s.mu.Lock()
	s.shift += time.Hour
	req.Now = req.Now.Add(s.shift)
	s.mu.Unlock()
	return s.Store.Claim(ctx, req)
}

func TestQueue_DequeueBatch_ReclaimedMessageHeldOnce(t *testing.T) {
	t.Parallel()
	q, err := broker.NewQueue(zaptest.NewLogger(t).Sugar(), "test-queue", broker.QueueConfig{
		PollInterval: 10 * time.Millisecond,
	}, &skewedStore{Store: memstore.New()})
	require.NoError(t, err)
	t.Cleanup(q.Close)
	id := enqueueN(t, q, 1)[0]

	batch, err := q.DequeueBatch(t.Context(), 5, 100*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []string{id}, broker.IDs(batch))
	require.Greater(t, batch[0].DeliveryCount, 1, "the held copy is the latest claim")
}

func TestQueue_StaleHolderCannotReleaseOrAck(t *testing.T) {
	t.Parallel()
	const vis = 100 * time.Millisecond
	dlq := broker.NewMemoryDeadLetters()
	q := newQueue(t, broker.QueueConfig{
		VisibilityTimeout:       vis,
		MaxBatchWait:            20 * time.Millisecond,
		PollInterval:            5 * time.Millisecond,
		DeadLetterMaxDeliveries: 2,
	}, broker.WithDeadLetterSink(dlq))
	id := enqueueN(t, q, 1)[0]

	first, err := q.DequeueBatch(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// the first holder's window lapses and a second consumer reclaims
	time.Sleep(vis + 20*time.Millisecond)
	second, err := q.DequeueBatch(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, id, second[0].ID)
	require.Equal(t, 2, second[0].DeliveryCount)

	// the stale holder neither releases nor dead-letters the new claim
	require.NoError(t, q.Nack(t.Context(), first[0].Receipt()))
	require.Empty(t, dlq.List())
	third, err := q.DequeueBatch(t.Context(), 1, 0)
	require.NoError(t, err)
	require.Empty(t, third, "message stays with the second holder inside its window")

	require.NoError(t, q.Ack(t.Context(), first[0].Receipt()))
	st, err := q.Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, broker.Stats{InFlight: 1}, st, "stale ack leaves the new claim alone")

	require.NoError(t, q.Ack(t.Context(), second[0].Receipt()))
	st, err = q.Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, broker.Stats{}, st)
}
