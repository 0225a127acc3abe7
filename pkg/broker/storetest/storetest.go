// Package storetest is a conformance suite run against every broker.Store backend.
package storetest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) broker.Store

var base = time.UnixMilli(1_700_000_000_000)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGetRemove", func(t *testing.T) { testPutGetRemove(t, newStore(t)) })
	t.Run("ClaimOrderAndBookkeeping", func(t *testing.T) { testClaimOrder(t, newStore(t)) })
	t.Run("ClaimHidesUntilDeadline", func(t *testing.T) { testClaimHides(t, newStore(t)) })
	t.Run("ClaimExhausted", func(t *testing.T) { testClaimExhausted(t, newStore(t)) })
	t.Run("Release", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("StaleReceiptIsNoop", func(t *testing.T) { testStaleReceipt(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
}

func msg(id string, visibleAt time.Time) broker.Message {
	return broker.Message{
		ID:         id,
		Body:       []byte(`{"id":"` + id + `"}`),
		Attributes: map[string]string{"source": "storetest"},
		EnqueuedAt: visibleAt,
		VisibleAt:  visibleAt,
	}
}

func testPutGetRemove(t *testing.T, s broker.Store) {
	ctx := t.Context()
	in := msg("a", base)
	require.NoError(t, s.Put(ctx, in))

	got, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in.Body, got.Body)
	require.Equal(t, in.Attributes, got.Attributes)
	require.Equal(t, in.VisibleAt.UnixMilli(), got.VisibleAt.UnixMilli())
	require.Zero(t, got.DeliveryCount)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	removed, ok, err := s.Remove(ctx, broker.Receipt{ID: "a"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", removed.ID)

	_, ok, err = s.Remove(ctx, broker.Receipt{ID: "a"})
	require.NoError(t, err)
	require.False(t, ok, "second remove must report not found")
}

func testClaimOrder(t *testing.T, s broker.Store) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, msg("late", base.Add(2*time.Millisecond))))
	require.NoError(t, s.Put(ctx, msg("early", base)))
	require.NoError(t, s.Put(ctx, msg("middle", base.Add(time.Millisecond))))
	require.NoError(t, s.Put(ctx, msg("future", base.Add(time.Hour))))

	now := base.Add(time.Second)
	res, err := s.Claim(ctx, broker.ClaimRequest{Max: 2, Now: now, Visibility: 30 * time.Second})
	require.NoError(t, err)
	require.Empty(t, res.Exhausted)
	require.Equal(t, []string{"early", "middle"}, broker.IDs(res.Claimed))
	for _, m := range res.Claimed {
		require.Equal(t, 1, m.DeliveryCount)
		require.Equal(t, now.Add(30*time.Second).UnixMilli(), m.VisibleAt.UnixMilli())
		require.Equal(t, map[string]string{"source": "storetest"}, m.Attributes)
	}

	res, err = s.Claim(ctx, broker.ClaimRequest{Max: 10, Now: now, Visibility: 30 * time.Second})
	require.NoError(t, err)
	require.Equal(t, []string{"late"}, broker.IDs(res.Claimed))
}

func testClaimHides(t *testing.T, s broker.Store) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, msg("a", base)))

	vis := 10 * time.Second
	res, err := s.Claim(ctx, broker.ClaimRequest{Max: 1, Now: base, Visibility: vis})
	require.NoError(t, err)
	require.Len(t, res.Claimed, 1)

	res, err = s.Claim(ctx, broker.ClaimRequest{Max: 1, Now: base.Add(vis - time.Millisecond), Visibility: vis})
	require.NoError(t, err)
	require.Empty(t, res.Claimed, "in-flight message must stay hidden")

	res, err = s.Claim(ctx, broker.ClaimRequest{Max: 1, Now: base.Add(vis), Visibility: vis})
	require.NoError(t, err)
	require.Len(t, res.Claimed, 1)
	require.Equal(t, 2, res.Claimed[0].DeliveryCount)
}

func testClaimExhausted(t *testing.T, s broker.Store) {
	ctx := t.Context()
	m := msg("a", base)
	m.DeliveryCount = 3
	require.NoError(t, s.Put(ctx, m))
	require.NoError(t, s.Put(ctx, msg("b", base.Add(time.Millisecond))))

	res, err := s.Claim(ctx, broker.ClaimRequest{
		Max:           5,
		Now:           base.Add(time.Second),
		Visibility:    time.Second,
		MaxDeliveries: 3,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, broker.IDs(res.Claimed))
	require.Len(t, res.Exhausted, 1)
	require.Equal(t, "a", res.Exhausted[0].ID)
	require.Equal(t, 3, res.Exhausted[0].DeliveryCount)
	require.Equal(t, m.Body, res.Exhausted[0].Body)

	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok, "exhausted message must be removed")
}

func testRelease(t *testing.T, s broker.Store) {
	ctx := t.Context()
	require.NoError(t, s.Put(ctx, msg("a", base)))
	_, err := s.Claim(ctx, broker.ClaimRequest{Max: 1, Now: base, Visibility: time.Hour})
	require.NoError(t, err)

	ok, err := s.Release(ctx, broker.Receipt{ID: "a", Delivery: 1}, base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	res, err := s.Claim(ctx, broker.ClaimRequest{Max: 1, Now: base.Add(time.Second), Visibility: time.Hour})
	require.NoError(t, err)
	require.Len(t, res.Claimed, 1)
	require.Equal(t, 2, res.Claimed[0].DeliveryCount)

	ok, err = s.Release(ctx, broker.Receipt{ID: "missing"}, base)
	require.NoError(t, err)
	require.False(t, ok)
}

func testStaleReceipt(t *testing.T, s broker.Store) {
	ctx := t.Context()
	vis := 10 * time.Second
	require.NoError(t, s.Put(ctx, msg("a", base)))

	first, err := s.Claim(ctx, broker.ClaimRequest{Max: 1, Now: base, Visibility: vis})
	require.NoError(t, err)
	require.Len(t, first.Claimed, 1)
	stale := first.Claimed[0].Receipt()

	// the first holder's window lapses and a second claim takes over
	later := base.Add(vis)
	second, err := s.Claim(ctx, broker.ClaimRequest{Max: 1, Now: later, Visibility: vis})
	require.NoError(t, err)
	require.Len(t, second.Claimed, 1)

	ok, err := s.Release(ctx, stale, later)
	require.NoError(t, err)
	require.False(t, ok, "stale release must not touch the new claim")

	res, err := s.Claim(ctx, broker.ClaimRequest{Max: 1, Now: later, Visibility: vis})
	require.NoError(t, err)
	require.Empty(t, res.Claimed, "message stays hidden inside the second claim's window")

	_, ok, err = s.Remove(ctx, stale)
	require.NoError(t, err)
	require.False(t, ok, "stale remove must not delete the new claim")

	got, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got.DeliveryCount)

	removed, ok, err := s.Remove(ctx, second.Claimed[0].Receipt())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", removed.ID)
}

func testStats(t *testing.T, s broker.Store) {
	ctx := t.Context()
	for i := range 4 {
		require.NoError(t, s.Put(ctx, msg(fmt.Sprintf("m%d", i), base)))
	}
	_, err := s.Claim(ctx, broker.ClaimRequest{Max: 3, Now: base, Visibility: time.Minute})
	require.NoError(t, err)

	st, err := s.Stats(ctx, base.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, broker.Stats{Available: 1, InFlight: 3}, st)

	st, err = s.Stats(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, broker.Stats{Available: 4, InFlight: 0}, st)
}

func testConcurrentClaims(t *testing.T, s broker.Store) {
	ctx := t.Context()
	const total = 50
	for i := range total {
		require.NoError(t, s.Put(ctx, msg(fmt.Sprintf("m%02d", i), base)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Claim(ctx, broker.ClaimRequest{Max: 10, Now: base, Visibility: time.Minute})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, m := range res.Claimed {
				seen[m.ID]++
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "message %s claimed more than once", id)
	}
}
