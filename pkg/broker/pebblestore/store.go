package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

var _ broker.Store = (*Store)(nil)

// Store is a broker.Store over one queue's key range.
type Store struct {
	db    *DB
	queue string

	// mu serialises read-modify-write sequences on this queue's keys.
	mu sync.Mutex
}

func (s *Store) msgKey(id string) []byte {
	return []byte("q/" + s.queue + "/m/" + id)
}

func (s *Store) visPrefix() []byte {
	return []byte("q/" + s.queue + "/v/")
}

func (s *Store) visKey(visibleAt time.Time, id string) []byte {
	p := s.visPrefix()
	k := make([]byte, 0, len(p)+9+len(id))
	k = append(k, p...)
	k = binary.BigEndian.AppendUint64(k, uint64(visibleAt.UnixMilli()))
	k = append(k, '/')
	return append(k, id...)
}

func (s *Store) parseVisKey(k []byte) (int64, string) {
	rest := k[len(s.visPrefix()):]
	ms := int64(binary.BigEndian.Uint64(rest[:8]))
	return ms, string(rest[9:])
}

func prefixUpperBound(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func truncateMs(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

func (s *Store) load(id string) (broker.Message, bool, error) {
	raw, ok, err := s.db.get(s.msgKey(id))
	if err != nil || !ok {
		return broker.Message{}, ok, err
	}
	var m broker.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return broker.Message{}, false, fmt.Errorf("failed to decode message %s: %w", id, err)
	}
	return m, true, nil
}

// write stages msg and its index entry, dropping the index entry at oldVis when set.
func (s *Store) write(b *pebble.Batch, msg broker.Message, oldVis *time.Time) error {
	if oldVis != nil {
		if err := b.Delete(s.visKey(*oldVis, msg.ID), nil); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
	}
	if err := b.Set(s.msgKey(msg.ID), raw, nil); err != nil {
		return err
	}
	return b.Set(s.visKey(msg.VisibleAt, msg.ID), nil, nil)
}

func (s *Store) Put(_ context.Context, msg broker.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.VisibleAt = truncateMs(msg.VisibleAt)
	existing, found, err := s.load(msg.ID)
	if err != nil {
		return err
	}

	b := s.db.inner.NewBatch()
	defer b.Close()
	var old *time.Time
	if found {
		old = &existing.VisibleAt
	}
	if err := s.write(b, msg, old); err != nil {
		return err
	}
	return s.db.commit(b)
}

func (s *Store) Claim(ctx context.Context, req broker.ClaimRequest) (broker.ClaimResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.ClaimResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := s.visPrefix()
	iter, err := s.db.inner.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return broker.ClaimResult{}, fmt.Errorf("failed to open visibility index: %w", err)
	}

	nowMs := req.Now.UnixMilli()
	var ids []string
	for valid := iter.First(); valid; valid = iter.Next() {
		ms, id := s.parseVisKey(iter.Key())
		if ms > nowMs {
			break
		}
		ids = append(ids, id)
		// Exhausted messages do not count toward Max, so the scan may need to
		// look past it. Bound the look-ahead to keep a claim cheap.
		if len(ids) >= req.Max*4 {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return broker.ClaimResult{}, err
	}

	b := s.db.inner.NewBatch()
	defer b.Close()

	var res broker.ClaimResult
	deadline := truncateMs(req.Now.Add(req.Visibility))
	for _, id := range ids {
		if len(res.Claimed) >= req.Max {
			break
		}
		m, ok, err := s.load(id)
		if err != nil {
			return broker.ClaimResult{}, err
		}
		if !ok {
			continue
		}
		if req.MaxDeliveries > 0 && m.DeliveryCount >= req.MaxDeliveries {
			if err := b.Delete(s.visKey(m.VisibleAt, id), nil); err != nil {
				return broker.ClaimResult{}, err
			}
			if err := b.Delete(s.msgKey(id), nil); err != nil {
				return broker.ClaimResult{}, err
			}
			res.Exhausted = append(res.Exhausted, m)
			continue
		}
		old := m.VisibleAt
		m.DeliveryCount++
		m.VisibleAt = deadline
		if err := s.write(b, m, &old); err != nil {
			return broker.ClaimResult{}, err
		}
		res.Claimed = append(res.Claimed, m)
	}

	if b.Empty() {
		return res, nil
	}
	if err := s.db.commit(b); err != nil {
		return broker.ClaimResult{}, fmt.Errorf("failed to commit claim: %w", err)
	}
	return res, nil
}

func (s *Store) Get(_ context.Context, id string) (broker.Message, bool, error) {
	return s.load(id)
}

func (s *Store) Remove(_ context.Context, r broker.Receipt) (broker.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.ID
	m, ok, err := s.load(id)
	if err != nil || !ok || !r.Matches(m) {
		return broker.Message{}, false, err
	}
	b := s.db.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(s.visKey(m.VisibleAt, id), nil); err != nil {
		return broker.Message{}, false, err
	}
	if err := b.Delete(s.msgKey(id), nil); err != nil {
		return broker.Message{}, false, err
	}
	if err := s.db.commit(b); err != nil {
		return broker.Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) Release(_ context.Context, r broker.Receipt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok, err := s.load(r.ID)
	if err != nil || !ok || !r.Matches(m) {
		return false, err
	}
	old := m.VisibleAt
	m.VisibleAt = truncateMs(now)

	b := s.db.inner.NewBatch()
	defer b.Close()
	if err := s.write(b, m, &old); err != nil {
		return false, err
	}
	return true, s.db.commit(b)
}

func (s *Store) Stats(_ context.Context, now time.Time) (broker.Stats, error) {
	prefix := s.visPrefix()
	iter, err := s.db.inner.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return broker.Stats{}, err
	}
	defer iter.Close()

	nowMs := now.UnixMilli()
	var st broker.Stats
	for valid := iter.First(); valid; valid = iter.Next() {
		if ms, _ := s.parseVisKey(iter.Key()); ms <= nowMs {
			st.Available++
		} else {
			st.InFlight++
		}
	}
	return st, iter.Error()
}

// Close is a no-op; the shared DB is closed by its owner.
func (s *Store) Close() error {
	return nil
}
