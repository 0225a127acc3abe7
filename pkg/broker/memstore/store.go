// Package memstore is an in-process broker.Store. Contents are lost when the process exits.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

var _ broker.Store = (*Store)(nil)

// Store keeps every message of one queue in a map guarded by a mutex.
type Store struct {
	mu   sync.Mutex
	msgs map[string]broker.Message
}

// New returns an empty Store.
func New() *Store {
	return &Store{msgs: make(map[string]broker.Message)}
}

// Put stores a copy of msg, replacing any message with the same id.
func (s *Store) Put(_ context.Context, msg broker.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[msg.ID] = msg.Clone()
	return nil
}

// Claim hands out visible messages oldest deadline first. Ties break on id.
func (s *Store) Claim(ctx context.Context, req broker.ClaimRequest) (broker.ClaimResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.ClaimResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	visible := make([]broker.Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		if m.Visible(req.Now) {
			visible = append(visible, m)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].VisibleAt.Equal(visible[j].VisibleAt) {
			return visible[i].ID < visible[j].ID
		}
		return visible[i].VisibleAt.Before(visible[j].VisibleAt)
	})

	var res broker.ClaimResult
	for _, m := range visible {
		if len(res.Claimed) >= req.Max {
			break
		}
		if req.MaxDeliveries > 0 && m.DeliveryCount >= req.MaxDeliveries {
			delete(s.msgs, m.ID)
			res.Exhausted = append(res.Exhausted, m.Clone())
			continue
		}
		m.DeliveryCount++
		m.VisibleAt = req.Now.Add(req.Visibility)
		s.msgs[m.ID] = m
		res.Claimed = append(res.Claimed, m.Clone())
	}
	return res, nil
}

func (s *Store) Get(_ context.Context, id string) (broker.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return broker.Message{}, false, nil
	}
	return m.Clone(), true, nil
}

// Remove deletes the message r refers to unless r is stale.
func (s *Store) Remove(_ context.Context, r broker.Receipt) (broker.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[r.ID]
	if !ok || !r.Matches(m) {
		return broker.Message{}, false, nil
	}
	delete(s.msgs, r.ID)
	return m, true, nil
}

// Release makes the message r refers to visible at now unless r is stale.
func (s *Store) Release(_ context.Context, r broker.Receipt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[r.ID]
	if !ok || !r.Matches(m) {
		return false, nil
	}
	m.VisibleAt = now
	s.msgs[r.ID] = m
	return true, nil
}

func (s *Store) Stats(_ context.Context, now time.Time) (broker.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st broker.Stats
	for _, m := range s.msgs {
		if m.Visible(now) {
			st.Available++
		} else {
			st.InFlight++
		}
	}
	return st, nil
}

func (s *Store) Close() error {
	return nil
}
