package handler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrAlreadyRegistered = errors.New("handler already registered")
	ErrNotRegistered     = errors.New("no handler registered")
)

// Registry maps queue names to handlers. A queue has at most one handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(queue string, h Handler) error {
	if queue == "" {
		return errors.New("queue name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("nil handler for queue %s", queue)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[queue]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, queue)
	}
	r.handlers[queue] = h
	return nil
}

func (r *Registry) Lookup(queue string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

// MustLookup is Lookup returning ErrNotRegistered for an unknown queue.
func (r *Registry) MustLookup(queue string) (Handler, error) {
	h, ok := r.Lookup(queue)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, queue)
	}
	return h, nil
}

// Queues returns the registered queue names, sorted.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for q := range r.handlers {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}
