package consumer

import (
	"context"
	"sync"

	"github.com/DonalWall207/ds-eda-lab/pkg/handler"
)

// Recorder persists handler invocation records.
type Recorder interface {
	Record(ctx context.Context, inv handler.Invocation) error
}

// MemoryRecorder keeps invocation records in memory.
type MemoryRecorder struct {
	mu   sync.Mutex
	invs []handler.Invocation
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, inv handler.Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invs = append(r.invs, inv)
	return nil
}

// Invocations returns a copy of the records so far.
func (r *MemoryRecorder) Invocations() []handler.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]handler.Invocation(nil), r.invs...)
}

// MultiRecorder fans a record out to several recorders and returns the first error.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, inv handler.Invocation) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, inv); err != nil && first == nil {
			first = err
		}
	}
	return first
}
