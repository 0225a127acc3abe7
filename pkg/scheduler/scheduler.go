// Package scheduler runs periodic background jobs alongside the consumers.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
)

const (
	sampleTimeout = 1 * time.Second
	maxRetries    = 3
	backoff       = 300 * time.Millisecond
)

// Sampled is a queue whose depth can be read; *broker.Queue updates its
// depth gauges as a side effect of Stats.
type Sampled interface {
	Name() string
	Stats(ctx context.Context) (broker.Stats, error)
}

// Start samples every queue once per interval until ctx is canceled. A queue
// whose backend keeps failing after maxRetries attempts stops the scheduler
// with an error.
func Start(
	ctx context.Context,
	log *zap.SugaredLogger,
	queues []Sampled,
	interval time.Duration,
) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, q := range queues {
				st, err := sample(ctx, q)
				if ctx.Err() != nil {
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to sample queue %s: %w", q.Name(), err)
				}
				log.Debugw("queue depth", "queue", q.Name(), "available", st.Available, "inFlight", st.InFlight)
			}
		}
	}
}

func sample(ctx context.Context, q Sampled) (broker.Stats, error) {
	var (
		st  broker.Stats
		err error
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctxS, cancel := context.WithTimeout(ctx, sampleTimeout)
		st, err = q.Stats(ctxS)
		cancel()
		if err == nil {
			return st, nil
		}
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return st, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return st, err
}
