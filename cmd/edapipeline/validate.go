package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/topology"
)

// validate loads the topology and prints the resolved layout.
func validate(c *cli.Context) error {
	top, err := loadTopology(c.String("topology"))
	if err != nil {
		return err
	}
	if err := top.Validate(); err != nil {
		return fmt.Errorf("invalid topology: %w", err)
	}
	for _, spec := range top.Queues {
		if spec.Filter == "" {
			continue
		}
		if _, err := broker.NewFilter(spec.Filter); err != nil {
			return fmt.Errorf("queue %s: %w", spec.Name, err)
		}
	}

	w := c.App.Writer
	fmt.Fprintf(w, "topic %s (max attempts %d)\n", top.Topic.Name, top.Topic.Config.MaxAttempts)
	for _, spec := range top.Queues {
		fmt.Fprintf(w, "  queue %s handler=%q subscribe=%t batch=%d/%s visibility=%s%s\n",
			spec.Name,
			spec.Handler,
			spec.Subscribe,
			spec.Config.MaxBatchSize,
			spec.Config.MaxBatchWait,
			spec.Config.VisibilityTimeout,
			deadLetterSummary(spec),
		)
	}
	return nil
}

func deadLetterSummary(spec topology.Queue) string {
	if spec.Config.DeadLetterMaxDeliveries == 0 {
		return ""
	}
	target := spec.DeadLetter.Sink
	if target == topology.SinkQueue {
		target = "queue:" + spec.DeadLetter.Queue
	}
	return fmt.Sprintf(" dlq=%s after %d deliveries", target, spec.Config.DeadLetterMaxDeliveries)
}
