package topology

import (
	"time"

	"github.com/DonalWall207/ds-eda-lab/pkg/broker"
	"github.com/DonalWall207/ds-eda-lab/pkg/consumer"
)

// file mirrors the YAML schema used by configs/topology.yaml. Durations are
// whole seconds, except backoffs which are milliseconds.
type file struct {
	Topic struct {
		Name             string `yaml:"name"`
		MaxAttempts      int    `yaml:"max_attempts"`
		BackoffMillis    int    `yaml:"backoff_ms"`
		MaxBackoffMillis int    `yaml:"max_backoff_ms"`
		Concurrency      int    `yaml:"concurrency"`
	} `yaml:"topic"`
	Queues []queueFile `yaml:"queues"`
}

type queueFile struct {
	Name                     string  `yaml:"name"`
	Handler                  string  `yaml:"handler"`
	Subscribe                *bool   `yaml:"subscribe"`
	Filter                   string  `yaml:"filter"`
	Workers                  int     `yaml:"workers"`
	BatchSize                int     `yaml:"batch_size"`
	BatchWindowSeconds       *int    `yaml:"batch_window_seconds"`
	VisibilityTimeoutSeconds int     `yaml:"visibility_timeout_seconds"`
	HandlerTimeoutSeconds    int     `yaml:"handler_timeout_seconds"`
	NackOnFailure            bool    `yaml:"nack_on_failure"`
	DeadLetter               *dlFile `yaml:"dead_letter"`
}

type dlFile struct {
	MaxDeliveries int    `yaml:"max_deliveries"`
	Sink          string `yaml:"sink"`
	Queue         string `yaml:"queue"`
}

func (f file) resolve() Topology {
	t := Topology{Topic: Topic{Name: f.Topic.Name, Config: broker.DefaultTopicConfig()}}
	if t.Topic.Name == "" {
		t.Topic.Name = DefaultTopicName
	}
	if f.Topic.MaxAttempts != 0 {
		t.Topic.Config.MaxAttempts = f.Topic.MaxAttempts
	}
	if f.Topic.BackoffMillis != 0 {
		t.Topic.Config.Backoff = time.Duration(f.Topic.BackoffMillis) * time.Millisecond
	}
	if f.Topic.MaxBackoffMillis != 0 {
		t.Topic.Config.MaxBackoff = time.Duration(f.Topic.MaxBackoffMillis) * time.Millisecond
	}
	t.Topic.Config.Concurrency = f.Topic.Concurrency

	for _, qf := range f.Queues {
		t.Queues = append(t.Queues, qf.resolve())
	}
	return t
}

func (qf queueFile) resolve() Queue {
	cfg := broker.QueueConfig{
		VisibilityTimeout: seconds(qf.VisibilityTimeoutSeconds),
		MaxBatchSize:      qf.BatchSize,
	}.WithDefaults()
	// an explicit zero window dispatches whatever is available at once
	if qf.BatchWindowSeconds != nil {
		cfg.MaxBatchWait = seconds(*qf.BatchWindowSeconds)
	}

	q := Queue{
		Name:      qf.Name,
		Handler:   qf.Handler,
		Config:    cfg,
		Subscribe: qf.Subscribe == nil || *qf.Subscribe,
		Filter:    qf.Filter,
	}
	if qf.DeadLetter != nil {
		q.Config.DeadLetterMaxDeliveries = qf.DeadLetter.MaxDeliveries
		q.DeadLetter = DeadLetter{Sink: qf.DeadLetter.Sink, Queue: qf.DeadLetter.Queue}
	}

	q.Consumer = consumer.ConfigFor(q.Config)
	q.Consumer.HandlerTimeout = seconds(qf.HandlerTimeoutSeconds)
	q.Consumer.NackOnFailure = qf.NackOnFailure
	if qf.Workers != 0 {
		q.Consumer.Workers = qf.Workers
	}
	return q
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
