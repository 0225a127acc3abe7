package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/DonalWall207/ds-eda-lab/pkg/kafka"
	"github.com/DonalWall207/ds-eda-lab/pkg/utils"
)

const publishSource = "edapipeline-cli"

// notification is the flat event document accepted by the bridge.
type notification struct {
	Source    string    `json:"source"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	EventName string    `json:"eventName"`
	EventTime time.Time `json:"eventTime"`
}

// publish sends one object-created notification to a running pipeline,
// either over HTTP or through the Kafka notifications topic.
func publish(c *cli.Context) error {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	body, err := json.Marshal(notification{
		Source:    publishSource,
		Bucket:    c.String("bucket"),
		Key:       c.String("key"),
		Size:      c.Int64("size"),
		EventName: "ObjectCreated:Put",
		EventTime: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	if c.Bool("kafka") {
		return publishKafka(ctx, c, body)
	}
	return publishHTTP(ctx, c.String("endpoint"), body, c.App.Writer)
}

func publishHTTP(ctx context.Context, endpoint string, body []byte, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("notification rejected: %s: %s", resp.Status, bytes.TrimSpace(respBody))
	}
	fmt.Fprintf(out, "%s\n", bytes.TrimSpace(respBody))
	return nil
}

func publishKafka(ctx context.Context, c *cli.Context, body []byte) error {
	sugar, err := utils.NewSugaredLogger(false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	cfg := kafka.ProducerConfig{BootstrapServers: c.String("kafka-brokers")}.WithDefaults()
	producer, err := kafka.NewProducer(ctx, cfg.ConfigMap(), sugar)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	defer producer.Close(*cfg.FlushTimeout)

	topic := c.String("kafka-notifications-topic")
	if err := producer.Produce(ctx, kafka.Msg{
		Topic: topic,
		Key:   []byte(c.String("bucket") + "/" + c.String("key")),
		Value: body,
	}); err != nil {
		return fmt.Errorf("failed to produce notification: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "produced notification to %s\n", topic)
	return nil
}
