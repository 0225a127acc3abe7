package testutils

import (
	"testing"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// NotificationsTopic is the topic name used by consumer and bridge tests.
const NotificationsTopic = "object-notifications"

// NewTestLogger returns a sugared logger bound to t.
func NewTestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// NewNotificationRecord returns a record on partition 0 of NotificationsTopic.
func NewNotificationRecord(offset int64, value []byte) *kafka.Message {
	topic := NotificationsTopic
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Offset: kafka.Offset(offset)},
		Value:          value,
	}
}
