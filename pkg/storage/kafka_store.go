package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/polisai/polis-dlp/pkg/domain"
)

const defaultKafkaTopic = "dlp.decisions"

// KafkaConfig configures the decision stream.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaStore publishes one message per record, keyed by record id. Kafka is
// append-only, so duplicate ids are not detected here; pair it with a
// write-once backend through Tee when that matters.
type KafkaStore struct {
	writer kafkaWriter
	topic  string
}

// NewKafkaStore creates a writer for the topic. Connections are made lazily.
func NewKafkaStore(cfg KafkaConfig) (*KafkaStore, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("storage: kafka backend requires brokers")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = defaultKafkaTopic
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaStore{writer: writer, topic: topic}, nil
}

// Put publishes the record.
func (s *KafkaStore) Put(ctx context.Context, rec domain.DecisionRecord) error {
	if rec.ID == "" {
		return errors.New("storage: record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: encode record: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.ID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "stage", Value: []byte(rec.Stage)},
			{Key: "decision", Value: []byte(rec.Decision)},
		},
	})
	if err != nil {
		return fmt.Errorf("storage: kafka write to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes pending messages.
func (s *KafkaStore) Close() error {
	return s.writer.Close()
}
