package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/position-engine/internal/model"
)

// messageWriter is the subset of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events to a Kafka topic keyed by user id, so every
// user's events land on one partition in sequence order.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		topic: topic,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, events []model.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", ev.Seq, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.UserID),
			Value: value,
			Time:  ev.Timestamp,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(ev.Type)},
				{Key: "seq", Value: []byte(strconv.FormatUint(ev.Seq, 10))},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
