// Package kafka implements a Kafka-backed publisher.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher wraps a Kafka writer. The topic is bound at construction; the
// topic argument to Publish is ignored.
type Publisher struct {
	writer messageWriter
}

// New creates a Publisher for the given brokers and topic.
func New(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: false,
		},
	}
}

// NewWithWriter builds a Publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// Publish marshals the payload to JSON and writes it to the bound topic.
// Kafka assigns no server-side message ID, so the returned ID is empty.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := kafka.Message{
		Value: data,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write message: %w", err)
	}
	return "", nil
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
