// Package ingest publishes event stream envelopes to Kafka, the producing
// side of the kafka stream transport.
package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/fleet-sync/internal/stream"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation keys by driver id so one driver's reports stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, driverID string, lat, lng float64, fullName string) error {
	b, err := stream.LocationMessage(driverID, lat, lng, fullName)
	if err != nil {
		return err
	}
	return k.write(ctx, driverID, b)
}

func (k *KafkaProducer) PublishFleetUpdate(ctx context.Context) error {
	b, err := stream.Encode(stream.TypeFleet, nil)
	if err != nil {
		return err
	}
	return k.write(ctx, "fleet", b)
}

func (k *KafkaProducer) PublishAlert(ctx context.Context, message string) error {
	b, err := stream.AlertMessage(message)
	if err != nil {
		return err
	}
	return k.write(ctx, "alert", b)
}

func (k *KafkaProducer) write(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
