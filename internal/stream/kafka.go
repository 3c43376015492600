package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka reads envelopes from a topic. Each message value is one envelope.
type Kafka struct {
	Brokers []string
	Topic   string
	GroupID string
	// DialTimeout bounds the broker reachability check. Zero means 10s.
	DialTimeout time.Duration
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Dial(ctx context.Context) (Conn, error) {
	if len(k.Brokers) == 0 || k.Topic == "" {
		return nil, errors.New("kafka transport needs brokers and a topic")
	}
	if err := k.reachable(ctx); err != nil {
		return nil, err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.Brokers,
		Topic:    k.Topic,
		GroupID:  k.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &kafkaConn{reader: r}, nil
}

// reachable succeeds once any broker accepts a connection. kafka.Reader
// connects lazily, so Dial checks up front.
func (k *Kafka) reachable(ctx context.Context) error {
	timeout := k.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &kafka.Dialer{Timeout: timeout}
	var errs []error
	for _, b := range k.Brokers {
		conn, err := d.DialContext(ctx, "tcp", b)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("kafka brokers unreachable: %w", errors.Join(errs...))
}

// messageReader is the part of *kafka.Reader the connection uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaConn struct {
	reader messageReader
}

func (c *kafkaConn) Read(ctx context.Context) ([]byte, error) {
	m, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return m.Value, nil
}

func (c *kafkaConn) Close() error { return c.reader.Close() }
