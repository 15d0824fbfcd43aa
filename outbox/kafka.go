package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	// Topic is the Kafka topic every engine event is written to; the engine
	// topic becomes the message key.
	Topic string
	// MaxAttempts per Publish call. Defaults to 3.
	MaxAttempts  int
	WriteTimeout time.Duration
}

// messageWriter is the subset of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON envelopes to Kafka, keyed by engine topic so one
// topic's events stay ordered within a partition.
type KafkaPublisher struct {
	writer      messageWriter
	maxAttempts int
	backoff     time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("outbox: at least one kafka broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("outbox: kafka topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w, maxAttempts: cfg.MaxAttempts, backoff: 100 * time.Millisecond}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("outbox: marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Topic),
		Value: value,
		Time:  time.Now().UTC(),
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if lastErr = p.writer.WriteMessages(ctx, msg); lastErr == nil {
			return nil
		}
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("outbox: publish %s after %d attempts: %w", event.ID, p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// LogPublisher is used when no Kafka brokers are configured.
type LogPublisher struct {
	Log func(msg string, args ...any)
}

func (p LogPublisher) Publish(_ context.Context, event Event) error {
	p.Log("outbox event", "id", event.ID, "topic", event.Topic, "payload", string(event.Payload))
	return nil
}
