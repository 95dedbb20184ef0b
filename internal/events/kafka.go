package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Kafka struct {
	writer   *kafka.Writer
	log      *zap.Logger
	attempts int
	wait     time.Duration
}

func NewKafka(brokers []string, topic string, log *zap.Logger) *Kafka {
	if log == nil {
		log = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &Kafka{writer: w, log: log, attempts: 3, wait: 500 * time.Millisecond}
}

// Publish writes e keyed by conversation so one conversation's events stay
// ordered within a partition.
func (k *Kafka) Publish(ctx context.Context, e Event) error {
	data, err := e.Encode()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(e.ConversationID), Value: data}

	for i := 0; i < k.attempts; i++ {
		if err = k.writer.WriteMessages(ctx, msg); err == nil {
			return nil
		}
		k.log.Warn("kafka publish failed", zap.Int("attempt", i+1), zap.String("type", e.Type), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(k.wait):
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", e.Type, k.attempts, err)
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
