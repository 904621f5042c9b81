package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/noah-isme/anticca-payments/internal/resilience"
)

// LogNotifier writes every event to the structured log.
type LogNotifier struct {
	Logger zerolog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	evt := n.Logger.Info()
	if ev.Topic == TopicPaymentConflict {
		evt = n.Logger.Warn().Bool("needs_review", true)
	}
	evt.Str("event_id", ev.ID).
		Str("topic", ev.Topic).
		Str("aggregate_id", ev.AggregateID).
		RawJSON("payload", ev.Payload).
		Msg("domain_event")
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by KafkaNotifier.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaNotifier publishes events keyed by aggregate id so all events of one
// order land on the same partition.
type KafkaNotifier struct {
	Writer  MessageWriter
	Breaker *resilience.Breaker
	Timeout time.Duration
}

// NewKafkaWriter builds a synchronous writer for the given brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
}

// Notify implements Notifier.
func (n KafkaNotifier) Notify(ctx context.Context, ev Event) error {
	if n.Writer == nil {
		return errors.New("events: kafka writer not configured")
	}
	if n.Breaker != nil && !n.Breaker.Allow(ctx) {
		return resilience.ErrOpenCircuit
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = n.Writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(ev.AggregateID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(ev.Topic)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	})
	if n.Breaker != nil {
		n.Breaker.Report(ctx, err == nil)
	}
	return err
}
