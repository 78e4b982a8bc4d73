package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stk-payment-service/internal/domain"

	"github.com/oklog/ulid/v2"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher announces terminal payment outcomes to downstream services.
type Publisher interface {
	PublishPaymentEvent(ctx context.Context, event domain.PaymentEvent) error
	Close() error
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a sortable, prefixed event identifier.
func NewEventID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return "evt_" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchSize:    1,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Compression:  kafka.Snappy,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Warn(fmt.Sprintf(msg, args...))
		}),
	}
	return &KafkaPublisher{writer: writer, logger: logger}
}

// PublishPaymentEvent keys messages by order so one order's events stay ordered.
func (p *KafkaPublisher) PublishPaymentEvent(ctx context.Context, event domain.PaymentEvent) error {
	if event.EventID == "" {
		event.EventID = NewEventID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal payment event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.OrderID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
		Time: event.OccurredAt,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish payment event: %w", err)
	}

	p.logger.Debug("payment event published",
		zap.String("event_id", event.EventID),
		zap.String("type", event.Type),
		zap.String("transaction_ref", event.TransactionRef))

	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops events; used when Kafka is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishPaymentEvent(context.Context, domain.PaymentEvent) error { return nil }
func (NopPublisher) Close() error                                                  { return nil }
