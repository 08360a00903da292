// Package kafka publishes notifications to a Kafka topic.
package kafka

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

// Config selects the brokers and topic.
type Config struct {
	Brokers      []string      `usage:"Kafka brokers; empty disables publishing"`
	Topic        string        `default:"kart.notifications" usage:"Notification topic"`
	WriteTimeout time.Duration `default:"5s" usage:"Timeout of a single publish"`
}

// Enabled reports whether brokers are configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ notify.Notifier = (*Publisher)(nil)

// Publisher implements notify.Notifier. Messages are keyed by user id so a
// user's notifications stay ordered within a partition.
type Publisher struct {
	w       MessageWriter
	timeout time.Duration
}

// NewWriter creates a kafka.Writer that waits for all in-sync replicas.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// NewPublisher wraps w.
func NewPublisher(w MessageWriter, timeout time.Duration) *Publisher {
	return &Publisher{w: w, timeout: timeout}
}

func (p *Publisher) Notify(ctx context.Context, n notify.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	msg := kafka.Message{
		Key:     []byte(n.UserID),
		Value:   Encode(n),
		Headers: injectTrace(ctx, []kafka.Header{{Key: "kind", Value: []byte(n.Kind)}}),
		Time:    n.CreatedAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s notification", n.Kind)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// Encode renders n as the message payload.
func Encode(n notify.Notification) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("user_id")
	e.Str(n.UserID)
	e.FieldStart("kind")
	e.Str(string(n.Kind))
	if n.OrderID != "" {
		e.FieldStart("order_id")
		e.Str(n.OrderID)
	}
	if len(n.Payload) > 0 {
		e.FieldStart("payload")
		e.ObjStart()
		for k, v := range n.Payload {
			e.FieldStart(k)
			e.Str(v)
		}
		e.ObjEnd()
	}
	e.FieldStart("created_at")
	e.Str(n.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

func injectTrace(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
