package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublisher_Notify(t *testing.T) {
	w := &recordingWriter{}
	p := NewPublisher(w, time.Second)

	at := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	err := p.Notify(context.Background(), notify.Notification{
		UserID:    "u1",
		Kind:      notify.KindPaymentWarning,
		OrderID:   "o1",
		Payload:   map[string]string{"expires_in": "25m0s"},
		CreatedAt: at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "u1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.NotEmpty(t, msg.Headers)
	assert.Equal(t, "kind", msg.Headers[0].Key)
	assert.Equal(t, "payment_warning", string(msg.Headers[0].Value))

	fields := map[string]string{}
	var payload map[string]string
	d := jx.DecodeBytes(msg.Value)
	require.NoError(t, d.Obj(func(d *jx.Decoder, key string) error {
		if key == "payload" {
			payload = map[string]string{}
			return d.Obj(func(d *jx.Decoder, k string) error {
				v, err := d.Str()
				payload[k] = v
				return err
			})
		}
		v, err := d.Str()
		fields[key] = v
		return err
	}))
	assert.Equal(t, "o1", fields["order_id"])
	assert.Equal(t, "payment_warning", fields["kind"])
	assert.Equal(t, "2025-06-15T12:00:00Z", fields["created_at"])
	assert.Equal(t, "25m0s", payload["expires_in"])
}

func TestPublisher_WriteError(t *testing.T) {
	p := NewPublisher(&recordingWriter{err: errors.New("leader not available")}, 0)
	err := p.Notify(context.Background(), notify.Notification{UserID: "u1", Kind: notify.KindOrderCreated})
	require.ErrorContains(t, err, "leader not available")
}

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{Brokers: []string{"localhost:9092"}}.Enabled())
}
