// Package notify is the core's view of the notification collaborator.
// Delivery is fire-and-forget: the checkout and reconciliation paths never
// fail because a notification could not be sent.
package notify

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Kind identifies the notification template.
type Kind string

const (
	KindOrderCreated   Kind = "order_created"
	KindOrderPreparing Kind = "order_preparing"
	KindOrderCancelled Kind = "order_cancelled"
	KindOrderShipped   Kind = "order_shipped"
	KindOrderDelivered Kind = "order_delivered"
	KindPaymentWarning Kind = "payment_warning"
	KindPaymentExpired Kind = "payment_expired"
	KindStockLow       Kind = "stock_low"
	KindStockOut       Kind = "stock_out"
)

// Notification is a single message for a user.
type Notification struct {
	UserID  string
	Kind    Kind
	OrderID string
	Payload map[string]string
	// CreatedAt is filled in by the notifier when zero.
	CreatedAt time.Time
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Log lets callers check whether a notification was already sent.
type Log interface {
	Exists(ctx context.Context, kind Kind, orderID string) (bool, error)
}

// BestEffort wraps a Notifier so failures are logged and dropped.
type BestEffort struct {
	next Notifier
}

// NewBestEffort wraps next. A nil next discards every notification.
func NewBestEffort(next Notifier) *BestEffort {
	return &BestEffort{next: next}
}

// Send delivers n and reports whether delivery succeeded. It never panics
// and never returns an error.
func (b *BestEffort) Send(ctx context.Context, n Notification) (sent bool) {
	if b == nil || b.next == nil {
		return false
	}
	lg := zctx.From(ctx).With(
		zap.String("kind", string(n.Kind)),
		zap.String("order_id", n.OrderID),
		zap.String("user_id", n.UserID),
	)
	defer func() {
		if rec := recover(); rec != nil {
			lg.Error("Notifier panicked", zap.Any("panic", rec))
			sent = false
		}
	}()
	if err := b.next.Notify(ctx, n); err != nil {
		lg.Warn("Notification dropped", zap.Error(err))
		return false
	}
	return true
}

// Multi fans a notification out to every notifier and returns the first error.
type Multi []Notifier

// Notify implements Notifier. Every notifier is attempted even if an earlier
// one fails.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var first error
	for _, next := range m {
		if err := next.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
