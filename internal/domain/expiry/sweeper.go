// Package expiry cancels orders that were never paid and warns customers
// before that happens.
package expiry

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// StockReleaser credits back the stock of a cancelled order.
type StockReleaser interface {
	Release(ctx context.Context, orderID string) (bool, error)
}

// PaymentChecker asks the provider about an order's payment before it is
// cancelled.
type PaymentChecker interface {
	ReconcileOrder(ctx context.Context, o *order.Order) (*payment.Outcome, error)
}

// Config controls the sweep windows.
type Config struct {
	// Deadline is the age after which a PENDING order is cancelled.
	Deadline time.Duration `default:"1h" usage:"Age after which unpaid orders are cancelled"`
	// WarnAfter and WarnBefore bound the age at which a payment warning is sent.
	WarnAfter  time.Duration `default:"30m" usage:"Age from which unpaid orders get a warning" flag:"warn-after"`
	WarnBefore time.Duration `default:"50m" usage:"Age until which unpaid orders get a warning" flag:"warn-before"`
	// BatchSize caps the orders handled per job and run.
	BatchSize int           `default:"500" usage:"Max orders handled per sweep job"`
	Interval  time.Duration `default:"5m" usage:"Sweep period"`
}

// Report summarizes one sweep.
type Report struct {
	Cancelled int
	Warned    int
	// Released counts cancelled orders whose stock was credited back on a
	// later sweep after the first release failed.
	Released int
	// Skipped counts expired orders left alone because they were paid, moved
	// on concurrently, or the provider could not be asked.
	Skipped int
}

// Sweeper runs the expiration jobs.
type Sweeper struct {
	cfg      Config
	orders   order.Repository
	stock    StockReleaser
	payments PaymentChecker
	notifier *notify.BestEffort
	sent     notify.Log
	now      func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(
	cfg Config,
	orders order.Repository,
	stock StockReleaser,
	payments PaymentChecker,
	notifier *notify.BestEffort,
	sent notify.Log,
) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		orders:   orders,
		stock:    stock,
		payments: payments,
		notifier: notifier,
		sent:     sent,
		now:      time.Now,
	}
}

// Run performs a sweep and logs its report. It fits scheduler.Task.
func (s *Sweeper) Run(ctx context.Context) error {
	r, err := s.Sweep(ctx)
	if err != nil {
		return err
	}
	if r.Cancelled+r.Warned+r.Skipped+r.Released > 0 {
		zctx.From(ctx).Info("Expiration sweep",
			zap.Int("cancelled", r.Cancelled),
			zap.Int("warned", r.Warned),
			zap.Int("skipped", r.Skipped),
			zap.Int("released", r.Released),
		)
	}
	return nil
}

// Sweep cancels PENDING orders older than the deadline, retries the stock
// release of cancelled orders that still hold it, and warns PENDING orders
// inside the warning window, once per order.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	now := s.now()
	r := &Report{}

	if err := s.cancelExpired(ctx, now, r); err != nil {
		return r, errors.Wrap(err, "cancel expired")
	}
	if err := s.releaseCancelled(ctx, r); err != nil {
		return r, errors.Wrap(err, "release cancelled")
	}
	if err := s.warnPending(ctx, now, r); err != nil {
		return r, errors.Wrap(err, "warn pending")
	}
	return r, nil
}

func (s *Sweeper) cancelExpired(ctx context.Context, now time.Time, r *Report) error {
	expired, err := s.orders.ListPending(ctx, order.PendingFilter{
		CreatedBefore: now.Add(-s.cfg.Deadline),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return errors.Wrap(err, "list expired")
	}

	for i := range expired {
		o := &expired[i]
		lg := zctx.From(ctx).With(zap.String("order_id", o.ID))

		if o.Payment.Reference != "" {
			out, err := s.payments.ReconcileOrder(ctx, o)
			if err != nil {
				lg.Warn("Payment check failed, retrying next sweep", zap.Error(err))
				r.Skipped++
				continue
			}
			if out.OrderStatus != order.StatusPending {
				r.Skipped++
				continue
			}
		}

		ok, err := s.orders.Transition(ctx, o.ID, order.StatusCancelled, order.StatusPending)
		if err != nil {
			return errors.Wrapf(err, "cancel %s", o.ID)
		}
		if !ok {
			r.Skipped++
			continue
		}
		r.Cancelled++

		if _, err := s.stock.Release(ctx, o.ID); err != nil {
			lg.Error("Release stock of expired order, retrying next sweep", zap.Error(err))
		}
		s.notifier.Send(ctx, notify.Notification{
			UserID:  o.CustomerID,
			Kind:    notify.KindPaymentExpired,
			OrderID: o.ID,
		})
	}
	return nil
}

// releaseCancelled credits back the stock of cancelled orders whose release
// failed, whichever path cancelled them.
func (s *Sweeper) releaseCancelled(ctx context.Context, r *Report) error {
	stuck, err := s.orders.ListUnreleased(ctx, s.cfg.BatchSize)
	if err != nil {
		return errors.Wrap(err, "list unreleased")
	}
	for _, o := range stuck {
		released, err := s.stock.Release(ctx, o.ID)
		if err != nil {
			zctx.From(ctx).Error("Retry stock release", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if released {
			r.Released++
		}
	}
	return nil
}

func (s *Sweeper) warnPending(ctx context.Context, now time.Time, r *Report) error {
	pending, err := s.orders.ListPending(ctx, order.PendingFilter{
		CreatedBefore: now.Add(-s.cfg.WarnAfter),
		CreatedAfter:  now.Add(-s.cfg.WarnBefore),
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return errors.Wrap(err, "list pending")
	}

	for _, o := range pending {
		exists, err := s.sent.Exists(ctx, notify.KindPaymentWarning, o.ID)
		if err != nil {
			return errors.Wrapf(err, "check warning for %s", o.ID)
		}
		if exists {
			continue
		}
		left := o.CreatedAt.Add(s.cfg.Deadline).Sub(now).Round(time.Minute)
		if s.notifier.Send(ctx, notify.Notification{
			UserID:  o.CustomerID,
			Kind:    notify.KindPaymentWarning,
			OrderID: o.ID,
			Payload: map[string]string{"expires_in": left.String()},
		}) {
			r.Warned++
		}
	}
	return nil
}
