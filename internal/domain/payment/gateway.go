package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	providerUnavailable = "payment provider unavailable, please try again"

	defaultLeaseTTL = 30 * time.Second
	leaseRetry      = 50 * time.Millisecond
)

// Lease grants short exclusive holds on a key, shared by every instance.
type Lease interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Gateway routes payment operations to the provider of each method and keeps
// the order's stored reference in sync.
type Gateway struct {
	providers map[Method]Provider
	orders    order.Repository
	now       func() time.Time

	inflight singleflight.Group
	lease    Lease
	leaseTTL time.Duration
}

// NewGateway creates a Gateway. Later providers replace earlier ones with the
// same method.
func NewGateway(orders order.Repository, providers ...Provider) *Gateway {
	g := &Gateway{
		providers: make(map[Method]Provider, len(providers)),
		orders:    orders,
		now:       time.Now,
		leaseTTL:  defaultLeaseTTL,
	}
	for _, p := range providers {
		g.providers[p.Method()] = p
	}
	return g
}

// WithLease makes payment creation hold an order-scoped lease while it talks
// to the provider, so instances sharing the database never charge one order
// twice. ttl bounds both the hold and the wait for it.
func (g *Gateway) WithLease(l Lease, ttl time.Duration) *Gateway {
	g.lease = l
	if ttl > 0 {
		g.leaseTTL = ttl
	}
	return g
}

// CreatePayment returns a payable reference for a PENDING order. An
// unexpired reference for the same method is reused; otherwise a new one is
// created and stored on the order before returning. Concurrent calls for one
// order and method share a single provider charge.
func (g *Gateway) CreatePayment(ctx context.Context, p auth.Principal, orderID string, method Method, customer Customer) (*Payment, error) {
	provider, ok := g.providers[method]
	if !ok {
		return nil, apperr.Validation("unsupported_payment_method", "payment method %q is not available", method)
	}

	o, err := g.order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !p.CanAccess(o.CustomerID) {
		return nil, apperr.Forbidden("order belongs to another customer")
	}
	if err := payable(o); err != nil {
		return nil, err
	}
	if o.HasActivePayment(string(method), g.now()) {
		return storedPayment(o), nil
	}

	// The charge outlives a caller that gives up waiting for it.
	ch := g.inflight.DoChan(orderID+"/"+string(method), func() (any, error) {
		return g.create(context.WithoutCancel(ctx), provider, orderID, method, customer)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		pay := *r.Val.(*Payment)
		return &pay, nil
	}
}

func (g *Gateway) create(ctx context.Context, provider Provider, orderID string, method Method, customer Customer) (*Payment, error) {
	if g.lease != nil {
		release, err := g.acquire(ctx, orderID)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := release(ctx); err != nil {
				zctx.From(ctx).Warn("Release payment lease", zap.String("order_id", orderID), zap.Error(err))
			}
		}()
	}

	// Re-read under the lease: another instance may have finished first.
	o, err := g.order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := payable(o); err != nil {
		return nil, err
	}
	if o.HasActivePayment(string(method), g.now()) {
		return storedPayment(o), nil
	}

	pay, err := provider.Create(ctx, Charge{
		OrderID:     o.ID,
		Amount:      o.Total,
		Customer:    customer,
		Description: "Order " + o.ID,
	})
	if err != nil {
		return nil, providerFailure(ctx, err, "create")
	}

	expires := pay.ExpiresAt
	stored, err := g.orders.SetPayment(ctx, o.ID, order.Payment{
		Method:       string(method),
		Reference:    pay.Reference,
		Instructions: pay.Instructions,
		ExpiresAt:    &expires,
	}, g.now())
	if err != nil {
		return nil, errors.Wrap(err, "store payment reference")
	}
	if !stored {
		return g.discard(ctx, o.ID, method, pay)
	}

	zctx.From(ctx).Info("Payment created",
		zap.String("order_id", o.ID),
		zap.String("method", string(method)),
		zap.String("reference", pay.Reference),
	)
	return pay, nil
}

// discard handles a charge whose reference could not be stored because the
// order changed while the provider was working. The charge is logged for
// voiding; the caller gets the stored reference or the reason the order no
// longer takes payment.
func (g *Gateway) discard(ctx context.Context, orderID string, method Method, pay *Payment) (*Payment, error) {
	lg := zctx.From(ctx).With(
		zap.String("order_id", orderID),
		zap.String("method", string(method)),
		zap.String("orphan_reference", pay.Reference),
	)
	o, err := g.order(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := payable(o); err != nil {
		lg.Warn("Payment created for an order that is no longer payable", zap.String("status", string(o.Status)))
		return nil, err
	}
	if o.HasActivePayment(string(method), g.now()) {
		lg.Warn("Payment created concurrently, keeping stored reference", zap.String("reference", o.Payment.Reference))
		return storedPayment(o), nil
	}
	lg.Warn("Payment reference not stored")
	return nil, paymentInProgress(orderID)
}

// acquire polls the lease until it is granted or leaseTTL passes.
func (g *Gateway) acquire(ctx context.Context, orderID string) (func(context.Context) error, error) {
	key := "payment:" + orderID
	waitCtx, cancel := context.WithTimeout(ctx, g.leaseTTL)
	defer cancel()

	t := time.NewTicker(leaseRetry)
	defer t.Stop()
	for {
		release, ok, err := g.lease.TryLock(waitCtx, key, g.leaseTTL)
		if err != nil {
			return nil, apperr.Transient(errors.Wrap(err, "acquire payment lease"))
		}
		if ok {
			return release, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, paymentInProgress(orderID)
		case <-t.C:
		}
	}
}

func (g *Gateway) order(ctx context.Context, id string) (*order.Order, error) {
	o, err := g.orders.Get(ctx, id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, apperr.NotFound("order", id)
		}
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

func payable(o *order.Order) error {
	if o.Status != order.StatusPending {
		return apperr.BusinessRule("order_not_payable", "order %s is %s and cannot be paid", o.ID, o.Status)
	}
	return nil
}

func storedPayment(o *order.Order) *Payment {
	return &Payment{
		Reference:    o.Payment.Reference,
		Instructions: o.Payment.Instructions,
		ExpiresAt:    *o.Payment.ExpiresAt,
	}
}

func paymentInProgress(orderID string) error {
	return apperr.Wrap(errors.Errorf("payment of order %s is being created elsewhere", orderID),
		apperr.KindTransient, "payment_in_progress", "payment for this order is being created, please retry")
}

// CheckStatus asks the provider about the order's stored reference. A
// reference the provider no longer knows is cleared from the order, only if
// it is still the stored one, and reported as PENDING.
func (g *Gateway) CheckStatus(ctx context.Context, o *order.Order) (Status, error) {
	ref := o.Payment.Reference
	if ref == "" {
		return StatusPending, nil
	}
	provider, ok := g.providers[Method(o.Payment.Method)]
	if !ok {
		return "", errors.Errorf("no provider for method %q", o.Payment.Method)
	}

	status, err := provider.Status(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrReferenceNotFound) {
			if _, err := g.orders.ClearPayment(ctx, o.ID, ref); err != nil {
				return "", errors.Wrap(err, "clear invalidated reference")
			}
			zctx.From(ctx).Warn("Payment reference invalidated",
				zap.String("order_id", o.ID),
				zap.String("reference", ref),
			)
			return StatusPending, nil
		}
		return "", providerFailure(ctx, err, "status")
	}
	return status, nil
}

// Simulate forces a provider outcome for the order's current reference.
func (g *Gateway) Simulate(ctx context.Context, orderID string, status Status) error {
	o, err := g.order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Payment.Reference == "" {
		return apperr.BusinessRule("payment_not_created", "order %s has no payment to simulate", orderID)
	}
	sim, ok := g.providers[Method(o.Payment.Method)].(Simulator)
	if !ok {
		return apperr.BusinessRule("simulation_unavailable", "payment simulation is not available for %s", o.Payment.Method)
	}
	if err := sim.Simulate(ctx, o.Payment.Reference, status); err != nil {
		return providerFailure(ctx, err, "simulate")
	}
	return nil
}

// providerFailure logs the provider detail and returns the client-safe error.
func providerFailure(ctx context.Context, err error, op string) error {
	zctx.From(ctx).Error("Payment provider failure", zap.String("op", op), zap.Error(err))
	return apperr.Wrap(err, apperr.KindExternalProvider, "payment_provider_error", providerUnavailable)
}
