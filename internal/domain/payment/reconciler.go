package payment

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// Outcome is what a reconciliation observed.
type Outcome struct {
	ProviderStatus Status
	OrderStatus    order.Status
	// Advanced is true when this call moved the order to PREPARING.
	Advanced bool
}

// Reconciler moves paid orders forward.
type Reconciler struct {
	gateway  *Gateway
	orders   order.Repository
	notifier *notify.BestEffort
}

// NewReconciler creates a Reconciler.
func NewReconciler(gateway *Gateway, orders order.Repository, notifier *notify.BestEffort) *Reconciler {
	return &Reconciler{gateway: gateway, orders: orders, notifier: notifier}
}

// Reconcile handles a client status poll.
func (r *Reconciler) Reconcile(ctx context.Context, p auth.Principal, orderID string) (*Outcome, error) {
	o, err := r.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, apperr.NotFound("order", orderID)
		}
		return nil, errors.Wrap(err, "get order")
	}
	if !p.CanAccess(o.CustomerID) {
		return nil, apperr.Forbidden("order belongs to another customer")
	}
	return r.ReconcileOrder(ctx, o)
}

// Confirm handles a provider callback. The callback content is not trusted:
// the reference is looked up and its status queried from the provider.
func (r *Reconciler) Confirm(ctx context.Context, method Method, reference string) (*Outcome, error) {
	if reference == "" {
		return nil, apperr.Validation("reference_required", "payment reference is required")
	}
	o, err := r.orders.FindByPaymentReference(ctx, reference)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, apperr.NotFound("payment", reference)
		}
		return nil, errors.Wrap(err, "find order by reference")
	}
	if o.Payment.Method != string(method) {
		return nil, apperr.Validation("method_mismatch", "reference %s does not belong to %s", reference, method)
	}
	return r.ReconcileOrder(ctx, o)
}

// ReconcileOrder checks the order's reference and advances a PENDING order
// to PREPARING when the provider reports PAID. Repeated calls have no
// further effect.
func (r *Reconciler) ReconcileOrder(ctx context.Context, o *order.Order) (*Outcome, error) {
	if o.Payment.Reference == "" {
		return &Outcome{ProviderStatus: StatusPending, OrderStatus: o.Status}, nil
	}

	status, err := r.gateway.CheckStatus(ctx, o)
	if err != nil {
		return nil, err
	}
	out := &Outcome{ProviderStatus: status, OrderStatus: o.Status}
	if status != StatusPaid || o.Status != order.StatusPending {
		return out, nil
	}

	ok, err := r.orders.Transition(ctx, o.ID, order.StatusPreparing, order.AllowedFrom(order.StatusPreparing)...)
	if err != nil {
		return nil, errors.Wrap(err, "advance paid order")
	}
	if !ok {
		// Someone else moved it first; report what is stored now.
		current, err := r.orders.Get(ctx, o.ID)
		if err != nil {
			return nil, errors.Wrap(err, "reload order")
		}
		out.OrderStatus = current.Status
		return out, nil
	}

	out.OrderStatus = order.StatusPreparing
	out.Advanced = true
	zctx.From(ctx).Info("Payment confirmed",
		zap.String("order_id", o.ID),
		zap.String("reference", o.Payment.Reference),
	)
	r.notifier.Send(ctx, notify.Notification{
		UserID:  o.CustomerID,
		Kind:    notify.KindOrderPreparing,
		OrderID: o.ID,
	})
	return out, nil
}
