// Package handler exposes the checkout core over HTTP.
package handler

import (
	"context"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// Orders is the order lifecycle.
type Orders interface {
	Checkout(ctx context.Context, req order.CheckoutRequest) (*order.CheckoutResult, error)
	Get(ctx context.Context, p auth.Principal, id string) (*order.Order, error)
	Cancel(ctx context.Context, p auth.Principal, id string) (*order.Order, error)
	Ship(ctx context.Context, p auth.Principal, id string) (*order.Order, error)
	Deliver(ctx context.Context, p auth.Principal, id string) (*order.Order, error)
}

// Payments creates provider references.
type Payments interface {
	CreatePayment(ctx context.Context, p auth.Principal, orderID string, method payment.Method, customer payment.Customer) (*payment.Payment, error)
	Simulate(ctx context.Context, orderID string, status payment.Status) error
}

// Reconciler applies provider outcomes to orders.
type Reconciler interface {
	Reconcile(ctx context.Context, p auth.Principal, orderID string) (*payment.Outcome, error)
	Confirm(ctx context.Context, method payment.Method, reference string) (*payment.Outcome, error)
}

// Idempotency deduplicates checkout submissions.
type Idempotency interface {
	// Claim reports whether key was seen for the first time.
	Claim(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Config toggles optional endpoints.
type Config struct {
	// AllowSimulation exposes POST /payment/simulate to admins.
	AllowSimulation bool
}

// Handler serves the checkout API.
type Handler struct {
	cfg        Config
	orders     Orders
	carts      cart.Repository
	products   product.Repository
	payments   Payments
	reconciler Reconciler
	idem       Idempotency
}

// New creates a Handler. idem may be nil.
func New(
	cfg Config,
	orders Orders,
	carts cart.Repository,
	products product.Repository,
	payments Payments,
	reconciler Reconciler,
	idem Idempotency,
) *Handler {
	return &Handler{
		cfg:        cfg,
		orders:     orders,
		carts:      carts,
		products:   products,
		payments:   payments,
		reconciler: reconciler,
		idem:       idem,
	}
}

// Register mounts the API routes on r. The caller installs the
// Authenticator middleware in front.
func (h *Handler) Register(r chi.Router) {
	// Provider callbacks carry no api key.
	r.Post("/payment/notify/{method}", h.notifyPayment)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Get("/cart", h.getCart)
		r.Put("/cart/items/{productId}", h.setCartItem)

		r.Post("/checkout", h.checkout)

		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/cancel", h.cancelOrder)
		r.Post("/orders/{id}/ship", h.shipOrder)
		r.Post("/orders/{id}/deliver", h.deliverOrder)

		r.Post("/payment/create", h.createPayment)
		r.Get("/payment/status/{orderId}", h.paymentStatus)
		if h.cfg.AllowSimulation {
			r.Post("/payment/simulate", h.simulatePayment)
		}
	})
}
