package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by repositories when no order matches.
var ErrNotFound = errors.New("order not found")

// Fulfillment is how the customer receives the goods.
type Fulfillment string

const (
	FulfillmentPickup   Fulfillment = "pickup"
	FulfillmentDelivery Fulfillment = "delivery"
)

// ShippingInfo is the delivery address snapshot.
type ShippingInfo struct {
	Address string
	City    string
	State   string
	Zip     string
	Phone   string
}

// Line is an order line with the price captured at checkout.
type Line struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Costs are the order-level charges supplied by the client.
type Costs struct {
	Shipping  decimal.Decimal
	Insurance decimal.Decimal
	Tax       decimal.Decimal
}

// Payment is the provider state stored on an order.
type Payment struct {
	Method       string
	Reference    string
	Instructions string
	ExpiresAt    *time.Time
}

// Order is the aggregate root of a checkout.
type Order struct {
	ID           string
	CustomerID   string
	StoreID      string
	Fulfillment  Fulfillment
	Lines        []Line
	Subtotal     decimal.Decimal
	Discount     decimal.Decimal
	Shipping     decimal.Decimal
	Insurance    decimal.Decimal
	Tax          decimal.Decimal
	Total        decimal.Decimal
	Status       Status
	CouponID     string
	CouponCode   string
	Payment      Payment
	ShippingInfo *ShippingInfo

	CreatedAt       time.Time
	UpdatedAt       time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	StockReleasedAt *time.Time
}

// HasActivePayment reports whether the order holds an unexpired reference for
// the given method.
func (o *Order) HasActivePayment(method string, now time.Time) bool {
	p := o.Payment
	return p.Reference != "" && p.Method == method && p.ExpiresAt != nil && now.Before(*p.ExpiresAt)
}

// Total returns subtotal + shipping + insurance + tax - discount. It fails
// when any component is negative or finer than a cent, or the result would
// be negative.
func Total(subtotal, discount decimal.Decimal, c Costs) (decimal.Decimal, error) {
	for name, v := range map[string]decimal.Decimal{
		"subtotal":  subtotal,
		"discount":  discount,
		"shipping":  c.Shipping,
		"insurance": c.Insurance,
		"tax":       c.Tax,
	} {
		if v.IsNegative() {
			return decimal.Zero, errors.Errorf("%s must not be negative", name)
		}
		if !WholeCents(v) {
			return decimal.Zero, errors.Errorf("%s has more than 2 decimal places", name)
		}
	}
	total := subtotal.Add(c.Shipping).Add(c.Insurance).Add(c.Tax).Sub(discount)
	if total.IsNegative() {
		return decimal.Zero, errors.Errorf("discount %s exceeds order amount", discount.StringFixed(2))
	}
	return total, nil
}

// WholeCents reports whether d fits the two decimal places money columns keep.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// PendingFilter selects PENDING orders by creation time. Zero bounds are open.
type PendingFilter struct {
	CreatedBefore time.Time
	CreatedAfter  time.Time
	Limit         int
}

// Repository persists orders.
type Repository interface {
	// Create stores the order and its lines together.
	Create(ctx context.Context, o *Order) error
	// Get returns ErrNotFound when the order does not exist.
	Get(ctx context.Context, id string) (*Order, error)
	// FindByPaymentReference returns ErrNotFound when no order holds ref.
	FindByPaymentReference(ctx context.Context, ref string) (*Order, error)
	// Transition moves the order to status to if its current status is one
	// of from, stamping the matching timestamp. It reports whether the row
	// changed.
	Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error)
	// SetPayment stores p only while the order is PENDING and holds no
	// reference for p.Method that is still active at now. It reports whether
	// the row changed.
	SetPayment(ctx context.Context, id string, p Payment, now time.Time) (bool, error)
	// ClearPayment removes the payment reference only if it still equals ref.
	ClearPayment(ctx context.Context, id, ref string) (bool, error)
	UpdateStore(ctx context.Context, id, storeID string) error
	ListPending(ctx context.Context, f PendingFilter) ([]Order, error)
	// ListUnreleased returns CANCELLED orders whose stock was never credited
	// back, earliest cancellation first. A limit of zero is unbounded.
	ListUnreleased(ctx context.Context, limit int) ([]Order, error)
	// HasActiveOrders reports whether the user has any non-cancelled order.
	HasActiveOrders(ctx context.Context, userID string) (bool, error)
}
