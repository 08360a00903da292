// Package payment abstracts external payment providers and reconciles their
// outcomes with order state.
package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Method is a way for the customer to pay.
type Method string

const (
	MethodInstantTransfer Method = "INSTANT_TRANSFER"
	MethodCard            Method = "CARD"
)

// ParseMethod accepts the canonical names and their lowercase forms.
func ParseMethod(s string) (Method, bool) {
	switch Method(s) {
	case MethodInstantTransfer, "instant_transfer", "instant":
		return MethodInstantTransfer, true
	case MethodCard, "card":
		return MethodCard, true
	}
	return "", false
}

// Status is the provider's view of a payment.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusExpired Status = "EXPIRED"
	StatusFailed  Status = "FAILED"
)

// ErrReferenceNotFound is returned by providers that no longer know a
// reference.
var ErrReferenceNotFound = errors.New("payment reference not found")

// Customer identifies the payer to the provider.
type Customer struct {
	Name  string
	Email string
	Phone string
}

// Charge is a payment request.
type Charge struct {
	OrderID     string
	Amount      decimal.Decimal
	Customer    Customer
	Description string
}

// Payment is a payable reference handed out by a provider.
type Payment struct {
	Reference string
	// Instructions tell the payer how to pay: a QR payload or a checkout URL.
	Instructions string
	ExpiresAt    time.Time
}

// Provider is an external payment service.
type Provider interface {
	Method() Method
	Create(ctx context.Context, c Charge) (*Payment, error)
	Status(ctx context.Context, reference string) (Status, error)
}

// Simulator is implemented by providers that can fake an outcome outside
// production.
type Simulator interface {
	Simulate(ctx context.Context, reference string, status Status) error
}

// ProviderError is a failure reported by, or while reaching, a provider.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Op, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Op, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }
