// Package sandbox is an in-process payment provider for local runs and
// tests. Payments stay pending until simulated or expired.
package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

var (
	_ payment.Provider  = (*Provider)(nil)
	_ payment.Simulator = (*Provider)(nil)
)

type charge struct {
	status    payment.Status
	expiresAt time.Time
}

// Provider keeps charges in memory.
type Provider struct {
	method payment.Method
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	charges map[string]*charge
}

// New returns a sandbox Provider answering for method.
func New(method payment.Method, ttl time.Duration) *Provider {
	return &Provider{
		method:  method,
		ttl:     ttl,
		now:     time.Now,
		charges: make(map[string]*charge),
	}
}

func (p *Provider) Method() payment.Method { return p.method }

func (p *Provider) Create(_ context.Context, ch payment.Charge) (*payment.Payment, error) {
	if !ch.Amount.IsPositive() {
		return nil, &payment.ProviderError{Provider: "sandbox", Op: "create", StatusCode: 400, Message: "amount must be positive"}
	}
	ref := "sbx_" + uuid.NewString()
	exp := p.now().Add(p.ttl)

	p.mu.Lock()
	p.charges[ref] = &charge{status: payment.StatusPending, expiresAt: exp}
	p.mu.Unlock()

	instructions := "sandbox://pay/" + ref
	if p.method == payment.MethodInstantTransfer {
		instructions = "SANDBOXQR|" + ch.OrderID + "|" + ch.Amount.StringFixed(2) + "|" + ref
	}
	return &payment.Payment{Reference: ref, Instructions: instructions, ExpiresAt: exp}, nil
}

func (p *Provider) Status(_ context.Context, reference string) (payment.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.charges[reference]
	if !ok {
		return "", payment.ErrReferenceNotFound
	}
	if c.status == payment.StatusPending && !p.now().Before(c.expiresAt) {
		c.status = payment.StatusExpired
	}
	return c.status, nil
}

// Simulate forces the outcome of a charge.
func (p *Provider) Simulate(_ context.Context, reference string, status payment.Status) error {
	switch status {
	case payment.StatusPending, payment.StatusPaid, payment.StatusExpired, payment.StatusFailed:
	default:
		return errors.Errorf("unknown status %q", status)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.charges[reference]
	if !ok {
		return payment.ErrReferenceNotFound
	}
	c.status = status
	return nil
}

// Forget drops a charge, as a provider purging old references would.
func (p *Provider) Forget(reference string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.charges, reference)
}
