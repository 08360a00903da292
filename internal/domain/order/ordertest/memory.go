// Package ordertest provides an in-memory order.Repository for tests.
package ordertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

var _ order.Repository = (*Memory)(nil)

// Memory is a goroutine-safe in-memory order repository with the same
// conditional-update semantics as the SQL implementation.
type Memory struct {
	mu     sync.Mutex
	orders map[string]*order.Order
	Now    func() time.Time

	// Transitions counts successful status changes per order.
	Transitions map[string]int
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{
		orders:      make(map[string]*order.Order),
		Now:         time.Now,
		Transitions: make(map[string]int),
	}
}

// Put stores o as-is, overwriting any existing order with the same id.
func (m *Memory) Put(o *order.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = clone(o)
}

func (m *Memory) Create(_ context.Context, o *order.Order) error {
	m.Put(o)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return clone(o), nil
}

func (m *Memory) FindByPaymentReference(_ context.Context, ref string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if ref != "" && o.Payment.Reference == ref {
			return clone(o), nil
		}
	}
	return nil, order.ErrNotFound
}

func (m *Memory) Transition(_ context.Context, id string, to order.Status, from ...order.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, s := range from {
		if o.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	now := m.Now()
	o.Status = to
	o.UpdatedAt = now
	switch to {
	case order.StatusShipped:
		o.ShippedAt = &now
	case order.StatusDelivered:
		o.DeliveredAt = &now
	case order.StatusCancelled:
		o.CancelledAt = &now
	}
	m.Transitions[id]++
	return true, nil
}

func (m *Memory) SetPayment(_ context.Context, id string, p order.Payment, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != order.StatusPending || o.HasActivePayment(p.Method, now) {
		return false, nil
	}
	o.Payment = p
	return true, nil
}

// PutPayment stores p on the order whatever its state.
func (m *Memory) PutPayment(id string, p order.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		o.Payment = p
	}
}

func (m *Memory) ClearPayment(_ context.Context, id, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Payment.Reference != ref {
		return false, nil
	}
	o.Payment = order.Payment{}
	return true, nil
}

func (m *Memory) UpdateStore(_ context.Context, id, storeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.StoreID = storeID
	return nil
}

// MarkReleased stamps StockReleasedAt, mirroring the inventory store.
func (m *Memory) MarkReleased(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		now := m.Now()
		o.StockReleasedAt = &now
	}
}

func (m *Memory) ListPending(_ context.Context, f order.PendingFilter) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.Status != order.StatusPending {
			continue
		}
		if !f.CreatedBefore.IsZero() && !o.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		if !f.CreatedAfter.IsZero() && o.CreatedAt.Before(f.CreatedAfter) {
			continue
		}
		out = append(out, *clone(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListUnreleased(_ context.Context, limit int) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.Status == order.StatusCancelled && o.StockReleasedAt == nil {
			out = append(out, *clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CancelledAt, out[j].CancelledAt
		return a != nil && (b == nil || a.Before(*b))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) HasActiveOrders(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.CustomerID == userID && o.Status != order.StatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func clone(o *order.Order) *order.Order {
	c := *o
	c.Lines = append([]order.Line(nil), o.Lines...)
	if o.ShippingInfo != nil {
		si := *o.ShippingInfo
		c.ShippingInfo = &si
	}
	return &c
}
