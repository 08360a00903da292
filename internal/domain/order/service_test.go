package order_test

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/order/ordertest"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/store"
)

// --- Mock implementations ---

type mockProductRepo struct {
	byID map[string]*product.Product
}

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*product.Product, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return p, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

type mockStoreRepo struct {
	stores []store.Store
}

func (m *mockStoreRepo) GetByID(_ context.Context, id string) (*store.Store, error) {
	for i := range m.stores {
		if m.stores[i].ID == id {
			return &m.stores[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockStoreRepo) FirstActive(_ context.Context) (*store.Store, error) {
	for i := range m.stores {
		if m.stores[i].Active {
			return &m.stores[i], nil
		}
	}
	return nil, store.ErrNotFound
}

type mockCartRepo struct {
	items   map[string][]cart.Item
	cleared []string
}

func (m *mockCartRepo) Items(_ context.Context, userID string) ([]cart.Item, error) {
	return m.items[userID], nil
}

func (m *mockCartRepo) SetQuantity(_ context.Context, userID, productID string, qty int) error {
	m.items[userID] = append(m.items[userID], cart.Item{ProductID: productID, Quantity: qty})
	return nil
}

func (m *mockCartRepo) Clear(_ context.Context, userID string) error {
	delete(m.items, userID)
	m.cleared = append(m.cleared, userID)
	return nil
}

type mockCoupons struct {
	quote     *coupon.Quote
	err       error
	recordErr error
	lastCtx   coupon.Context
	recorded  []string
	events    *[]string
}

func (m *mockCoupons) Price(_ context.Context, _ string, c coupon.Context) (*coupon.Quote, error) {
	m.lastCtx = c
	return m.quote, m.err
}

func (m *mockCoupons) RecordUsage(_ context.Context, c coupon.Snapshot, _, orderID string) error {
	*m.events = append(*m.events, "usage")
	if m.recordErr != nil {
		return m.recordErr
	}
	m.recorded = append(m.recorded, c.ID+":"+orderID)
	return nil
}

type mockAllocator struct {
	result   *inventory.Result
	err      error
	calls    int
	lastDest *inventory.Location
	released []string
	orders   *ordertest.Memory
	events   *[]string
}

func (m *mockAllocator) Allocate(_ context.Context, _ string, _ []inventory.Line, _ string, dest *inventory.Location) (*inventory.Result, error) {
	m.calls++
	m.lastDest = dest
	*m.events = append(*m.events, "allocate")
	if m.result == nil {
		return &inventory.Result{}, m.err
	}
	return m.result, m.err
}

func (m *mockAllocator) Release(_ context.Context, orderID string) (bool, error) {
	for _, id := range m.released {
		if id == orderID {
			return false, nil
		}
	}
	m.released = append(m.released, orderID)
	m.orders.MarkReleased(orderID)
	return true, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

// recordingOrders wraps the memory repository to log creation order.
type recordingOrders struct {
	*ordertest.Memory
	events *[]string
}

func (r *recordingOrders) Create(ctx context.Context, o *order.Order) error {
	*r.events = append(*r.events, "create")
	return r.Memory.Create(ctx, o)
}

// --- Helpers ---

type fixture struct {
	svc      *order.Service
	orders   *ordertest.Memory
	carts    *mockCartRepo
	coupons  *mockCoupons
	stock    *mockAllocator
	notifier *recordingNotifier
	events   []string
}

var customer = auth.Principal{UserID: "u1", Role: auth.RoleCustomer}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders:   ordertest.NewMemory(),
		notifier: &recordingNotifier{},
	}
	f.carts = &mockCartRepo{items: map[string][]cart.Item{
		"u1": {{ProductID: "p1", Quantity: 1}},
	}}
	f.coupons = &mockCoupons{events: &f.events}
	f.stock = &mockAllocator{orders: f.orders, events: &f.events}

	products := &mockProductRepo{byID: map[string]*product.Product{
		"p1":   {ID: "p1", Name: "Chair", Price: decimal.RequireFromString("100.00"), Category: "Furniture", Available: true},
		"p2":   {ID: "p2", Name: "Lamp", Price: decimal.RequireFromString("19.99"), Category: "Lighting", Available: true},
		"gone": {ID: "gone", Name: "Old Sofa", Price: decimal.NewFromInt(5), Available: false},
	}}
	stores := &mockStoreRepo{stores: []store.Store{
		{ID: "s-closed", Name: "Closed", Active: false},
		{ID: "s1", Name: "Downtown", City: "Austin", State: "TX", ManagerID: "m1", Active: true},
		{ID: "s2", Name: "Uptown", City: "Dallas", State: "TX", ManagerID: "m2", Active: true},
	}}

	f.svc = order.NewService(products, stores, f.carts, f.coupons, f.stock,
		&recordingOrders{Memory: f.orders, events: &f.events},
		notify.NewBestEffort(f.notifier))
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// --- Tests ---

func TestCheckout_CappedPercentageCoupon(t *testing.T) {
	f := newFixture(t)
	f.coupons.quote = &coupon.Quote{
		Discount: dec("5.00"),
		Coupon:   coupon.Snapshot{ID: "c1", Code: "TENOFF"},
	}

	res, err := f.svc.Checkout(context.Background(), order.CheckoutRequest{
		Principal:  customer,
		CouponCode: "tenoff",
	})
	require.NoError(t, err)

	o := res.Order
	assert.True(t, dec("100.00").Equal(o.Subtotal))
	assert.True(t, dec("5.00").Equal(o.Discount))
	assert.True(t, dec("95.00").Equal(o.Total))
	assert.Equal(t, order.StatusPending, o.Status)
	assert.Equal(t, "s1", o.StoreID)
	assert.Equal(t, "TENOFF", o.CouponCode)

	assert.Equal(t, "p1", f.coupons.lastCtx.ProductID)
	assert.Equal(t, "Furniture", f.coupons.lastCtx.Category)
	assert.Equal(t, "s1", f.coupons.lastCtx.StoreID)
	assert.Equal(t, []string{"c1:" + o.ID}, f.coupons.recorded)
	assert.Equal(t, []string{"create", "usage", "allocate"}, f.events)
	assert.Equal(t, []string{"u1"}, f.carts.cleared)
	assert.Contains(t, f.notifier.kinds(), notify.KindOrderCreated)
}

func TestCheckout_TotalsInvariant(t *testing.T) {
	f := newFixture(t)
	f.carts.items["u1"] = []cart.Item{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 3}}
	f.coupons.quote = &coupon.Quote{Discount: dec("12.34"), Coupon: coupon.Snapshot{ID: "c1", Code: "X"}}

	res, err := f.svc.Checkout(context.Background(), order.CheckoutRequest{
		Principal:  customer,
		CouponCode: "X",
		Costs:      order.Costs{Shipping: dec("7.50"), Insurance: dec("1.25"), Tax: dec("20.00")},
	})
	require.NoError(t, err)

	o := res.Order
	want := o.Subtotal.Add(o.Shipping).Add(o.Insurance).Add(o.Tax).Sub(o.Discount)
	assert.True(t, want.Equal(o.Total), "total %s, want %s", o.Total, want)
	assert.True(t, dec("259.97").Equal(o.Subtotal))
	assert.False(t, o.Total.IsNegative())
	assert.Empty(t, f.coupons.lastCtx.ProductID)
	assert.Empty(t, f.coupons.lastCtx.Category)
	require.Len(t, o.Lines, 2)
	assert.True(t, dec("59.97").Equal(o.Lines[1].LineTotal))
}

func TestCheckout_ValidationFailuresHaveNoSideEffects(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(f *fixture)
		req      order.CheckoutRequest
		wantKind apperr.Kind
		reason   string
	}{
		{
			name:     "anonymous",
			req:      order.CheckoutRequest{},
			wantKind: apperr.KindForbidden,
		},
		{
			name:     "empty cart",
			prepare:  func(f *fixture) { delete(f.carts.items, "u1") },
			req:      order.CheckoutRequest{Principal: customer},
			wantKind: apperr.KindValidation,
			reason:   "cart_empty",
		},
		{
			name: "unavailable product",
			prepare: func(f *fixture) {
				f.carts.items["u1"] = []cart.Item{{ProductID: "gone", Quantity: 1}}
			},
			req:      order.CheckoutRequest{Principal: customer},
			wantKind: apperr.KindBusinessRule,
			reason:   "product_unavailable",
		},
		{
			name: "missing product",
			prepare: func(f *fixture) {
				f.carts.items["u1"] = []cart.Item{{ProductID: "nope", Quantity: 1}}
			},
			req:      order.CheckoutRequest{Principal: customer},
			wantKind: apperr.KindNotFound,
		},
		{
			name:     "unknown store",
			req:      order.CheckoutRequest{Principal: customer, StoreID: "s9"},
			wantKind: apperr.KindNotFound,
		},
		{
			name:     "inactive store",
			req:      order.CheckoutRequest{Principal: customer, StoreID: "s-closed"},
			wantKind: apperr.KindBusinessRule,
			reason:   "store_inactive",
		},
		{
			name:     "delivery without address",
			req:      order.CheckoutRequest{Principal: customer, Fulfillment: order.FulfillmentDelivery},
			wantKind: apperr.KindValidation,
			reason:   "shipping_info_required",
		},
		{
			name:     "negative tax",
			req:      order.CheckoutRequest{Principal: customer, Costs: order.Costs{Tax: dec("-1")}},
			wantKind: apperr.KindValidation,
			reason:   "invalid_costs",
		},
		{
			name: "sub-cent shipping and tax",
			req: order.CheckoutRequest{Principal: customer, Costs: order.Costs{
				Shipping: dec("0.004"), Tax: dec("0.004"),
			}},
			wantKind: apperr.KindValidation,
			reason:   "invalid_costs",
		},
		{
			name: "coupon rejected",
			prepare: func(f *fixture) {
				f.coupons.err = apperr.BusinessRule("coupon_scope_mismatch", "valid only for store s2, selected store is s1")
			},
			req:      order.CheckoutRequest{Principal: customer, CouponCode: "S2ONLY"},
			wantKind: apperr.KindBusinessRule,
			reason:   "coupon_scope_mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.prepare != nil {
				tt.prepare(f)
			}

			res, err := f.svc.Checkout(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			if tt.reason != "" {
				e, ok := apperr.As(err)
				require.True(t, ok)
				assert.Equal(t, tt.reason, e.Reason)
			}

			assert.Empty(t, f.events)
			assert.Empty(t, f.carts.cleared)
			assert.Empty(t, f.notifier.kinds())
		})
	}
}

func TestCheckout_CouponUsedUpConcurrently(t *testing.T) {
	f := newFixture(t)
	f.coupons.quote = &coupon.Quote{Discount: dec("5.00"), Coupon: coupon.Snapshot{ID: "c1", Code: "ONCE", UsageLimit: 1}}
	msg := "coupon ONCE can be used 1 time(s) per account and has already been used up"
	f.coupons.recordErr = apperr.Wrap(
		&coupon.RejectedError{Code: "ONCE", Reason: coupon.ReasonUsageLimit, Message: msg},
		apperr.KindBusinessRule, coupon.ReasonUsageLimit, msg,
	)

	res, err := f.svc.Checkout(context.Background(), order.CheckoutRequest{Principal: customer, CouponCode: "ONCE"})
	require.Error(t, err)
	assert.Nil(t, res)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, coupon.ReasonUsageLimit, e.Reason)

	assert.Equal(t, []string{"create", "usage"}, f.events)
	assert.Zero(t, f.stock.calls)
	assert.Empty(t, f.carts.cleared)
	assert.Empty(t, f.notifier.kinds())

	require.Len(t, f.stock.released, 1)
	stored, err := f.orders.Get(context.Background(), f.stock.released[0])
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, stored.Status)
	assert.NotNil(t, stored.StockReleasedAt)
}

func TestCheckout_UsageRecordFailureKeepsOrder(t *testing.T) {
	f := newFixture(t)
	f.coupons.quote = &coupon.Quote{Discount: dec("5.00"), Coupon: coupon.Snapshot{ID: "c1", Code: "TENOFF"}}
	f.coupons.recordErr = errors.New("connection reset")

	res, err := f.svc.Checkout(context.Background(), order.CheckoutRequest{Principal: customer, CouponCode: "TENOFF"})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, res.Order.Status)
	assert.Equal(t, []string{"create", "usage", "allocate"}, f.events)
}

func TestCheckout_AllocationFailureKeepsOrder(t *testing.T) {
	f := newFixture(t)
	f.stock.err = &inventory.InsufficientStockError{ProductID: "p1", StoreID: "s1", Requested: 1}

	res, err := f.svc.Checkout(context.Background(), order.CheckoutRequest{Principal: customer})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "store s1")

	stored, err := f.orders.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, stored.Status)
}

func TestCheckout_DeliveryReassignsStoreAndAlerts(t *testing.T) {
	f := newFixture(t)
	f.stock.result = &inventory.Result{
		StoreID: "s2",
		Updated: []inventory.StockRecord{
			{StoreID: "s2", ProductID: "p1", Quantity: 0},
		},
	}

	res, err := f.svc.Checkout(context.Background(), order.CheckoutRequest{
		Principal:    customer,
		StoreID:      "s1",
		Fulfillment:  order.FulfillmentDelivery,
		ShippingInfo: &order.ShippingInfo{Address: "1 Main St", City: "Dallas", State: "TX"},
	})
	require.NoError(t, err)
	require.NotNil(t, f.stock.lastDest)
	assert.Equal(t, "Dallas", f.stock.lastDest.City)
	assert.Equal(t, "s2", res.Order.StoreID)

	stored, err := f.orders.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "s2", stored.StoreID)
	assert.Equal(t, "Dallas", stored.ShippingInfo.City)

	var alert *notify.Notification
	for i, n := range f.notifier.sent {
		if n.Kind == notify.KindStockOut {
			alert = &f.notifier.sent[i]
		}
	}
	require.NotNil(t, alert)
	assert.Equal(t, "m2", alert.UserID)
}

func TestCheckout_DeliveryWithoutStateIsTreatedAsPickup(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Checkout(context.Background(), order.CheckoutRequest{
		Principal:    customer,
		Fulfillment:  order.FulfillmentDelivery,
		ShippingInfo: &order.ShippingInfo{Address: "somewhere"},
	})
	require.NoError(t, err)
	assert.Nil(t, f.stock.lastDest)
}

func TestCheckout_NotificationFailureDoesNotFail(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")

	res, err := f.svc.Checkout(context.Background(), order.CheckoutRequest{Principal: customer})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Order.ID)
}

func TestService_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := auth.Principal{UserID: "staff", Role: auth.RoleAdmin}

	res, err := f.svc.Checkout(ctx, order.CheckoutRequest{Principal: customer})
	require.NoError(t, err)
	id := res.Order.ID

	_, err = f.svc.Ship(ctx, admin, id)
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err), "pending orders cannot ship")

	_, err = f.svc.Ship(ctx, customer, id)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	ok, err := f.orders.Transition(ctx, id, order.StatusPreparing, order.StatusPending)
	require.NoError(t, err)
	require.True(t, ok)

	o, err := f.svc.Ship(ctx, admin, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, o.Status)
	assert.NotNil(t, o.ShippedAt)

	o, err = f.svc.Deliver(ctx, admin, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDelivered, o.Status)

	_, err = f.svc.Cancel(ctx, customer, id)
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err), "delivered orders cannot be cancelled")
	assert.Empty(t, f.stock.released)
}

func TestService_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, order.CheckoutRequest{Principal: customer})
	require.NoError(t, err)
	id := res.Order.ID

	_, err = f.svc.Cancel(ctx, auth.Principal{UserID: "intruder", Role: auth.RoleCustomer}, id)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	o, err := f.svc.Cancel(ctx, customer, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.NotNil(t, o.StockReleasedAt)
	assert.Equal(t, []string{id}, f.stock.released)

	_, err = f.svc.Cancel(ctx, customer, id)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "order_already_cancelled", e.Reason)
	assert.Equal(t, []string{id}, f.stock.released)
	assert.Equal(t, 1, f.orders.Transitions[id])
}

func TestService_CancelRetriesUnreleasedStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orders.Put(&order.Order{ID: "o1", CustomerID: "u1", Status: order.StatusCancelled})

	o, err := f.svc.Cancel(ctx, customer, "o1")
	require.NoError(t, err)
	assert.NotNil(t, o.StockReleasedAt)
	assert.Equal(t, []string{"o1"}, f.stock.released)
}

func TestService_Get(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Get(ctx, customer, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	f.orders.Put(&order.Order{ID: "o1", CustomerID: "someone-else", Status: order.StatusPending})
	_, err = f.svc.Get(ctx, customer, "o1")
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	o, err := f.svc.Get(ctx, auth.Principal{UserID: "staff", Role: auth.RoleAdmin}, "o1")
	require.NoError(t, err)
	assert.Equal(t, "o1", o.ID)
}

func TestTotal(t *testing.T) {
	total, err := order.Total(dec("10"), dec("2.50"), order.Costs{Shipping: dec("1"), Tax: dec("0.80")})
	require.NoError(t, err)
	assert.True(t, dec("9.30").Equal(total))

	_, err = order.Total(dec("10"), dec("20"), order.Costs{})
	require.Error(t, err)

	_, err = order.Total(dec("10"), decimal.Zero, order.Costs{Insurance: dec("-1")})
	require.Error(t, err)

	// Every stored component must carry the total: 0.004 + 0.004 would round
	// the sum up a cent while each column stores 0.00.
	_, err = order.Total(dec("100"), decimal.Zero, order.Costs{Shipping: dec("0.004"), Tax: dec("0.004")})
	require.Error(t, err)
	assert.True(t, order.WholeCents(dec("0.10")))
	assert.False(t, order.WholeCents(dec("0.105")))
}
