package coupon

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

type mockCouponRepo struct {
	coupons map[string]*Coupon
	err     error
	lookups []string
}

func (m *mockCouponRepo) FindByCode(_ context.Context, code string) (*Coupon, error) {
	m.lookups = append(m.lookups, code)
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.coupons[code]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

type usageKey struct{ coupon, user string }

type mockUsageRepo struct {
	mu       sync.Mutex
	counts   map[usageKey]int
	recorded []string
	err      error
}

func (m *mockUsageRepo) CountUsage(_ context.Context, couponID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.counts[usageKey{couponID, userID}], nil
}

func (m *mockUsageRepo) RecordUsage(_ context.Context, couponID, userID, orderID string, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.counts == nil {
		m.counts = make(map[usageKey]int)
	}
	k := usageKey{couponID, userID}
	if limit > 0 && m.counts[k] >= limit {
		return false, nil
	}
	m.counts[k]++
	m.recorded = append(m.recorded, orderID)
	return true, nil
}

type mockHistory struct {
	active map[string]bool
}

func (m *mockHistory) HasActiveOrders(_ context.Context, userID string) (bool, error) {
	return m.active[userID], nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newTestEngine(now time.Time, coupons ...*Coupon) (*Engine, *mockUsageRepo) {
	repo := &mockCouponRepo{coupons: make(map[string]*Coupon)}
	for _, c := range coupons {
		repo.coupons[c.Code] = c
	}
	usage := &mockUsageRepo{}
	e := NewEngine(repo, usage, &mockHistory{active: map[string]bool{"veteran": true}})
	e.now = func() time.Time { return now }
	return e, usage
}

func requireRejected(t *testing.T, err error, reason string) *RejectedError {
	t.Helper()
	require.Error(t, err)
	var rej *RejectedError
	require.True(t, errors.As(err, &rej), "expected RejectedError, got %v", err)
	assert.Equal(t, reason, rej.Reason)
	return rej
}

func TestEngine_Price(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	base := func(code string) *Coupon {
		return &Coupon{
			ID:         "id-" + code,
			Code:       code,
			Kind:       KindPercentage,
			Value:      dec("10"),
			Active:     true,
			Scope:      ScopeAll,
			Visibility: VisibilityExclusive,
			Type:       TypeMerchandise,
		}
	}
	with := func(code string, fn func(c *Coupon)) *Coupon {
		c := base(code)
		fn(c)
		return c
	}

	tests := []struct {
		name       string
		coupon     *Coupon
		code       string
		ctx        Context
		wantAmount string
		wantReason string
	}{
		{
			name:       "percentage off subtotal",
			coupon:     base("SAVE10"),
			code:       "SAVE10",
			ctx:        Context{Amount: dec("100.00")},
			wantAmount: "10",
		},
		{
			name:       "code is case and whitespace insensitive",
			coupon:     base("SAVE10"),
			code:       "  save10 ",
			ctx:        Context{Amount: dec("50.00")},
			wantAmount: "5",
		},
		{
			name:       "unknown code",
			coupon:     base("SAVE10"),
			code:       "BOGUS",
			ctx:        Context{Amount: dec("100")},
			wantReason: ReasonNotFound,
		},
		{
			name:       "inactive",
			coupon:     with("OFF", func(c *Coupon) { c.Active = false }),
			code:       "OFF",
			ctx:        Context{Amount: dec("100")},
			wantReason: ReasonInactive,
		},
		{
			name:       "not yet valid",
			coupon:     with("SOON", func(c *Coupon) { c.ValidFrom = &future }),
			code:       "SOON",
			ctx:        Context{Amount: dec("100")},
			wantReason: ReasonNotYetValid,
		},
		{
			name:       "expired",
			coupon:     with("OLD", func(c *Coupon) { c.ValidUntil = &past }),
			code:       "OLD",
			ctx:        Context{Amount: dec("100")},
			wantReason: ReasonExpired,
		},
		{
			name:       "valid until is exclusive",
			coupon:     with("EDGE", func(c *Coupon) { c.ValidUntil = &now }),
			code:       "EDGE",
			ctx:        Context{Amount: dec("100")},
			wantReason: ReasonExpired,
		},
		{
			name:       "valid from is inclusive",
			coupon:     with("START", func(c *Coupon) { c.ValidFrom = &now }),
			code:       "START",
			ctx:        Context{Amount: dec("100")},
			wantAmount: "10",
		},
		{
			name:       "usage limit needs a user",
			coupon:     with("ONCE", func(c *Coupon) { c.UsageLimit = 1 }),
			code:       "ONCE",
			ctx:        Context{Amount: dec("100")},
			wantReason: ReasonSignInRequired,
		},
		{
			name:       "below minimum purchase",
			coupon:     with("MIN", func(c *Coupon) { c.MinimumPurchase = decPtr("50") }),
			code:       "MIN",
			ctx:        Context{Amount: dec("49.99")},
			wantReason: ReasonMinimumPurchase,
		},
		{
			name:       "exactly minimum purchase",
			coupon:     with("MIN", func(c *Coupon) { c.MinimumPurchase = decPtr("50") }),
			code:       "MIN",
			ctx:        Context{Amount: dec("50")},
			wantAmount: "5",
		},
		{
			name: "product scope match",
			coupon: with("PROD", func(c *Coupon) {
				c.Scope = ScopeProduct
				c.ScopeID = "p1"
			}),
			code:       "PROD",
			ctx:        Context{Amount: dec("20"), ProductID: "p1"},
			wantAmount: "2",
		},
		{
			name: "product scope mismatch",
			coupon: with("PROD", func(c *Coupon) {
				c.Scope = ScopeProduct
				c.ScopeID = "p1"
			}),
			code:       "PROD",
			ctx:        Context{Amount: dec("20"), ProductID: "p2"},
			wantReason: ReasonScopeMismatch,
		},
		{
			name: "category scope is normalized",
			coupon: with("CAT", func(c *Coupon) {
				c.Scope = ScopeCategory
				c.ScopeID = "Home  Garden"
			}),
			code:       "CAT",
			ctx:        Context{Amount: dec("40"), Category: " home garden"},
			wantAmount: "4",
		},
		{
			name: "category scope mismatch",
			coupon: with("CAT", func(c *Coupon) {
				c.Scope = ScopeCategory
				c.ScopeID = "toys"
			}),
			code:       "CAT",
			ctx:        Context{Amount: dec("40"), Category: "books"},
			wantReason: ReasonScopeMismatch,
		},
		{
			name: "store scope without selected store is misconfigured",
			coupon: with("STORE", func(c *Coupon) {
				c.Scope = ScopeStore
				c.ScopeID = "s1"
			}),
			code:       "STORE",
			ctx:        Context{Amount: dec("40")},
			wantReason: ReasonMisconfigured,
		},
		{
			name:       "store scope without bound store is misconfigured",
			coupon:     with("STORE", func(c *Coupon) { c.Scope = ScopeStore }),
			code:       "STORE",
			ctx:        Context{Amount: dec("40"), StoreID: "s1"},
			wantReason: ReasonMisconfigured,
		},
		{
			name:       "new accounts only rejects existing customer",
			coupon:     with("WELCOME", func(c *Coupon) { c.Visibility = VisibilityNewAccounts }),
			code:       "WELCOME",
			ctx:        Context{Amount: dec("40"), UserID: "veteran"},
			wantReason: ReasonNewAccountsOnly,
		},
		{
			name:       "new accounts only accepts first order",
			coupon:     with("WELCOME", func(c *Coupon) { c.Visibility = VisibilityNewAccounts }),
			code:       "WELCOME",
			ctx:        Context{Amount: dec("40"), UserID: "newbie"},
			wantAmount: "4",
		},
		{
			name:       "shipping coupon without shipping",
			coupon:     with("SHIP", func(c *Coupon) { c.Type = TypeShipping }),
			code:       "SHIP",
			ctx:        Context{Amount: dec("40")},
			wantReason: ReasonNoShippingCost,
		},
		{
			name: "shipping coupon discounts shipping only",
			coupon: with("SHIP", func(c *Coupon) {
				c.Type = TypeShipping
				c.Kind = KindFixed
				c.Value = dec("15")
			}),
			code:       "SHIP",
			ctx:        Context{Amount: dec("200"), Shipping: decPtr("9.50")},
			wantAmount: "9.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(now, tt.coupon)

			q, err := e.Price(context.Background(), tt.code, tt.ctx)
			if tt.wantReason != "" {
				requireRejected(t, err, tt.wantReason)
				assert.Nil(t, q)
				return
			}

			require.NoError(t, err)
			assert.True(t, dec(tt.wantAmount).Equal(q.Discount),
				"expected discount %s, got %s", tt.wantAmount, q.Discount)
			assert.Equal(t, tt.coupon.ID, q.Coupon.ID)
		})
	}
}

func TestEngine_Price_ErrorKinds(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(now, &Coupon{
		ID: "c1", Code: "STORE1", Kind: KindFixed, Value: dec("5"), Active: true,
		Scope: ScopeStore, ScopeID: "store-a", Type: TypeMerchandise,
	})

	_, err := e.Price(context.Background(), "missing", Context{Amount: dec("10")})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = e.Price(context.Background(), "store1", Context{Amount: dec("10"), StoreID: "store-b"})
	assert.Equal(t, apperr.KindBusinessRule, apperr.KindOf(err))
	rej := requireRejected(t, err, ReasonScopeMismatch)
	assert.Contains(t, rej.Message, "store-a")
	assert.Contains(t, rej.Message, "store-b")
}

func TestEngine_Price_StoreScopeAlwaysRejectsOtherStore(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(now, &Coupon{
		ID: "c1", Code: "LOCAL", Kind: KindPercentage, Value: dec("50"), Active: true,
		Scope: ScopeStore, ScopeID: "s1", Type: TypeMerchandise,
	})

	for _, amount := range []string{"0", "0.01", "10", "99999.99"} {
		_, err := e.Price(context.Background(), "LOCAL", Context{Amount: dec(amount), StoreID: "s2"})
		requireRejected(t, err, ReasonScopeMismatch)
	}
}

func TestEngine_UsageLimit(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	const limit = 3
	e, usage := newTestEngine(now, &Coupon{
		ID: "c1", Code: "THRICE", Kind: KindFixed, Value: dec("1"), Active: true,
		UsageLimit: limit, Scope: ScopeAll, Type: TypeMerchandise,
	})
	ctx := context.Background()
	c := Context{Amount: dec("10"), UserID: "u1"}

	for i := range limit {
		q, err := e.Price(ctx, "THRICE", c)
		require.NoError(t, err, "attempt %d", i+1)
		assert.Equal(t, limit, q.Coupon.UsageLimit)
		require.NoError(t, e.RecordUsage(ctx, q.Coupon, "u1", "order"))
	}

	_, err := e.Price(ctx, "THRICE", c)
	requireRejected(t, err, ReasonUsageLimit)
	assert.Len(t, usage.recorded, limit)

	// Other users keep their own budget.
	_, err = e.Price(ctx, "THRICE", Context{Amount: dec("10"), UserID: "u2"})
	require.NoError(t, err)
}

func TestEngine_RecordUsage_ConcurrentCheckouts(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	e, usage := newTestEngine(now, &Coupon{
		ID: "c1", Code: "ONCE", Kind: KindFixed, Value: dec("1"), Active: true,
		UsageLimit: 1, Scope: ScopeAll, Type: TypeMerchandise,
	})
	ctx := context.Background()
	c := Context{Amount: dec("10"), UserID: "u1"}

	// Both checkouts price before either records.
	quotes := make([]*Quote, 2)
	for i := range quotes {
		q, err := e.Price(ctx, "ONCE", c)
		require.NoError(t, err)
		quotes[i] = q
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(quotes))
	)
	for i, q := range quotes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.RecordUsage(ctx, q.Coupon, "u1", fmt.Sprintf("o%d", i))
		}()
	}
	wg.Wait()

	var rejected int
	for _, err := range errs {
		if err != nil {
			requireRejected(t, err, ReasonUsageLimit)
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Len(t, usage.recorded, 1)
}

func TestEngine_RecordUsage_Error(t *testing.T) {
	e := NewEngine(&mockCouponRepo{}, &mockUsageRepo{err: errors.New("connection reset")}, &mockHistory{})

	err := e.RecordUsage(context.Background(), Snapshot{ID: "c1", Code: "X"}, "u1", "o1")
	require.Error(t, err)
	var rej *RejectedError
	assert.False(t, errors.As(err, &rej))
}

func TestEngine_Price_RepositoryError(t *testing.T) {
	repo := &mockCouponRepo{err: errors.New("connection reset")}
	e := NewEngine(repo, &mockUsageRepo{}, &mockHistory{})

	_, err := e.Price(context.Background(), "ANY", Context{Amount: dec("10")})
	require.Error(t, err)
	var rej *RejectedError
	assert.False(t, errors.As(err, &rej))
	assert.Equal(t, []string{"ANY"}, repo.lookups)
}

func TestEngine_Price_DoesNotRecordUsage(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	e, usage := newTestEngine(now, &Coupon{
		ID: "c1", Code: "X", Kind: KindFixed, Value: dec("1"), Active: true,
		UsageLimit: 1, Type: TypeMerchandise,
	})

	for range 3 {
		_, err := e.Price(context.Background(), "X", Context{Amount: dec("10"), UserID: "u1"})
		require.NoError(t, err)
	}
	assert.Empty(t, usage.recorded)
}
