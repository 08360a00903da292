package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind enumerates how the discount value is interpreted.
type Kind string

const (
	// KindPercentage takes Value percent of the discounted base.
	KindPercentage Kind = "percentage"
	// KindFixed takes Value as a monetary amount, capped at the base.
	KindFixed Kind = "fixed"
)

// Type selects which part of the order the discount applies to.
type Type string

const (
	TypeMerchandise Type = "merchandise"
	TypeShipping    Type = "shipping"
)

// Scope restricts the orders a coupon may be applied to.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeCategory Scope = "category"
	ScopeProduct  Scope = "product"
	ScopeStore    Scope = "store"
)

// Visibility controls which accounts may redeem a coupon.
type Visibility string

const (
	// VisibilityExclusive coupons are redeemable by anyone holding the code.
	VisibilityExclusive   Visibility = "exclusive"
	VisibilityAllAccounts Visibility = "all_accounts"
	// VisibilityNewAccounts coupons are only for users without prior orders.
	VisibilityNewAccounts Visibility = "new_accounts"
)

// ErrNotFound is returned by repositories when no coupon matches a code.
var ErrNotFound = errors.New("coupon not found")

// Coupon is a discount instrument as configured by an administrator.
type Coupon struct {
	ID    string
	Code  string
	Kind  Kind
	Value decimal.Decimal
	// MinimumPurchase and MaximumDiscount are ignored when nil.
	MinimumPurchase *decimal.Decimal
	MaximumDiscount *decimal.Decimal
	// UsageLimit is the number of redemptions allowed per user; zero is unlimited.
	UsageLimit  int
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	Active      bool
	Scope       Scope
	ScopeID     string
	Visibility  Visibility
	Type        Type
	Description string
}

// Snapshot is the immutable view of a coupon captured at pricing time.
type Snapshot struct {
	ID          string
	Code        string
	Kind        Kind
	Type        Type
	Value       decimal.Decimal
	Description string
	// UsageLimit is the per-user redemption cap; zero is unlimited.
	UsageLimit int
}

func (c *Coupon) snapshot() Snapshot {
	return Snapshot{
		ID:          c.ID,
		Code:        c.Code,
		Kind:        c.Kind,
		Type:        c.Type,
		Value:       c.Value,
		Description: c.Description,
		UsageLimit:  c.UsageLimit,
	}
}

// NormalizeCode returns the canonical form used for lookups. Codes are
// unique case-insensitively.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalizeCategory(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Repository reads coupons.
type Repository interface {
	// FindByCode returns ErrNotFound when no coupon has the normalized code.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
}

// UsageRepository stores the append-only redemption log.
type UsageRepository interface {
	CountUsage(ctx context.Context, couponID, userID string) (int, error)
	// RecordUsage appends a redemption unless the user already holds limit
	// of them; a limit of zero is unlimited. The check and the insert are
	// atomic per (coupon, user). It reports whether the row was written.
	RecordUsage(ctx context.Context, couponID, userID, orderID string, limit int) (bool, error)
}

// OrderHistory answers questions about a user's past orders.
type OrderHistory interface {
	// HasActiveOrders reports whether userID placed any order that was not cancelled.
	HasActiveOrders(ctx context.Context, userID string) (bool, error)
}
