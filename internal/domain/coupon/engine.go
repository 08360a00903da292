package coupon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/apperr"
)

// Rejection reasons reported to clients.
const (
	ReasonNotFound        = "coupon_not_found"
	ReasonInactive        = "coupon_inactive"
	ReasonNotYetValid     = "coupon_not_yet_valid"
	ReasonExpired         = "coupon_expired"
	ReasonSignInRequired  = "coupon_sign_in_required"
	ReasonUsageLimit      = "coupon_usage_limit"
	ReasonMinimumPurchase = "coupon_minimum_purchase"
	ReasonScopeMismatch   = "coupon_scope_mismatch"
	ReasonMisconfigured   = "coupon_misconfigured"
	ReasonNewAccountsOnly = "coupon_new_accounts_only"
	ReasonNoShippingCost  = "coupon_no_shipping_cost"
)

// RejectedError explains why a coupon cannot be applied to an order.
type RejectedError struct {
	Code    string
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("coupon %s rejected: %s", e.Code, e.Message)
}

func reject(code, reason, format string, args ...any) error {
	kind := apperr.KindBusinessRule
	if reason == ReasonNotFound {
		kind = apperr.KindNotFound
	}
	msg := fmt.Sprintf(format, args...)
	return apperr.Wrap(&RejectedError{Code: code, Reason: reason, Message: msg}, kind, reason, msg)
}

// Context is the order information a coupon is validated and priced against.
type Context struct {
	// Amount is the merchandise subtotal the discount is computed against.
	Amount decimal.Decimal
	// ProductID is set when the order holds a single product.
	ProductID string
	// Category is set when every line shares one category.
	Category string
	StoreID  string
	// Shipping is nil when the order has no shipping component.
	Shipping *decimal.Decimal
	// UserID is empty for anonymous callers.
	UserID string
}

// Quote is a successful pricing result.
type Quote struct {
	Discount decimal.Decimal
	Coupon   Snapshot
}

// Engine validates and prices coupons. It never writes except through the
// explicit RecordUsage call.
type Engine struct {
	coupons Repository
	usage   UsageRepository
	history OrderHistory
	now     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(coupons Repository, usage UsageRepository, history OrderHistory) *Engine {
	return &Engine{
		coupons: coupons,
		usage:   usage,
		history: history,
		now:     time.Now,
	}
}

// Price validates code against c and computes the discount. The first failed
// check wins. Rejections are apperr errors wrapping *RejectedError.
func (e *Engine) Price(ctx context.Context, code string, c Context) (*Quote, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, reject(code, ReasonNotFound, "coupon code is empty")
	}

	cp, err := e.coupons.FindByCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, reject(normalized, ReasonNotFound, "coupon %s does not exist", normalized)
		}
		return nil, errors.Wrap(err, "find coupon")
	}

	if !cp.Active {
		return nil, reject(cp.Code, ReasonInactive, "coupon %s is no longer active", cp.Code)
	}

	now := e.now()
	if cp.ValidFrom != nil && now.Before(*cp.ValidFrom) {
		return nil, reject(cp.Code, ReasonNotYetValid, "coupon %s is valid from %s",
			cp.Code, cp.ValidFrom.Format(time.DateOnly))
	}
	if cp.ValidUntil != nil && !now.Before(*cp.ValidUntil) {
		return nil, reject(cp.Code, ReasonExpired, "coupon %s expired on %s",
			cp.Code, cp.ValidUntil.Format(time.DateOnly))
	}

	if cp.UsageLimit > 0 {
		if c.UserID == "" {
			return nil, reject(cp.Code, ReasonSignInRequired, "sign in to use coupon %s", cp.Code)
		}
		used, err := e.usage.CountUsage(ctx, cp.ID, c.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "count coupon usage")
		}
		if used >= cp.UsageLimit {
			return nil, reject(cp.Code, ReasonUsageLimit,
				"coupon %s can be used %d time(s) per account and has already been used %d time(s)",
				cp.Code, cp.UsageLimit, used)
		}
	}

	if cp.MinimumPurchase != nil && c.Amount.LessThan(*cp.MinimumPurchase) {
		return nil, reject(cp.Code, ReasonMinimumPurchase,
			"coupon %s requires a minimum purchase of %s, order subtotal is %s",
			cp.Code, cp.MinimumPurchase.StringFixed(2), c.Amount.StringFixed(2))
	}

	if err := checkScope(cp, c); err != nil {
		return nil, err
	}

	if cp.Visibility == VisibilityNewAccounts {
		if c.UserID == "" {
			return nil, reject(cp.Code, ReasonSignInRequired, "sign in to use coupon %s", cp.Code)
		}
		has, err := e.history.HasActiveOrders(ctx, c.UserID)
		if err != nil {
			return nil, errors.Wrap(err, "check order history")
		}
		if has {
			return nil, reject(cp.Code, ReasonNewAccountsOnly, "coupon %s is only for new accounts", cp.Code)
		}
	}

	if cp.Type == TypeShipping && (c.Shipping == nil || !c.Shipping.IsPositive()) {
		return nil, reject(cp.Code, ReasonNoShippingCost,
			"coupon %s discounts shipping, but this order has no shipping cost", cp.Code)
	}

	amount, err := Discount(cp, c.Amount, c.Shipping)
	if err != nil {
		return nil, reject(cp.Code, ReasonMisconfigured, "coupon %s is misconfigured: %s", cp.Code, err)
	}

	return &Quote{Discount: amount, Coupon: cp.snapshot()}, nil
}

// RecordUsage appends a redemption. The orchestrator calls it only after the
// order is durable so failed checkouts never consume a slot. A concurrent
// checkout that took the last slot first turns this into a usage-limit
// rejection.
func (e *Engine) RecordUsage(ctx context.Context, c Snapshot, userID, orderID string) error {
	ok, err := e.usage.RecordUsage(ctx, c.ID, userID, orderID, c.UsageLimit)
	if err != nil {
		return errors.Wrap(err, "record coupon usage")
	}
	if !ok {
		return reject(c.Code, ReasonUsageLimit,
			"coupon %s can be used %d time(s) per account and has already been used up", c.Code, c.UsageLimit)
	}
	return nil
}

func checkScope(cp *Coupon, c Context) error {
	switch cp.Scope {
	case ScopeAll, "":
		return nil
	case ScopeProduct:
		if cp.ScopeID == "" {
			return reject(cp.Code, ReasonMisconfigured, "coupon %s has no product bound", cp.Code)
		}
		if c.ProductID != cp.ScopeID {
			if c.ProductID == "" {
				return reject(cp.Code, ReasonScopeMismatch,
					"coupon %s is valid only for product %s as the single item in the order", cp.Code, cp.ScopeID)
			}
			return reject(cp.Code, ReasonScopeMismatch,
				"coupon %s is valid only for product %s, order contains product %s", cp.Code, cp.ScopeID, c.ProductID)
		}
	case ScopeCategory:
		want := normalizeCategory(cp.ScopeID)
		if want == "" {
			return reject(cp.Code, ReasonMisconfigured, "coupon %s has no category bound", cp.Code)
		}
		if normalizeCategory(c.Category) != want {
			return reject(cp.Code, ReasonScopeMismatch,
				"coupon %s is valid only for category %q", cp.Code, cp.ScopeID)
		}
	case ScopeStore:
		if cp.ScopeID == "" {
			return reject(cp.Code, ReasonMisconfigured, "coupon %s is store-scoped but has no store bound", cp.Code)
		}
		if c.StoreID == "" {
			return reject(cp.Code, ReasonMisconfigured, "coupon %s is store-scoped but no store was selected", cp.Code)
		}
		if c.StoreID != cp.ScopeID {
			return reject(cp.Code, ReasonScopeMismatch,
				"coupon %s is valid only for store %s, selected store is %s", cp.Code, cp.ScopeID, c.StoreID)
		}
	default:
		return reject(cp.Code, ReasonMisconfigured, "coupon %s has unknown scope %q", cp.Code, cp.Scope)
	}
	return nil
}
