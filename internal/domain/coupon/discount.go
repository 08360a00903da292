package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Discount computes the discount a coupon grants. Merchandise coupons are
// computed against subtotal, shipping coupons against shipping alone. The
// result is capped at the base and at MaximumDiscount, rounded half-up to
// two places and never negative.
func Discount(cp *Coupon, subtotal decimal.Decimal, shipping *decimal.Decimal) (decimal.Decimal, error) {
	base := subtotal
	if cp.Type == TypeShipping {
		base = zero
		if shipping != nil {
			base = *shipping
		}
	}
	base = floorAtZero(base)

	var amount decimal.Decimal
	switch cp.Kind {
	case KindPercentage:
		amount = base.Mul(cp.Value).Div(hundred)
	case KindFixed:
		amount = cp.Value
	default:
		return zero, errors.Errorf("unsupported discount kind: %q", cp.Kind)
	}

	if cp.MaximumDiscount != nil {
		amount = decimal.Min(amount, *cp.MaximumDiscount)
	}
	amount = decimal.Min(amount, base)

	return floorAtZero(amount).Round(2), nil
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
