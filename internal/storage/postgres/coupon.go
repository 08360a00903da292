package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

const (
	getCouponByCodeSQL = `SELECT id, code, kind, value, minimum_purchase, maximum_discount,
		usage_limit, valid_from, valid_until, active, scope, scope_id, visibility, type, description
		FROM coupons WHERE upper(code) = upper($1)`

	countCouponUsageSQL = `SELECT count(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`

	lockCouponUsageSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1::text || ':' || $2::text, 0))`

	insertCouponUsageSQL = `INSERT INTO coupon_usages (coupon_id, user_id, order_id)
		SELECT $1::text, $2::text, NULLIF($3::text, '')
		WHERE $4::int <= 0 OR (SELECT count(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2) < $4`
)

var (
	_ coupon.Repository      = (*CouponRepository)(nil)
	_ coupon.UsageRepository = (*CouponRepository)(nil)
)

// CouponRepository implements coupon.Repository and coupon.UsageRepository.
type CouponRepository struct {
	db *DB
}

// NewCouponRepository returns a CouponRepository.
func NewCouponRepository(db *DB) *CouponRepository {
	return &CouponRepository{db: db}
}

// FindByCode looks up a coupon case-insensitively, active or not. Returns
// coupon.ErrNotFound when no coupon has the code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	var c coupon.Coupon
	err := r.db.run(ctx, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, getCouponByCodeSQL, coupon.NormalizeCode(code))
		if err != nil {
			return err
		}
		c, err = pgx.CollectExactlyOneRow(rows, scanCoupon)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	return &c, nil
}

func (r *CouponRepository) CountUsage(ctx context.Context, couponID, userID string) (int, error) {
	var n int
	err := r.db.run(ctx, func(ctx context.Context) error {
		return r.db.pool.QueryRow(ctx, countCouponUsageSQL, couponID, userID).Scan(&n)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "count usage of coupon %q", couponID)
	}
	return n, nil
}

// RecordUsage serializes redemptions of one coupon by one user on a
// transaction-scoped advisory lock, so the count and the insert see every
// committed redemption.
func (r *CouponRepository) RecordUsage(ctx context.Context, couponID, userID, orderID string, limit int) (bool, error) {
	var inserted bool
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockCouponUsageSQL, couponID, userID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, insertCouponUsageSQL, couponID, userID, orderID, limit)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "record usage of coupon %q", couponID)
	}
	return inserted, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c                                  coupon.Coupon
		kind, scope, visibility, couponTyp string
	)
	err := row.Scan(
		&c.ID, &c.Code, &kind, &c.Value, &c.MinimumPurchase, &c.MaximumDiscount,
		&c.UsageLimit, &c.ValidFrom, &c.ValidUntil, &c.Active,
		&scope, &c.ScopeID, &visibility, &couponTyp, &c.Description,
	)
	if err != nil {
		return c, err
	}
	c.Kind = coupon.Kind(kind)
	c.Scope = coupon.Scope(scope)
	c.Visibility = coupon.Visibility(visibility)
	c.Type = coupon.Type(couponTyp)
	return c, nil
}
