package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

const orderColumns = `id, customer_id, store_id, fulfillment, subtotal, discount, shipping,
	insurance, tax, total, status, coalesce(coupon_id, ''), coupon_code,
	payment_method, payment_reference, payment_instructions, payment_expires_at,
	shipping_address, shipping_city, shipping_state, shipping_zip, shipping_phone,
	created_at, updated_at, shipped_at, delivered_at, cancelled_at, stock_released_at`

const (
	insertOrderSQL = `INSERT INTO orders (id, customer_id, store_id, fulfillment, subtotal, discount,
		shipping, insurance, tax, total, status, coupon_id, coupon_code,
		shipping_address, shipping_city, shipping_state, shipping_zip, shipping_phone,
		created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13,
		$14, $15, $16, $17, $18, $19, $19)`

	insertOrderLineSQL = `INSERT INTO order_lines (order_id, position, product_id, quantity, unit_price, line_total)
		VALUES ($1, $2, $3, $4, $5, $6)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByReferenceSQL = `SELECT ` + orderColumns + `
		FROM orders WHERE payment_reference = $1 AND payment_reference <> ''`

	listOrderLinesSQL = `SELECT product_id, quantity, unit_price, line_total
		FROM order_lines WHERE order_id = $1 ORDER BY position`

	// $2 is the target status; the matching timestamp column is stamped.
	transitionOrderSQL = `UPDATE orders SET
		status = $2,
		updated_at = now(),
		shipped_at = CASE WHEN $2 = 'SHIPPED' THEN now() ELSE shipped_at END,
		delivered_at = CASE WHEN $2 = 'DELIVERED' THEN now() ELSE delivered_at END,
		cancelled_at = CASE WHEN $2 = 'CANCELLED' THEN now() ELSE cancelled_at END
		WHERE id = $1 AND status = ANY($3)`

	setOrderPaymentSQL = `UPDATE orders SET payment_method = $2, payment_reference = $3,
		payment_instructions = $4, payment_expires_at = $5, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
		AND (payment_reference = '' OR payment_method <> $2
			OR payment_expires_at IS NULL OR payment_expires_at <= $6)`

	clearOrderPaymentSQL = `UPDATE orders SET payment_method = '', payment_reference = '',
		payment_instructions = '', payment_expires_at = NULL, updated_at = now()
		WHERE id = $1 AND payment_reference = $2`

	updateOrderStoreSQL = `UPDATE orders SET store_id = $2, updated_at = now() WHERE id = $1`

	listPendingOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE status = 'PENDING'
		AND ($1::timestamptz IS NULL OR created_at < $1)
		AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at
		LIMIT NULLIF($3, 0)`

	listUnreleasedOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE status = 'CANCELLED' AND stock_released_at IS NULL
		ORDER BY cancelled_at
		LIMIT NULLIF($1, 0)`

	hasActiveOrdersSQL = `SELECT EXISTS (
		SELECT 1 FROM orders WHERE customer_id = $1 AND status <> 'CANCELLED')`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create inserts the order row and its lines in one transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	var si order.ShippingInfo
	hasShipping := o.ShippingInfo != nil
	if hasShipping {
		si = *o.ShippingInfo
	}

	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(insertOrderSQL,
			o.ID, o.CustomerID, o.StoreID, string(o.Fulfillment), o.Subtotal, o.Discount,
			o.Shipping, o.Insurance, o.Tax, o.Total, string(o.Status), o.CouponID, o.CouponCode,
			nullable(hasShipping, si.Address), nullable(hasShipping, si.City),
			nullable(hasShipping, si.State), nullable(hasShipping, si.Zip),
			nullable(hasShipping, si.Phone),
			o.CreatedAt,
		)
		for i, l := range o.Lines {
			batch.Queue(insertOrderLineSQL, o.ID, i, l.ProductID, l.Quantity, l.UnitPrice, l.LineTotal)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return errors.Wrapf(err, "create order %q", o.ID)
	}
	o.UpdatedAt = o.CreatedAt
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return r.one(ctx, getOrderSQL, id)
}

func (r *OrderRepository) FindByPaymentReference(ctx context.Context, ref string) (*order.Order, error) {
	return r.one(ctx, getOrderByReferenceSQL, ref)
}

func (r *OrderRepository) one(ctx context.Context, sql string, arg string) (*order.Order, error) {
	var o order.Order
	err := r.db.run(ctx, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, sql, arg)
		if err != nil {
			return err
		}
		if o, err = pgx.CollectExactlyOneRow(rows, scanOrder); err != nil {
			return err
		}
		rows, err = r.db.pool.Query(ctx, listOrderLinesSQL, o.ID)
		if err != nil {
			return err
		}
		o.Lines, err = pgx.CollectRows(rows, scanOrderLine)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %q", arg)
	}
	return &o, nil
}

// Transition is a single conditional update, so concurrent callers racing
// on the same order see exactly one success.
func (r *OrderRepository) Transition(ctx context.Context, id string, to order.Status, from ...order.Status) (bool, error) {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}
	var changed bool
	err := r.db.run(ctx, func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, transitionOrderSQL, id, string(to), allowed)
		changed = tag.RowsAffected() == 1
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "transition order %q to %s", id, to)
	}
	return changed, nil
}

func (r *OrderRepository) SetPayment(ctx context.Context, id string, p order.Payment, now time.Time) (bool, error) {
	var stored bool
	err := r.db.run(ctx, func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, setOrderPaymentSQL, id, p.Method, p.Reference, p.Instructions, p.ExpiresAt, now)
		stored = tag.RowsAffected() == 1
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "set payment of order %q", id)
	}
	return stored, nil
}

func (r *OrderRepository) ClearPayment(ctx context.Context, id, ref string) (bool, error) {
	var cleared bool
	err := r.db.run(ctx, func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, clearOrderPaymentSQL, id, ref)
		cleared = tag.RowsAffected() == 1
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "clear payment of order %q", id)
	}
	return cleared, nil
}

func (r *OrderRepository) UpdateStore(ctx context.Context, id, storeID string) error {
	var affected int64
	err := r.db.run(ctx, func(ctx context.Context) error {
		tag, err := r.db.pool.Exec(ctx, updateOrderStoreSQL, id, storeID)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "update store of order %q", id)
	}
	if affected == 0 {
		return order.ErrNotFound
	}
	return nil
}

// ListPending returns orders without their lines, oldest first.
func (r *OrderRepository) ListPending(ctx context.Context, f order.PendingFilter) ([]order.Order, error) {
	var out []order.Order
	err := r.db.run(ctx, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, listPendingOrdersSQL,
			nullTime(f.CreatedBefore), nullTime(f.CreatedAfter), f.Limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanOrder)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list pending orders")
	}
	return out, nil
}

func (r *OrderRepository) ListUnreleased(ctx context.Context, limit int) ([]order.Order, error) {
	var out []order.Order
	err := r.db.run(ctx, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, listUnreleasedOrdersSQL, limit)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanOrder)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "list unreleased orders")
	}
	return out, nil
}

func (r *OrderRepository) HasActiveOrders(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.db.run(ctx, func(ctx context.Context) error {
		return r.db.pool.QueryRow(ctx, hasActiveOrdersSQL, userID).Scan(&exists)
	})
	if err != nil {
		return false, errors.Wrapf(err, "check orders of %q", userID)
	}
	return exists, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                             order.Order
		fulfillment, status           string
		addr, city, state, zip, phone *string
	)
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.StoreID, &fulfillment, &o.Subtotal, &o.Discount, &o.Shipping,
		&o.Insurance, &o.Tax, &o.Total, &status, &o.CouponID, &o.CouponCode,
		&o.Payment.Method, &o.Payment.Reference, &o.Payment.Instructions, &o.Payment.ExpiresAt,
		&addr, &city, &state, &zip, &phone,
		&o.CreatedAt, &o.UpdatedAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt, &o.StockReleasedAt,
	)
	if err != nil {
		return o, err
	}
	o.Fulfillment = order.Fulfillment(fulfillment)
	o.Status = order.Status(status)
	if addr != nil {
		o.ShippingInfo = &order.ShippingInfo{
			Address: *addr,
			City:    deref(city),
			State:   deref(state),
			Zip:     deref(zip),
			Phone:   deref(phone),
		}
	}
	return o, nil
}

func scanOrderLine(row pgx.CollectableRow) (order.Line, error) {
	var l order.Line
	err := row.Scan(&l.ProductID, &l.Quantity, &l.UnitPrice, &l.LineTotal)
	return l, err
}

func nullable(ok bool, s string) *string {
	if !ok {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
