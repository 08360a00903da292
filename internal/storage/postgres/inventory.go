package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/inventory"
)

const (
	listStockByProductSQL = `SELECT w.store_id, w.product_id, w.quantity, w.min_stock, s.city, s.state, NOT s.active
		FROM warehouse_stock w JOIN stores s ON s.id = w.store_id
		WHERE w.product_id = $1
		ORDER BY w.store_id`

	takeStockStrictSQL = `UPDATE warehouse_stock w SET quantity = w.quantity - $3
		WHERE w.store_id = $1 AND w.product_id = $2 AND w.quantity >= $3
		RETURNING w.quantity, w.min_stock, $3::int,
			(SELECT city FROM stores WHERE id = w.store_id),
			(SELECT state FROM stores WHERE id = w.store_id)`

	// The CTE locks the row and exposes the quantity before the decrement.
	takeStockClampedSQL = `WITH prev AS (
			SELECT quantity FROM warehouse_stock
			WHERE store_id = $1 AND product_id = $2 FOR UPDATE
		)
		UPDATE warehouse_stock w SET quantity = GREATEST(w.quantity - $3, 0)
		FROM prev
		WHERE w.store_id = $1 AND w.product_id = $2
		RETURNING w.quantity, w.min_stock, prev.quantity - w.quantity,
			(SELECT city FROM stores WHERE id = w.store_id),
			(SELECT state FROM stores WHERE id = w.store_id)`

	stockAvailableSQL = `SELECT coalesce((SELECT quantity FROM warehouse_stock
		WHERE store_id = $1 AND product_id = $2), 0)`

	takeLegacyStockSQL = `UPDATE products SET stock = stock - $2
		WHERE id = $1 AND stock >= $2 RETURNING stock`

	legacyStockSQL = `SELECT coalesce((SELECT stock FROM products WHERE id = $1), 0)`

	insertAllocationSQL = `INSERT INTO order_allocations (order_id, product_id, store_id, requested, taken, legacy)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`

	syncProductStockSQL = `UPDATE products SET stock = (
		SELECT coalesce(sum(quantity), 0) FROM warehouse_stock WHERE product_id = $1)
		WHERE id = $1`

	markStockReleasedSQL = `UPDATE orders SET stock_released_at = now(), updated_at = now()
		WHERE id = $1 AND stock_released_at IS NULL`

	listAllocationsSQL = `SELECT product_id, coalesce(store_id, ''), requested, taken, legacy
		FROM order_allocations WHERE order_id = $1 ORDER BY id`

	creditWarehouseSQL = `UPDATE warehouse_stock SET quantity = quantity + $3
		WHERE store_id = $1 AND product_id = $2`

	creditLegacySQL = `UPDATE products SET stock = stock + $2 WHERE id = $1`
)

var _ inventory.Store = (*InventoryStore)(nil)

// InventoryStore implements inventory.Store. Each decrement, its allocation
// record and the product aggregate update share one transaction.
type InventoryStore struct {
	db *DB
}

// NewInventoryStore returns an InventoryStore.
func NewInventoryStore(db *DB) *InventoryStore {
	return &InventoryStore{db: db}
}

func (s *InventoryStore) ListByProduct(ctx context.Context, productID string) ([]inventory.StockRecord, error) {
	var out []inventory.StockRecord
	err := s.db.run(ctx, func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, listStockByProductSQL, productID)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.StockRecord, error) {
			var r inventory.StockRecord
			err := row.Scan(&r.StoreID, &r.ProductID, &r.Quantity, &r.MinStock,
				&r.Location.City, &r.Location.State, &r.StoreInactive)
			return r, err
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list stock of product %q", productID)
	}
	return out, nil
}

func (s *InventoryStore) Take(ctx context.Context, t inventory.Take) (inventory.StockRecord, int, error) {
	rec := inventory.StockRecord{StoreID: t.StoreID, ProductID: t.ProductID}
	var taken int

	sql := takeStockStrictSQL
	if t.Clamp {
		sql = takeStockClampedSQL
	}

	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		var city, state *string
		err := tx.QueryRow(ctx, sql, t.StoreID, t.ProductID, t.Quantity).Scan(
			&rec.Quantity, &rec.MinStock, &taken, &city, &state,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			var available int
			if err := tx.QueryRow(ctx, stockAvailableSQL, t.StoreID, t.ProductID).Scan(&available); err != nil {
				return err
			}
			return &insufficient{available: available}
		}
		if err != nil {
			return err
		}
		rec.Location = inventory.Location{City: deref(city), State: deref(state)}

		if _, err := tx.Exec(ctx, insertAllocationSQL,
			t.OrderID, t.ProductID, t.StoreID, t.Quantity, taken, false); err != nil {
			return errors.Wrap(err, "record allocation")
		}
		if _, err := tx.Exec(ctx, syncProductStockSQL, t.ProductID); err != nil {
			return errors.Wrap(err, "sync product stock")
		}
		return nil
	})
	if err != nil {
		var ins *insufficient
		if errors.As(err, &ins) {
			rec.Quantity = ins.available
			return rec, 0, inventory.ErrInsufficient
		}
		return rec, 0, errors.Wrapf(err, "take %d of %q from store %q", t.Quantity, t.ProductID, t.StoreID)
	}
	return rec, taken, nil
}

func (s *InventoryStore) TakeLegacy(ctx context.Context, orderID, productID string, quantity int) (int, error) {
	var remaining int
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, takeLegacyStockSQL, productID, quantity).Scan(&remaining)
		if errors.Is(err, pgx.ErrNoRows) {
			var available int
			if err := tx.QueryRow(ctx, legacyStockSQL, productID).Scan(&available); err != nil {
				return err
			}
			return &insufficient{available: available}
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, insertAllocationSQL, orderID, productID, "", quantity, quantity, true)
		return errors.Wrap(err, "record allocation")
	})
	if err != nil {
		var ins *insufficient
		if errors.As(err, &ins) {
			return ins.available, inventory.ErrInsufficient
		}
		return 0, errors.Wrapf(err, "take %d of legacy product %q", quantity, productID)
	}
	return remaining, nil
}

// Release credits back every allocation of the order. The stock_released_at
// guard makes a second call a no-op returning inventory.ErrAlreadyReleased.
func (s *InventoryStore) Release(ctx context.Context, orderID string) ([]inventory.Allocation, error) {
	var allocs []inventory.Allocation
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, markStockReleasedSQL, orderID)
		if err != nil {
			return errors.Wrap(err, "mark released")
		}
		if tag.RowsAffected() == 0 {
			return inventory.ErrAlreadyReleased
		}

		rows, err := tx.Query(ctx, listAllocationsSQL, orderID)
		if err != nil {
			return err
		}
		allocs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Allocation, error) {
			var a inventory.Allocation
			err := row.Scan(&a.ProductID, &a.StoreID, &a.Requested, &a.Taken, &a.Legacy)
			return a, err
		})
		if err != nil {
			return errors.Wrap(err, "list allocations")
		}

		batch := &pgx.Batch{}
		synced := make(map[string]bool)
		for _, a := range allocs {
			if a.Taken == 0 {
				continue
			}
			if a.Legacy {
				batch.Queue(creditLegacySQL, a.ProductID, a.Taken)
				continue
			}
			batch.Queue(creditWarehouseSQL, a.StoreID, a.ProductID, a.Taken)
			synced[a.ProductID] = true
		}
		for productID := range synced {
			batch.Queue(syncProductStockSQL, productID)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if errors.Is(err, inventory.ErrAlreadyReleased) {
			return nil, inventory.ErrAlreadyReleased
		}
		return nil, errors.Wrapf(err, "release stock of order %q", orderID)
	}
	return allocs, nil
}

// insufficient aborts a transaction that found too little stock.
type insufficient struct {
	available int
}

func (e *insufficient) Error() string { return "insufficient stock" }
