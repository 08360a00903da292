package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

const (
	listCartSQL = `SELECT product_id, quantity FROM cart_items
		WHERE user_id = $1 ORDER BY updated_at, product_id`

	upsertCartItemSQL = `INSERT INTO cart_items (user_id, product_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = now()`

	deleteCartItemSQL = `DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2`

	clearCartSQL = `DELETE FROM cart_items WHERE user_id = $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository.
type CartRepository struct {
	db *DB
}

// NewCartRepository returns a CartRepository.
func NewCartRepository(db *DB) *CartRepository {
	return &CartRepository{db: db}
}

func (r *CartRepository) Items(ctx context.Context, userID string) ([]cart.Item, error) {
	var items []cart.Item
	err := r.db.run(ctx, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, listCartSQL, userID)
		if err != nil {
			return err
		}
		items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (cart.Item, error) {
			var it cart.Item
			err := row.Scan(&it.ProductID, &it.Quantity)
			return it, err
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list cart of %q", userID)
	}
	return items, nil
}

func (r *CartRepository) SetQuantity(ctx context.Context, userID, productID string, quantity int) error {
	err := r.db.run(ctx, func(ctx context.Context) error {
		var err error
		if quantity <= 0 {
			_, err = r.db.pool.Exec(ctx, deleteCartItemSQL, userID, productID)
		} else {
			_, err = r.db.pool.Exec(ctx, upsertCartItemSQL, userID, productID, quantity)
		}
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "set cart quantity of %q", productID)
	}
	return nil
}

func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	err := r.db.run(ctx, func(ctx context.Context) error {
		_, err := r.db.pool.Exec(ctx, clearCartSQL, userID)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "clear cart of %q", userID)
	}
	return nil
}
