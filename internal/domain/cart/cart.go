// Package cart holds a customer's pending line items. Quantities are not
// bounded by stock; overselling is handled at allocation time.
package cart

import "context"

// Item is a cart line.
type Item struct {
	ProductID string
	Quantity  int
}

// Repository stores carts keyed by user.
type Repository interface {
	Items(ctx context.Context, userID string) ([]Item, error)
	// SetQuantity upserts a line; a zero quantity removes it.
	SetQuantity(ctx context.Context, userID, productID string, quantity int) error
	Clear(ctx context.Context, userID string) error
}
