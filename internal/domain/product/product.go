package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is the catalog collaborator's view of an item as the checkout core
// needs it. Price is copied onto order lines and never read again afterwards.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Category  string
	Available bool
	// Stock is the global stock figure: the sum of all warehouse records, or
	// the monolithic counter for products that predate warehouses.
	Stock int
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
