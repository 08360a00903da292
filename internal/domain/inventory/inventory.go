// Package inventory decides which warehouse supplies each order line and
// moves stock accordingly.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// ErrAlreadyReleased is returned by Store.Release when the order's stock was
// credited back before.
var ErrAlreadyReleased = errors.New("stock already released")

// ErrInsufficient is returned by Store.Take in strict mode when the record
// holds less than requested.
var ErrInsufficient = errors.New("insufficient stock")

// Location is a warehouse or delivery address at city granularity.
type Location struct {
	City  string
	State string
}

// Known reports whether l carries enough information to score warehouses.
func (l *Location) Known() bool {
	return l != nil && strings.TrimSpace(l.State) != ""
}

// StockRecord is the quantity of a product held by one store.
type StockRecord struct {
	StoreID   string
	ProductID string
	Quantity  int
	MinStock  int
	Location  Location
	// StoreInactive marks stock held by a closed store. It counts towards the
	// product aggregate but is never allocated.
	StoreInactive bool
}

// Low reports whether the record is at or under its minimum threshold.
func (r StockRecord) Low() bool {
	return r.Quantity <= r.MinStock
}

// Line is a product quantity to allocate.
type Line struct {
	ProductID string
	Quantity  int
}

// Allocation records where an order line was taken from. Taken is what was
// actually decremented; it is below Requested only under the availability
// fallback. Release credits back Taken.
type Allocation struct {
	ProductID string
	// StoreID is empty for the legacy single-stock path.
	StoreID   string
	Requested int
	Taken     int
	Legacy    bool
}

// Result is the outcome of an allocation.
type Result struct {
	Allocations []Allocation
	// Updated holds the stock records after decrement, one per line.
	Updated []StockRecord
	// StoreID is set when delivery allocation picked a warehouse other than
	// the preferred store for some line. The first such warehouse wins.
	StoreID string
}

// Take describes a single decrement.
type Take struct {
	OrderID   string
	StoreID   string
	ProductID string
	Quantity  int
	// Clamp takes whatever is available down to zero instead of failing.
	Clamp bool
}

// Store persists warehouse stock. Implementations must make Take and Release
// atomic: the decrement, the allocation record, and the product aggregate
// recomputation happen together or not at all.
type Store interface {
	// ListByProduct returns every warehouse record of a product, with
	// locations, including records of inactive stores.
	ListByProduct(ctx context.Context, productID string) ([]StockRecord, error)
	// Take decrements a warehouse record and records the allocation against
	// the order. It returns the updated record and the quantity taken. In
	// strict mode it returns ErrInsufficient and changes nothing.
	Take(ctx context.Context, t Take) (StockRecord, int, error)
	// TakeLegacy decrements the product's monolithic stock figure, strictly,
	// and records a legacy allocation. It returns the remaining stock.
	TakeLegacy(ctx context.Context, orderID, productID string, quantity int) (int, error)
	// Release credits back every allocation of the order and marks the order
	// released. It returns ErrAlreadyReleased on a repeated call.
	Release(ctx context.Context, orderID string) ([]Allocation, error)
}

// InsufficientStockError reports a line that could not be satisfied.
type InsufficientStockError struct {
	ProductID string
	StoreID   string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	if e.StoreID == "" {
		return fmt.Sprintf("product %s has %d in stock, %d requested", e.ProductID, e.Available, e.Requested)
	}
	return fmt.Sprintf("store %s has %d of product %s in stock, %d requested",
		e.StoreID, e.Available, e.ProductID, e.Requested)
}
