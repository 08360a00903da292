package inventory

import (
	"context"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// maxTakeAttempts bounds how often a delivery line re-reads stock after a
// concurrent allocation drained the chosen warehouse.
const maxTakeAttempts = 3

// Warehouse distance scores, lower is closer.
const (
	scoreSameCity  = 1
	scoreSameState = 2
	scoreElsewhere = 3
)

// Allocator assigns order lines to warehouses.
type Allocator struct {
	stock Store
}

// NewAllocator creates an Allocator over the given stock store.
func NewAllocator(stock Store) *Allocator {
	return &Allocator{stock: stock}
}

// Allocate takes stock for every line. With a nil or unknown destination
// every line comes from preferredStoreID and shortage is a hard failure.
// With a known destination the closest warehouse able to cover the line
// wins, and when none can the closest one is drained down to zero.
//
// Products without any warehouse record use the legacy single stock figure.
// Products stocked only by inactive stores are short.
//
// Allocation is line by line: on failure the returned Result holds the lines
// that were already taken, alongside the error.
func (a *Allocator) Allocate(ctx context.Context, orderID string, lines []Line, preferredStoreID string, dest *Location) (*Result, error) {
	res := &Result{}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return res, errors.Errorf("invalid quantity %d for product %s", line.Quantity, line.ProductID)
		}

		records, err := a.stock.ListByProduct(ctx, line.ProductID)
		if err != nil {
			return res, errors.Wrapf(err, "list stock for %s", line.ProductID)
		}

		var (
			alloc   Allocation
			updated StockRecord
			open    = openRecords(records)
		)
		switch {
		case len(records) == 0:
			alloc, updated, err = a.takeLegacy(ctx, orderID, line)
		case len(open) == 0:
			err = &InsufficientStockError{ProductID: line.ProductID, Requested: line.Quantity}
		case !dest.Known():
			alloc, updated, err = a.takeFromStore(ctx, orderID, line, preferredStoreID, open)
		default:
			alloc, updated, err = a.takeClosest(ctx, orderID, line, *dest, open)
		}
		if err != nil {
			return res, err
		}

		res.Allocations = append(res.Allocations, alloc)
		res.Updated = append(res.Updated, updated)
		if res.StoreID == "" && !alloc.Legacy && alloc.StoreID != preferredStoreID {
			res.StoreID = alloc.StoreID
		}
	}
	return res, nil
}

// Release credits back the stock taken for an order. It reports false when
// the order was already released.
func (a *Allocator) Release(ctx context.Context, orderID string) (bool, error) {
	allocs, err := a.stock.Release(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrAlreadyReleased) {
			return false, nil
		}
		return false, errors.Wrapf(err, "release order %s", orderID)
	}
	zctx.From(ctx).Debug("Stock released",
		zap.String("order_id", orderID),
		zap.Int("allocations", len(allocs)),
	)
	return true, nil
}

func (a *Allocator) takeLegacy(ctx context.Context, orderID string, line Line) (Allocation, StockRecord, error) {
	remaining, err := a.stock.TakeLegacy(ctx, orderID, line.ProductID, line.Quantity)
	if err != nil {
		if errors.Is(err, ErrInsufficient) {
			return Allocation{}, StockRecord{}, &InsufficientStockError{
				ProductID: line.ProductID,
				Requested: line.Quantity,
				Available: remaining,
			}
		}
		return Allocation{}, StockRecord{}, errors.Wrapf(err, "take legacy stock for %s", line.ProductID)
	}
	alloc := Allocation{
		ProductID: line.ProductID,
		Requested: line.Quantity,
		Taken:     line.Quantity,
		Legacy:    true,
	}
	return alloc, StockRecord{ProductID: line.ProductID, Quantity: remaining}, nil
}

func (a *Allocator) takeFromStore(ctx context.Context, orderID string, line Line, storeID string, records []StockRecord) (Allocation, StockRecord, error) {
	available := 0
	for _, r := range records {
		if r.StoreID == storeID {
			available = r.Quantity
			break
		}
	}
	shortage := &InsufficientStockError{
		ProductID: line.ProductID,
		StoreID:   storeID,
		Requested: line.Quantity,
		Available: available,
	}
	if available < line.Quantity {
		return Allocation{}, StockRecord{}, shortage
	}

	updated, taken, err := a.stock.Take(ctx, Take{
		OrderID:   orderID,
		StoreID:   storeID,
		ProductID: line.ProductID,
		Quantity:  line.Quantity,
	})
	if err != nil {
		if errors.Is(err, ErrInsufficient) {
			return Allocation{}, StockRecord{}, shortage
		}
		return Allocation{}, StockRecord{}, errors.Wrapf(err, "take %s from %s", line.ProductID, storeID)
	}
	return Allocation{
		ProductID: line.ProductID,
		StoreID:   storeID,
		Requested: line.Quantity,
		Taken:     taken,
	}, updated, nil
}

func (a *Allocator) takeClosest(ctx context.Context, orderID string, line Line, dest Location, records []StockRecord) (Allocation, StockRecord, error) {
	lg := zctx.From(ctx)
	for attempt := 1; attempt <= maxTakeAttempts; attempt++ {
		choice, sufficient := choose(records, line.Quantity, dest)
		// The last attempt always drains so a contended line still ships.
		clamp := !sufficient || attempt == maxTakeAttempts

		updated, taken, err := a.stock.Take(ctx, Take{
			OrderID:   orderID,
			StoreID:   choice.StoreID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Clamp:     clamp,
		})
		switch {
		case err == nil:
			if taken < line.Quantity {
				lg.Warn("Warehouse short, allocated what was available",
					zap.String("order_id", orderID),
					zap.String("product_id", line.ProductID),
					zap.String("store_id", choice.StoreID),
					zap.Int("requested", line.Quantity),
					zap.Int("taken", taken),
				)
			}
			return Allocation{
				ProductID: line.ProductID,
				StoreID:   choice.StoreID,
				Requested: line.Quantity,
				Taken:     taken,
			}, updated, nil
		case errors.Is(err, ErrInsufficient):
			records, err = a.stock.ListByProduct(ctx, line.ProductID)
			if err != nil {
				return Allocation{}, StockRecord{}, errors.Wrapf(err, "list stock for %s", line.ProductID)
			}
			records = openRecords(records)
			if len(records) == 0 {
				return Allocation{}, StockRecord{}, &InsufficientStockError{
					ProductID: line.ProductID,
					Requested: line.Quantity,
				}
			}
		default:
			return Allocation{}, StockRecord{}, errors.Wrapf(err, "take %s from %s", line.ProductID, choice.StoreID)
		}
	}
	return Allocation{}, StockRecord{}, &InsufficientStockError{
		ProductID: line.ProductID,
		Requested: line.Quantity,
	}
}

// openRecords drops the records of inactive stores.
func openRecords(records []StockRecord) []StockRecord {
	out := make([]StockRecord, 0, len(records))
	for _, r := range records {
		if !r.StoreInactive {
			out = append(out, r)
		}
	}
	return out
}

// choose picks the warehouse for a delivery line. Among warehouses covering
// the quantity the lowest score wins, ties broken by the highest quantity.
// When none covers it the lowest score wins regardless, and sufficient is
// false.
func choose(records []StockRecord, quantity int, dest Location) (StockRecord, bool) {
	ranked := make([]StockRecord, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i].Location, dest), Score(ranked[j].Location, dest)
		if si != sj {
			return si < sj
		}
		return ranked[i].Quantity > ranked[j].Quantity
	})
	for _, r := range ranked {
		if r.Quantity >= quantity {
			return r, true
		}
	}
	return ranked[0], false
}

// Score rates how close a warehouse is to a destination: 1 for the same city
// and state, 2 for the same state only, 3 otherwise.
func Score(warehouse, dest Location) int {
	if !sameName(warehouse.State, dest.State) {
		return scoreElsewhere
	}
	if sameName(warehouse.City, dest.City) {
		return scoreSameCity
	}
	return scoreSameState
}

func sameName(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
