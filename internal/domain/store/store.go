// Package store describes the physical stores that double as warehouses.
package store

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a store does not exist or is inactive.
var ErrNotFound = errors.New("store not found")

// Store is a physical location holding stock.
type Store struct {
	ID        string
	Name      string
	City      string
	State     string
	ManagerID string
	Active    bool
}

// Repository resolves stores for checkout.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Store, error)
	// FirstActive returns the oldest active store, used when a checkout does
	// not name one.
	FirstActive(ctx context.Context) (*Store, error)
}
