package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/store"
)

const (
	getProductSQL = `SELECT id, name, price, category, available, stock
		FROM products WHERE id = $1`

	getProductsSQL = `SELECT id, name, price, category, available, stock
		FROM products WHERE id = ANY($1) ORDER BY id`

	getStoreSQL = `SELECT id, name, city, state, manager_id, active
		FROM stores WHERE id = $1`

	firstActiveStoreSQL = `SELECT id, name, city, state, manager_id, active
		FROM stores WHERE active ORDER BY created_at, id LIMIT 1`
)

var (
	_ product.Repository = (*ProductRepository)(nil)
	_ store.Repository   = (*StoreRepository)(nil)
)

// ProductRepository implements product.Repository.
type ProductRepository struct {
	db *DB
}

// NewProductRepository returns a ProductRepository.
func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetByID returns product.ErrNotFound when the product does not exist.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	var p product.Product
	err := r.db.run(ctx, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, getProductSQL, id)
		if err != nil {
			return err
		}
		p, err = pgx.CollectExactlyOneRow(rows, scanProduct)
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get product %q", id)
	}
	return &p, nil
}

// GetByIDs returns the products that exist among ids. Missing ids are
// silently skipped.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	var out []product.Product
	err := r.db.run(ctx, func(ctx context.Context) error {
		rows, err := r.db.pool.Query(ctx, getProductsSQL, ids)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanProduct)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	return out, nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Category, &p.Available, &p.Stock)
	return p, err
}

// StoreRepository implements store.Repository.
type StoreRepository struct {
	db *DB
}

// NewStoreRepository returns a StoreRepository.
func NewStoreRepository(db *DB) *StoreRepository {
	return &StoreRepository{db: db}
}

// GetByID returns the store whether or not it is active.
func (r *StoreRepository) GetByID(ctx context.Context, id string) (*store.Store, error) {
	return r.one(ctx, getStoreSQL, id)
}

func (r *StoreRepository) FirstActive(ctx context.Context) (*store.Store, error) {
	return r.one(ctx, firstActiveStoreSQL)
}

func (r *StoreRepository) one(ctx context.Context, sql string, args ...any) (*store.Store, error) {
	var s store.Store
	err := r.db.run(ctx, func(ctx context.Context) error {
		return r.db.pool.QueryRow(ctx, sql, args...).Scan(
			&s.ID, &s.Name, &s.City, &s.State, &s.ManagerID, &s.Active,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "get store")
	}
	return &s, nil
}
