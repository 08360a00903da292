// Command seed-db loads demo stores, products, warehouse stock, coupons and
// API keys. Every statement is an upsert, so the command can be rerun.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

type seedStore struct {
	ID, Name, City, State string
}

type seedProduct struct {
	ID, Name, Category string
	Price              decimal.Decimal
	// Stock by store id. Empty means a legacy product with only a global
	// counter.
	Stock       map[string]int
	LegacyStock int
}

type seedCoupon struct {
	ID, Code, Kind  string
	Value           decimal.Decimal
	MinimumPurchase *decimal.Decimal
	UsageLimit      int

	Scope, ScopeID, Visibility, Type string
	Description                      string
}

type seedKey struct {
	ID, Name, UserID string
	Role             auth.Role
	Key              string
}

var stores = []seedStore{
	{ID: "store-austin", Name: "Austin", City: "Austin", State: "TX"},
	{ID: "store-dallas", Name: "Dallas", City: "Dallas", State: "TX"},
	{ID: "store-denver", Name: "Denver", City: "Denver", State: "CO"},
}

var products = []seedProduct{
	{
		ID: "p-waffle", Name: "Waffle with Berries", Category: "Waffle", Price: decimal.RequireFromString("6.50"),
		Stock: map[string]int{"store-austin": 20, "store-dallas": 5, "store-denver": 10},
	},
	{
		ID: "p-brulee", Name: "Vanilla Bean Creme Brulee", Category: "Creme Brulee", Price: decimal.RequireFromString("7.00"),
		Stock: map[string]int{"store-austin": 2, "store-denver": 15},
	},
	{
		ID: "p-macaron", Name: "Macaron Mix of Five", Category: "Macaron", Price: decimal.RequireFromString("8.00"),
		Stock: map[string]int{"store-dallas": 30},
	},
	{
		ID: "p-tiramisu", Name: "Classic Tiramisu", Category: "Tiramisu", Price: decimal.RequireFromString("5.50"),
		LegacyStock: 12,
	},
}

var coupons = []seedCoupon{
	{
		ID: "c-welcome", Code: "WELCOME10", Kind: "percentage", Value: decimal.NewFromInt(10),
		Scope: "all", Visibility: "new_accounts", Type: "merchandise",
		Description: "10% off your first order", UsageLimit: 1,
	},
	{
		ID: "c-waffle", Code: "WAFFLE2", Kind: "fixed", Value: decimal.NewFromInt(2),
		Scope: "category", ScopeID: "Waffle", Visibility: "all_accounts", Type: "merchandise",
		Description: "2 off waffles",
	},
	{
		ID: "c-freeship", Code: "FREESHIP", Kind: "percentage", Value: decimal.NewFromInt(100),
		Scope: "all", Visibility: "all_accounts", Type: "shipping",
		Description:     "Free shipping over 20",
		MinimumPurchase: ptr(decimal.NewFromInt(20)),
	},
}

func ptr[T any](v T) *T { return &v }

func main() {
	var (
		databaseURL  string
		customerKey  string
		adminKey     string
		apiKeyPepper string
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&customerKey, "api-key", "", "customer API key to seed (or KART_SEED_API_KEY env)")
	flag.StringVar(&adminKey, "admin-api-key", "", "admin API key to seed (or KART_SEED_ADMIN_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or KART_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	databaseURL = orEnv(databaseURL, "DATABASE_URL")
	customerKey = orEnv(customerKey, "KART_SEED_API_KEY")
	adminKey = orEnv(adminKey, "KART_SEED_ADMIN_API_KEY")
	apiKeyPepper = orEnv(apiKeyPepper, "KART_API_KEY_PEPPER")
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if customerKey == "" {
		lg.Fatal("API key is required: set --api-key or KART_SEED_API_KEY")
	}

	keys := []seedKey{{ID: "seed-customer", Name: "Seed customer", UserID: "user-1", Role: auth.RoleCustomer, Key: customerKey}}
	if adminKey != "" {
		keys = append(keys, seedKey{ID: "seed-admin", Name: "Seed staff", UserID: "staff-1", Role: auth.RoleAdmin, Key: adminKey})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	start := time.Now()
	if err := run(ctx, lg, databaseURL, []byte(apiKeyPepper), keys); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed", zap.Duration("duration", time.Since(start)))
}

func orEnv(v, env string) string {
	if v != "" {
		return v
	}
	return os.Getenv(env)
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string, pepper []byte, keys []seedKey) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		queueStores(batch)
		queueProducts(batch)
		queueCoupons(batch)
		queueKeys(batch, pepper, keys)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		lg.Info("Seeded",
			zap.Int("stores", len(stores)),
			zap.Int("products", len(products)),
			zap.Int("coupons", len(coupons)),
			zap.Int("api_keys", len(keys)),
		)
		return nil
	})
}

func queueStores(b *pgx.Batch) {
	for _, s := range stores {
		b.Queue(`INSERT INTO stores (id, name, city, state) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET name = $2, city = $3, state = $4, active = TRUE`,
			s.ID, s.Name, s.City, s.State)
	}
}

func queueProducts(b *pgx.Batch) {
	for _, p := range products {
		total := p.LegacyStock
		for _, q := range p.Stock {
			total += q
		}
		b.Queue(`INSERT INTO products (id, name, price, category, stock) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET name = $2, price = $3, category = $4, stock = $5, available = TRUE`,
			p.ID, p.Name, p.Price, p.Category, total)
		for storeID, q := range p.Stock {
			b.Queue(`INSERT INTO warehouse_stock (store_id, product_id, quantity) VALUES ($1, $2, $3)
				ON CONFLICT (store_id, product_id) DO UPDATE SET quantity = $3`,
				storeID, p.ID, q)
		}
	}
}

func queueCoupons(b *pgx.Batch) {
	for _, c := range coupons {
		b.Queue(`INSERT INTO coupons (id, code, kind, value, minimum_purchase, usage_limit,
				scope, scope_id, visibility, type, description)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET code = $2, kind = $3, value = $4, minimum_purchase = $5,
				usage_limit = $6, scope = $7, scope_id = $8, visibility = $9, type = $10,
				description = $11, active = TRUE`,
			c.ID, c.Code, c.Kind, c.Value, c.MinimumPurchase, c.UsageLimit,
			c.Scope, c.ScopeID, c.Visibility, c.Type, c.Description)
	}
}

func queueKeys(b *pgx.Batch, pepper []byte, keys []seedKey) {
	for _, k := range keys {
		b.Queue(`INSERT INTO api_keys (id, key_hash, name, user_id, role) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET key_hash = $2, name = $3, user_id = $4, role = $5, active = TRUE`,
			k.ID, handler.HashKey(pepper, k.Key), k.Name, k.UserID, string(k.Role))
	}
}
