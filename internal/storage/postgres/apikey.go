package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/auth"
)

const getAPIKeyByHashSQL = `SELECT id, key_hash, name, user_id, role, scopes
	FROM api_keys WHERE key_hash = $1 AND active`

// ErrAPIKeyNotFound is returned when no active key has the hash.
var ErrAPIKeyNotFound = errors.New("api key not found")

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository provides API key lookups.
type APIKeyRepository struct {
	db *DB
}

// NewAPIKeyRepository returns an APIKeyRepository.
func NewAPIKeyRepository(db *DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// FindByHash looks up an active API key by its HMAC-SHA256 hash.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	var (
		info auth.APIKeyInfo
		role string
	)
	err := r.db.run(ctx, func(ctx context.Context) error {
		return r.db.pool.QueryRow(ctx, getAPIKeyByHashSQL, hash).Scan(
			&info.ID, &info.KeyHash, &info.Name, &info.UserID, &role, &info.Scopes,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, errors.Wrap(err, "find api key by hash")
	}
	info.Role = auth.Role(role)
	return &info, nil
}
