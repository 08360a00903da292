// Package redis provides the coordination primitives kept in Redis: task
// leases for the scheduler and idempotency keys for checkout.
package redis

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-checkout/pkg/scheduler"
)

// Config holds connection settings.
type Config struct {
	Addr     string `usage:"Redis address; empty disables leases and idempotency keys"`
	Password string `usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database"`
}

// Enabled reports whether an address is configured.
func (c Config) Enabled() bool { return c.Addr != "" }

// NewClient connects and pings.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rdb, nil
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ scheduler.Locker = (*Locker)(nil)

// Locker grants leases with SET NX PX.
type Locker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewLocker returns a Locker namespacing keys under prefix.
func NewLocker(rdb redis.UniversalClient, prefix string) *Locker {
	return &Locker{rdb: rdb, prefix: prefix}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	full := l.prefix + key
	ok, err := l.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "lock %s", full)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{full}, token).Err(); err != nil {
			return errors.Wrapf(err, "unlock %s", full)
		}
		return nil
	}
	return release, true, nil
}

// IdempotencyStore remembers request keys for a fixed time.
type IdempotencyStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewIdempotencyStore returns a store keeping keys for ttl.
func NewIdempotencyStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Claim records key and reports whether it was new.
func (s *IdempotencyStore) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, "1", s.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "claim idempotency key")
	}
	return ok, nil
}

// Forget removes key so the request may be retried, used when the claimed
// request failed before doing anything.
func (s *IdempotencyStore) Forget(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return errors.Wrap(err, "forget idempotency key")
	}
	return nil
}
