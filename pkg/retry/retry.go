// Package retry re-runs operations that failed on transient database errors.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// Config controls the backoff policy.
type Config struct {
	MaxAttempts   int           `default:"3" usage:"Attempts for transient database errors"`
	InitialDelay  time.Duration `default:"50ms" usage:"Delay before the first retry"`
	MaxDelay      time.Duration `default:"1s" usage:"Upper bound of a single retry delay"`
	BackoffFactor float64       `default:"2" usage:"Delay multiplier per attempt"`
	Jitter        bool          `default:"true" usage:"Randomize delays by +-20%"`
}

// DefaultConfig is used when a zero Config is given.
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  50 * time.Millisecond,
	MaxDelay:      time.Second,
	BackoffFactor: 2,
	Jitter:        true,
}

// PostgreSQL SQLSTATE codes worth retrying.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeTooManyConnections   = "53300"
	codeCannotConnectNow     = "57P03"
	classConnectionException = "08"
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
			codeTooManyConnections, codeCannotConnectNow:
			return true
		}
		return len(pgErr.Code) == 5 && pgErr.Code[:2] == classConnectionException
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// Backoff returns the delay before retry number attempt (1-based).
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay *= 0.8 + rand.Float64()*0.4
	}
	return time.Duration(max(delay, 0))
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts run out. The last error is returned.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig
	}

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsTransient(err) || attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(Backoff(attempt, cfg))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return err
}
