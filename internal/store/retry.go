package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy controls how often a transaction is re-run after a
// serialization failure and how long to wait between attempts. The
// backoff doubles per attempt.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// retryable reports whether the error is a transient conflict worth
// re-running the transaction for: serialization failure (40001) or
// deadlock detected (40P01).
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// Retry runs fn until it succeeds, fails non-retryably, or the policy
// is exhausted. Backoff sleeps respect context cancellation.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	var err error
	backoff := p.Backoff
	for attempt := 0; attempt < p.attempts(); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(ctx); err == nil || !retryable(err) {
			return err
		}
	}
	return err
}
