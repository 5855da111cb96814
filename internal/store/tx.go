package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrRollback tells the runner to roll the transaction back without
// treating it as a failure. Business rejections return this (wrapped)
// so their writes are discarded while the caller still gets a result.
var ErrRollback = errors.New("rollback requested")

// TxRunner executes functions inside READ COMMITTED transactions,
// re-running them per the retry policy when Postgres reports a
// serialization failure or deadlock.
type TxRunner struct {
	DB      *sql.DB
	Policy  RetryPolicy
	OnRetry func() // optional, called before each re-run
}

// Run executes fn in a transaction. A nil return commits; ErrRollback
// rolls back and returns nil; any other error rolls back and is
// returned (after retries if the error is transient).
func (r *TxRunner) Run(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	first := true
	return Retry(ctx, r.Policy, func(ctx context.Context) error {
		if !first && r.OnRetry != nil {
			r.OnRetry()
		}
		first = false
		return r.runOnce(ctx, fn)
	})
}

func (r *TxRunner) runOnce(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, ErrRollback) {
			return nil
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
