package db

import (
	"context"
)

// IsRetryable reports whether a failed transaction may succeed when run
// again from scratch: lock contention, serialization failures, and unique
// violations on guard columns raced by a concurrent writer.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsUniqueViolation(err)
}

// RetryOnce runs fn in a transaction and, when the first attempt fails with
// a retryable error, runs it a second time with the same inputs. The second
// error, if any, is returned unchanged so callers can translate it into
// their own conflict error. onRetry is optional.
//
// When ctx already carries a transaction the call joins it and is never
// retried, since the outer transaction is already aborted.
func RetryOnce(ctx context.Context, database DB, onRetry func(err error), fn func(ctx context.Context) error) error {
	err := database.InTx(ctx, fn)
	if err == nil || !IsRetryable(err) || InTransaction(ctx) || ctx.Err() != nil {
		return err
	}
	if onRetry != nil {
		onRetry(err)
	}
	return database.InTx(ctx, fn)
}
