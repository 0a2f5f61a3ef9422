package store

import (
	"context"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sethvargo/go-retry"
)

// maxBusyRetries bounds how often a busy or locked statement is retried
// after busy_timeout has already expired once.
const maxBusyRetries = 5

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(maxBusyRetries, retry.NewExponential(20*time.Millisecond))
}

// isBusy reports whether err is SQLite's SQLITE_BUSY or SQLITE_LOCKED.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry runs fn, retrying while SQLite reports the database busy.
// Any other error ends the loop immediately.
func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
