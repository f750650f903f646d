package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	bolt "go.etcd.io/bbolt"

	"sessionchat/internal/constants"
	"sessionchat/internal/retry"
)

var writeBackoff = retry.BackoffConfig{
	InitialDelay: constants.DefaultRetryBackoffMs * time.Millisecond,
	MaxDelay:     constants.DefaultMaxBackoffMs * time.Millisecond,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       0.1,
}

// withRetry runs op, retrying while the store reports contention.
func withRetry(ctx context.Context, name string, op func() error) error {
	attempts := 0
	err := retry.NewBackoff(writeBackoff).RetryWithPredicate(ctx, func() error {
		attempts++
		return op()
	}, isContention)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isContention(err):
		return fmt.Errorf("%s: store busy after %d attempts: %w", name, attempts, err)
	default:
		return fmt.Errorf("%s: %w", name, err)
	}
}

// isContention reports whether err is a lock or busy condition that may
// clear on its own.
func isContention(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		}
		return false
	}
	return errors.Is(err, bolt.ErrTimeout)
}
