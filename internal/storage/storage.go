package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dedupd/internal/domain"
)

// InsertResult is the non-error outcome of a conditional insert.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

var ErrStore = errors.New("idempotency store failure")

// StoreError wraps any backend failure. A duplicate key is never a StoreError.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

func Wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Key: key, Err: err}
}

// Store is the idempotency gate. TryInsert must be atomic at the store level.
type Store interface {
	TryInsert(ctx context.Context, rec domain.PersistedRecord) (InsertResult, error)
	DeleteByKey(ctx context.Context, identityKey string) error
}

// Pinger is implemented by backends that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Purger is implemented by backends without native expiry.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RunExpirySweep purges expired rows every interval until ctx is done.
func RunExpirySweep(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.PurgeExpired(ctx, now.UTC())
			if err != nil {
				logger.Error("expiry sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("expiry sweep purged records", "count", n)
			}
		}
	}
}
