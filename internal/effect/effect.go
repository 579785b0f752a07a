// Package effect runs the downstream side effect for a persisted record.
//
// Executors never retry. A failed record is retried by the transport after the
// batch reports it.
package effect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dedupd/internal/domain"
)

const DefaultTimeout = 30 * time.Second

var ErrPermanent = errors.New("permanent side-effect failure")

// Executor runs the side effect for one persisted record. Execute must return
// promptly once ctx is done: after a timeout the caller deletes the record's
// row, and an effect that still completes later runs again on redelivery.
type Executor interface {
	Execute(ctx context.Context, rec domain.PersistedRecord) error
}

// Func adapts a plain function to an Executor.
type Func func(ctx context.Context, rec domain.PersistedRecord) error

func (f Func) Execute(ctx context.Context, rec domain.PersistedRecord) error { return f(ctx, rec) }

type permanentError struct{ err error }

func (e permanentError) Error() string   { return e.err.Error() }
func (e permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent marks err as one that redelivery cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// ErrPanic marks a side effect that panicked instead of returning.
var ErrPanic = errors.New("side effect panicked")

// Recovered converts a recovered panic value into an error wrapping ErrPanic.
func Recovered(key string, v any) error {
	return fmt.Errorf("%w for %q: %v", ErrPanic, key, v)
}

// WithTimeout bounds every call to exec by d.
func WithTimeout(exec Executor, d time.Duration) Executor {
	if d <= 0 {
		return exec
	}
	return Func(func(ctx context.Context, rec domain.PersistedRecord) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		errCh := make(chan error, 1)
		go func() {
			defer func() {
				if v := recover(); v != nil {
					errCh <- Recovered(rec.IdentityKey, v)
				}
			}()
			errCh <- exec.Execute(ctx, rec)
		}()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return fmt.Errorf("side effect for %q: %w", rec.IdentityKey, ctx.Err())
		}
	})
}

// LogExecutor records the processed event and always succeeds.
type LogExecutor struct {
	Logger *slog.Logger
}

func (l LogExecutor) Execute(ctx context.Context, rec domain.PersistedRecord) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "record processed", "identity_key", rec.IdentityKey, "event_id", rec.EventID, "bytes", len(rec.RawPayload))
	return nil
}
