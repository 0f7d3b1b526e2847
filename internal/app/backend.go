package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/casekeep/internal/config"
	"github.com/MrWong99/casekeep/internal/slotstore"
)

// Default connect parameters for network backends.
const (
	defaultConnectRetries = 5
	defaultBackoff        = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// backoffPolicy bounds the connect attempts of a network backend.
type backoffPolicy struct {
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
}

var defaultPolicy = backoffPolicy{
	retries:    defaultConnectRetries,
	backoff:    defaultBackoff,
	maxBackoff: defaultMaxBackoff,
}

// OpenBackend opens the slot backend selected by cfg. The PostgreSQL backend
// is retried with exponential backoff while the database comes up; local
// backends fail immediately.
func OpenBackend(ctx context.Context, cfg config.StorageConfig) (slotstore.Backend, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return backend(slotstore.NewFileBackend(cfg.Dir))
	case config.BackendSQLite:
		return backend(slotstore.OpenSQLite(ctx, cfg.SQLitePath))
	case config.BackendPostgres:
		return openWithBackoff(ctx, "postgres", defaultPolicy, func(ctx context.Context) (slotstore.Backend, error) {
			return backend(slotstore.OpenPostgres(ctx, cfg.PostgresDSN))
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// backend converts a constructor result so that a failed open yields a nil
// interface rather than a typed nil.
func backend[B slotstore.Backend](b B, err error) (slotstore.Backend, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// openWithBackoff calls open until it succeeds, the attempts are exhausted
// or ctx is done. The wait doubles after each failure up to the policy's
// maximum.
func openWithBackoff(ctx context.Context, name string, p backoffPolicy, open func(context.Context) (slotstore.Backend, error)) (slotstore.Backend, error) {
	wait := p.backoff
	var lastErr error

	for attempt := 1; attempt <= p.retries; attempt++ {
		b, err := open(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("storage backend connected", "backend", name, "attempt", attempt)
			}
			return b, nil
		}
		lastErr = err
		if attempt == p.retries {
			break
		}

		slog.Warn("storage backend connect failed",
			"backend", name,
			"attempt", attempt,
			"max_retries", p.retries,
			"backoff", wait,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect %s: %w", name, ctx.Err())
		case <-time.After(wait):
		}

		wait = min(wait*2, p.maxBackoff)
	}

	return nil, fmt.Errorf("connect %s after %d attempts: %w", name, p.retries, lastErr)
}
