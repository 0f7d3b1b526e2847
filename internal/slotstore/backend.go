package slotstore

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/casekeep/internal/slotcodec"
)

// Backend is raw record storage. Implementations must replace a record
// atomically: a concurrent or later reader observes either the previous
// record or the new one, never a mixture, even if the process dies during
// Write. Missing records are reported as [ErrNotFound].
type Backend interface {
	Read(ctx context.Context, key Key) (slotcodec.Record, error)

	// ReadHeader returns only the header line of a record. For headerless
	// legacy records the result is not a valid header.
	ReadHeader(ctx context.Context, key Key) ([]byte, error)

	Write(ctx context.Context, key Key, rec slotcodec.Record) error

	// Delete removes the record and reports whether one existed.
	Delete(ctx context.Context, key Key) (bool, error)

	// Ping checks that the storage is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// LegacySource is implemented by backends that may hold saves written before
// slots existed, one per case and player.
type LegacySource interface {
	// ReadLegacy returns the raw legacy save or [ErrNotFound].
	ReadLegacy(ctx context.Context, caseID, playerID string) ([]byte, error)

	// RetireLegacy moves the legacy save out of the way without deleting it.
	RetireLegacy(ctx context.Context, caseID, playerID string) error
}

// lockTable hands out one weighted semaphore of size 1 per key. Acquisition
// honours context cancellation, unlike a plain mutex. Entries are never
// evicted, so the table holds one entry per slot touched since the Store was
// created: a handful per case and player.
type lockTable struct {
	mu   sync.Mutex
	sems map[Key]*semaphore.Weighted
}

func (t *lockTable) acquire(ctx context.Context, key Key) (release func(), err error) {
	t.mu.Lock()
	if t.sems == nil {
		t.sems = make(map[Key]*semaphore.Weighted)
	}
	sem, ok := t.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		t.sems[key] = sem
	}
	t.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
