package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

// DefaultMaxPending bounds the queue when no explicit limit is configured.
const DefaultMaxPending = 512

var (
	// ErrQueueFull is returned by Enqueue when the undelivered backlog has
	// reached its bound.
	ErrQueueFull = errors.New("store: pending event queue full")

	ErrNotFound = errors.New("store: pending event not found")

	// ErrStale is returned by MarkDelivered when the entry's event was
	// replaced after the caller read it.  The entry stays pending.
	ErrStale = errors.New("store: pending event changed since it was read")
)

// PendingEventStore is the bounded outbox of access events that could not
// be written to the document backend when they happened.
//
// At most one undelivered entry exists per document key: enqueueing an
// event whose key is already pending replaces that entry's event and bumps
// its Version, which matches the patch semantics the backend applies on
// delivery.
type PendingEventStore interface {
	Enqueue(ctx context.Context, ev types.PendingEvent) error
	// Pending returns up to limit undelivered events, oldest first.
	Pending(ctx context.Context, limit int) ([]types.PendingEvent, error)
	// MarkDelivered retires the entry only if it still holds the event at
	// version; otherwise it returns ErrStale.
	MarkDelivered(ctx context.Context, id string, version int, at time.Time) error
	MarkAttempt(ctx context.Context, id string, reason string, at time.Time) error
	// Count returns the number of undelivered events.
	Count(ctx context.Context) (int, error)
	// PruneDelivered deletes delivered entries older than cutoff.
	PruneDelivered(ctx context.Context, cutoff time.Time) (int64, error)
}
