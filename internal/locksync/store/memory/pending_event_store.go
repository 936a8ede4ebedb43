package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

// PendingEventStore is a RAM-resident outbox.  Used in tests and on
// devices started without a database path; its contents do not survive
// a restart.
type PendingEventStore struct {
	mu     sync.Mutex
	max    int
	events map[string]*types.PendingEvent
}

func NewPendingEventStore(max int) *PendingEventStore {
	if max <= 0 {
		max = store.DefaultMaxPending
	}
	return &PendingEventStore{
		max:    max,
		events: make(map[string]*types.PendingEvent),
	}
}

func (s *PendingEventStore) Enqueue(_ context.Context, ev types.PendingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.events {
		if cur.DeliveredAt == nil && cur.DocKey == ev.DocKey {
			cur.Event = ev.Event
			cur.Version++
			return nil
		}
	}

	if s.undeliveredLocked() >= s.max {
		return store.ErrQueueFull
	}
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now().UTC()
	}
	cp := ev
	cp.Version = 0
	s.events[ev.ID] = &cp
	return nil
}

func (s *PendingEventStore) Pending(_ context.Context, limit int) ([]types.PendingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.PendingEvent, 0, len(s.events))
	for _, ev := range s.events {
		if ev.DeliveredAt == nil {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *PendingEventStore) MarkDelivered(_ context.Context, id string, version int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	if ev.Version != version {
		return store.ErrStale
	}
	t := at.UTC()
	ev.DeliveredAt = &t
	return nil
}

func (s *PendingEventStore) MarkAttempt(_ context.Context, id string, reason string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.Attempts++
	ev.LastError = reason
	return nil
}

func (s *PendingEventStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undeliveredLocked(), nil
}

func (s *PendingEventStore) PruneDelivered(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, ev := range s.events {
		if ev.DeliveredAt != nil && ev.DeliveredAt.Before(cutoff) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

func (s *PendingEventStore) undeliveredLocked() int {
	n := 0
	for _, ev := range s.events {
		if ev.DeliveredAt == nil {
			n++
		}
	}
	return n
}
