package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/docstore"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

const (
	LogCollection = "Logs"

	// Wire field names of a log document.  The event timestamp lives only
	// in the document key.
	FieldCredential = "RFID"
	FieldAccessMode = "AccessMode"
)

// DocumentKey is the log document path for an event.  Distinct inputs can
// collide once joined: ("A_1", "2") and ("A", "1_2") share a key.
func DocumentKey(lockID, timestamp string) string {
	return LogCollection + "/" + lockID + "_" + timestamp
}

// EventService writes access events to the log collection.  The backend
// has no upsert, so each write is a patch of the two body fields followed
// by a create when the patch fails.  Events that cannot be written go to
// the pending store and are replayed by Flush.
type EventService struct {
	gate    Gate
	docs    DocumentStore
	pending store.PendingEventStore
	logger  *log.Logger
	now     func() time.Time
}

// NewEventService wires the writer.  pending may be nil, in which case
// undeliverable events are dropped.
func NewEventService(gate Gate, docs DocumentStore, pending store.PendingEventStore, logger *log.Logger) *EventService {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &EventService{
		gate:    gate,
		docs:    docs,
		pending: pending,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record writes ev, or queues it when the gate is closed or both write
// steps fail.  The error is non-nil only for WriteDropped.
func (s *EventService) Record(ctx context.Context, ev types.AccessEvent) (types.WriteResult, error) {
	if err := validateEvent(ev); err != nil {
		return types.WriteDropped, err
	}
	key := DocumentKey(ev.LockID, ev.Timestamp)

	if !s.gate.Open() {
		return s.enqueue(ctx, key, ev, ErrNotReady)
	}

	res, err := s.deliver(ctx, key, ev)
	if err != nil {
		s.logger.Printf("event log: %s not written: %v", key, err)
		return s.enqueue(ctx, key, ev, err)
	}
	return res, nil
}

// RecordEvent is Record with the collaborator's argument list.
func (s *EventService) RecordEvent(ctx context.Context, lockID, credentialID, accessMode, timestamp string) (types.WriteResult, error) {
	return s.Record(ctx, types.AccessEvent{
		LockID:       lockID,
		CredentialID: credentialID,
		AccessMode:   accessMode,
		Timestamp:    timestamp,
	})
}

// Flush replays up to limit queued events, oldest first.  It stops at the
// first failure that suggests the backend is unreachable; other failures,
// server errors included, are recorded against the event and the pass
// moves on.
func (s *EventService) Flush(ctx context.Context, limit int) (int, error) {
	if s.pending == nil {
		return 0, nil
	}
	if !s.gate.Open() {
		return 0, ErrNotReady
	}

	batch, err := s.pending.Pending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}

	delivered := 0
	var failed error
	for _, pe := range batch {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if !s.gate.Open() {
			return delivered, ErrNotReady
		}

		res, err := s.deliver(ctx, pe.DocKey, pe.Event)
		if err != nil {
			if merr := s.pending.MarkAttempt(ctx, pe.ID, err.Error(), s.now()); merr != nil {
				s.logger.Printf("event log: mark attempt %s: %v", pe.ID, merr)
			}
			if backendDown(err) {
				return delivered, err
			}
			s.logger.Printf("event log: queued %s still not written (attempt %d): %v", pe.DocKey, pe.Attempts+1, err)
			failed = errors.Join(failed, err)
			continue
		}

		if err := s.pending.MarkDelivered(ctx, pe.ID, pe.Version, s.now()); err != nil {
			if errors.Is(err, store.ErrStale) {
				s.logger.Printf("event log: %s replaced while in flight, kept for the next pass", pe.DocKey)
				continue
			}
			s.logger.Printf("event log: mark delivered %s: %v", pe.ID, err)
		}
		delivered++
		s.logger.Printf("event log: queued %s %s", pe.DocKey, res)
	}
	return delivered, failed
}

func (s *EventService) deliver(ctx context.Context, key string, ev types.AccessEvent) (types.WriteResult, error) {
	fields := map[string]string{
		FieldCredential: ev.CredentialID,
		FieldAccessMode: ev.AccessMode,
	}

	perr := s.docs.Patch(ctx, key, fields, []string{FieldCredential, FieldAccessMode})
	if perr == nil {
		return types.WritePatched, nil
	}
	// A missing document is the normal first-write path.
	if docstore.IsNotFound(perr) {
		s.logger.Printf("event log: patch miss on %s, creating", key)
	} else {
		s.logger.Printf("event log: patch %s: %v, trying create", key, perr)
	}

	cerr := s.docs.Create(ctx, key, fields)
	if cerr == nil {
		return types.WriteCreated, nil
	}
	return types.WriteDropped, fmt.Errorf("%w: patch: %v; create: %w", ErrWriteFailure, perr, cerr)
}

func (s *EventService) enqueue(ctx context.Context, key string, ev types.AccessEvent, cause error) (types.WriteResult, error) {
	if s.pending == nil {
		s.logger.Printf("event log: %s dropped: %v", key, cause)
		return types.WriteDropped, fmt.Errorf("%w: %w", ErrWriteFailure, cause)
	}

	pe := types.PendingEvent{
		ID:         uuid.NewString(),
		DocKey:     key,
		Event:      ev,
		EnqueuedAt: s.now(),
	}
	if err := s.pending.Enqueue(ctx, pe); err != nil {
		s.logger.Printf("event log: %s dropped, queue rejected it: %v", key, err)
		return types.WriteDropped, fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	s.logger.Printf("event log: %s queued (%v)", key, cause)
	return types.WriteQueued, nil
}

// backendDown reports failures after which the rest of a flush pass
// would fail the same way: no reply at all, or a reply saying the backend
// or our session cannot serve anything right now.  Any other status, a 500
// included, is held against the one event.
func backendDown(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if !docstore.FromBackend(err) {
		return true
	}
	switch docstore.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Unauthenticated, codes.ResourceExhausted:
		return true
	}
	return false
}

func validateEvent(ev types.AccessEvent) error {
	if ev.LockID == "" || strings.Contains(ev.LockID, "/") {
		return ErrInvalidLockID
	}
	if ev.Timestamp == "" || strings.Contains(ev.Timestamp, "/") {
		return ErrInvalidTimestamp
	}
	return nil
}
