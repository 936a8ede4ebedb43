package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Portunus/locksync/internal/db"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

// PendingEventStore is the durable outbox.  All writes go through the
// single-writer db.Worker; reads use the shared *sql.DB.
type PendingEventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	max    int
}

func NewPendingEventStore(db *sql.DB, writer *dbpkg.Worker, max int) *PendingEventStore {
	if max <= 0 {
		max = store.DefaultMaxPending
	}
	return &PendingEventStore{db: db, writer: writer, max: max}
}

func (s *PendingEventStore) Enqueue(ctx context.Context, ev types.PendingEvent) error {
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now().UTC()
	}
	enqueuedMs := ev.EnqueuedAt.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// Same key already waiting: latest event wins, queue position kept.
		res, err := tx.ExecContext(ctx, `
UPDATE pending_events
SET credential_id = ?, access_mode = ?, version = version + 1
WHERE doc_key = ? AND delivered_at_ms IS NULL;
`, ev.Event.CredentialID, ev.Event.AccessMode, ev.DocKey)
		if err != nil {
			return fmt.Errorf("Enqueue merge: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		var pending int
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM pending_events WHERE delivered_at_ms IS NULL;
`).Scan(&pending); err != nil {
			return fmt.Errorf("Enqueue count: %w", err)
		}
		if pending >= s.max {
			return store.ErrQueueFull
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO pending_events(
  event_id, doc_key, lock_id, credential_id, access_mode,
  event_timestamp, enqueued_at_ms, attempts
) VALUES (?, ?, ?, ?, ?, ?, ?, 0);
`,
			ev.ID, ev.DocKey, ev.Event.LockID, ev.Event.CredentialID, ev.Event.AccessMode,
			ev.Event.Timestamp, enqueuedMs,
		); err != nil {
			return fmt.Errorf("Enqueue insert: %w", err)
		}
		return nil
	})
}

func (s *PendingEventStore) Pending(ctx context.Context, limit int) ([]types.PendingEvent, error) {
	if limit <= 0 {
		limit = s.max
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, doc_key, lock_id, credential_id, access_mode,
       event_timestamp, enqueued_at_ms, version, attempts, COALESCE(last_error, '')
FROM pending_events
WHERE delivered_at_ms IS NULL
ORDER BY enqueued_at_ms ASC, event_id ASC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("Pending query: %w", err)
	}
	defer rows.Close()

	var out []types.PendingEvent
	for rows.Next() {
		var (
			ev         types.PendingEvent
			enqueuedMs int64
		)
		if err := rows.Scan(
			&ev.ID, &ev.DocKey, &ev.Event.LockID, &ev.Event.CredentialID, &ev.Event.AccessMode,
			&ev.Event.Timestamp, &enqueuedMs, &ev.Version, &ev.Attempts, &ev.LastError,
		); err != nil {
			return nil, fmt.Errorf("Pending scan: %w", err)
		}
		ev.EnqueuedAt = time.UnixMilli(enqueuedMs).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Pending rows: %w", err)
	}
	return out, nil
}

func (s *PendingEventStore) MarkDelivered(ctx context.Context, id string, version int, at time.Time) error {
	atMs := at.UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE pending_events SET delivered_at_ms = ?
WHERE event_id = ? AND version = ?;
`, atMs, id, version)
		if err != nil {
			return fmt.Errorf("MarkDelivered: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		var exists int
		if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM pending_events WHERE event_id = ?;
`, id).Scan(&exists); err != nil {
			return fmt.Errorf("MarkDelivered lookup: %w", err)
		}
		if exists == 0 {
			return store.ErrNotFound
		}
		return store.ErrStale
	})
}

func (s *PendingEventStore) MarkAttempt(ctx context.Context, id string, reason string, at time.Time) error {
	atMs := at.UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE pending_events
SET attempts = attempts + 1,
    last_error = ?,
    last_attempt_at_ms = ?
WHERE event_id = ?;
`, reason, atMs, id)
		if err != nil {
			return fmt.Errorf("MarkAttempt: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *PendingEventStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM pending_events WHERE delivered_at_ms IS NULL;
`).Scan(&n); err != nil {
		return 0, fmt.Errorf("Count: %w", err)
	}
	return n, nil
}

// PruneDelivered deletes rows delivered before cutoff.  Undelivered rows
// are never pruned, however old.
func (s *PendingEventStore) PruneDelivered(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM pending_events
WHERE delivered_at_ms IS NOT NULL AND delivered_at_ms < ?;
`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneDelivered: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
