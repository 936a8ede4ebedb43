package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/db"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

// openTestDB returns an in-memory SQLite connection migrated with the
// production schema.  Closed automatically when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Subtest names contain '/', which the URI parser would treat as a path.
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		name,
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}

	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

func pendingEvent(id, lockID, ts, cred string, enqueuedAt time.Time) types.PendingEvent {
	return types.PendingEvent{
		ID:     id,
		DocKey: "Logs/" + lockID + "_" + ts,
		Event: types.AccessEvent{
			LockID:       lockID,
			CredentialID: cred,
			AccessMode:   "GRANTED",
			Timestamp:    ts,
		},
		EnqueuedAt: enqueuedAt,
	}
}
