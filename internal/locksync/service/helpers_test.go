package service_test

import (
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/docstore"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/docstore/docstoretest"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/service"
)

func silentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// switchGate is a gate the test opens and closes.
type switchGate struct{ open atomic.Bool }

func newGate(open bool) *switchGate {
	g := &switchGate{}
	g.open.Store(open)
	return g
}

func (g *switchGate) Open() bool { return g.open.Load() }
func (g *switchGate) Set(v bool) { g.open.Store(v) }

var _ service.Gate = (*switchGate)(nil)

func newBackend(t *testing.T) (*docstore.Client, *docstoretest.Server) {
	t.Helper()
	srv := docstoretest.NewServer(t)
	c := docstore.NewClient(docstore.Config{
		BaseURL:   srv.BaseURL(),
		ProjectID: docstoretest.ProjectID,
		Timeout:   2 * time.Second,
	}, nil)
	return c, srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
