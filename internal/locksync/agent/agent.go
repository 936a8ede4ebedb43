// Package agent assembles the connectivity and data-sync layer of a lock:
// the link manager, the backend session, the document client and the two
// services built on them.
package agent

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/docstore"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/link"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/service"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/session"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

type Config struct {
	Link    link.Config
	Session session.Config
	Docs    docstore.Config
	Flusher service.FlusherConfig

	// LockID is used for events that arrive without one.
	LockID string

	Logger *log.Logger
}

// Agent owns one instance of each component.  The session bootstrap is
// registered on the link manager as its address-acquired callback; there
// is no other coupling between the two.
type Agent struct {
	cfg    Config
	logger *log.Logger

	link        *link.Manager
	session     *session.Manager
	docs        *docstore.Client
	pending     store.PendingEventStore
	credentials *service.CredentialService
	events      *service.EventService
	flusher     *service.OutboxFlusher
}

// New wires the components.  pending may be nil to run without an outbox.
func New(driver link.Driver, pending store.PendingEventStore, cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.Link.Logger == nil {
		cfg.Link.Logger = logger
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}

	a := &Agent{cfg: cfg, logger: logger, pending: pending}
	a.link = link.NewManager(driver, cfg.Link)
	a.session = session.NewManager(cfg.Session)
	a.docs = docstore.NewClient(cfg.Docs, a.session)

	gate := service.GateFunc(a.Ready)
	a.credentials = service.NewCredentialService(gate, a.docs, logger)
	a.events = service.NewEventService(gate, a.docs, pending, logger)
	a.flusher = service.NewOutboxFlusher(a.events, pending, cfg.Flusher, logger)

	a.link.OnAddressAcquired(a.bootstrap)
	return a
}

// bootstrap runs on the link manager's goroutine each time an address is
// acquired.
func (a *Agent) bootstrap(ctx context.Context) {
	if err := a.session.Init(ctx); err != nil {
		a.logger.Printf("agent: session bootstrap: %v", err)
		return
	}
	a.logger.Printf("agent: session ready")
	a.flusher.Kick()
}

// Ready is the gate for every backend call: link up and session ready.
func (a *Agent) Ready() bool {
	return a.link.Connected() && a.session.Ready()
}

// InitLink blocks until the link is associated or ctx ends.
func (a *Agent) InitLink(ctx context.Context) error {
	return a.link.Connect(ctx)
}

// Run processes link events and replays queued events until ctx ends or
// the driver closes.  Nothing re-bootstraps the session after that, so it
// is dropped on the way out.
func (a *Agent) Run(ctx context.Context) error {
	a.flusher.Start(ctx)
	defer a.flusher.Stop()
	defer a.session.Reset()
	return a.link.Run(ctx)
}

func (a *Agent) Lookup(ctx context.Context, credentialID string) (types.Decision, error) {
	return a.credentials.Lookup(ctx, credentialID)
}

func (a *Agent) LookupCredential(ctx context.Context, credentialID string) bool {
	return a.credentials.LookupCredential(ctx, credentialID)
}

// Record writes ev, filling in the configured lock id when it has none.
func (a *Agent) Record(ctx context.Context, ev types.AccessEvent) (types.WriteResult, error) {
	ev.LockID = a.lockID(ev.LockID)
	return a.events.Record(ctx, ev)
}

// DocumentKey is the log document Record would write for these inputs.
func (a *Agent) DocumentKey(lockID, timestamp string) string {
	return service.DocumentKey(a.lockID(lockID), timestamp)
}

func (a *Agent) lockID(id string) string {
	if id == "" {
		return a.cfg.LockID
	}
	return id
}

func (a *Agent) RecordEvent(ctx context.Context, lockID, credentialID, accessMode, timestamp string) (types.WriteResult, error) {
	return a.Record(ctx, types.AccessEvent{
		LockID:       lockID,
		CredentialID: credentialID,
		AccessMode:   accessMode,
		Timestamp:    timestamp,
	})
}

// Status is a snapshot for diagnostics.  A pending-count failure is logged
// and reported as -1.
func (a *Agent) Status(ctx context.Context) types.Status {
	st := types.Status{
		LinkState:    a.link.State().String(),
		LinkUp:       a.link.Connected(),
		Address:      a.link.Addr(),
		SessionReady: a.session.Ready(),
		SessionUser:  a.session.UserID(),
		ServerTime:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := a.session.LastError(); err != nil {
		st.SessionError = err.Error()
	}
	st.Ready = st.LinkUp && st.SessionReady

	if a.pending != nil {
		n, err := a.pending.Count(ctx)
		if err != nil {
			a.logger.Printf("agent: pending count: %v", err)
			n = -1
		}
		st.PendingEvents = n
	}
	return st
}

func (a *Agent) Link() *link.Manager             { return a.link }
func (a *Agent) Session() *session.Manager       { return a.session }
func (a *Agent) Flusher() *service.OutboxFlusher { return a.flusher }
