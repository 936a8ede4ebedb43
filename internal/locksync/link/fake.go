package link

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

// FakeDriver is a scripted radio for tests and bench runs without Wi-Fi
// hardware.
type FakeDriver struct {
	mu          sync.Mutex
	status      types.LinkState
	events      chan Event
	begins      int
	inBegin     int
	maxInBegin  int
	disconnects int

	// AutoAssociate makes Begin bring the link up immediately, emitting
	// EventConnected followed by EventAddressAcquired.
	AutoAssociate bool
	// Addr is reported with EventAddressAcquired.
	Addr string
	// BeginErr, when set, is returned by every Begin call.
	BeginErr error
	// BeginDelay stalls Begin, like a slow connect command.
	BeginDelay time.Duration
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		events: make(chan Event, 64),
		Addr:   "192.0.2.10",
	}
}

func (f *FakeDriver) Begin(ctx context.Context, _, _ string) error {
	f.mu.Lock()
	f.begins++
	f.inBegin++
	f.maxInBegin = max(f.maxInBegin, f.inBegin)
	delay := f.BeginDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inBegin--
	if f.BeginErr != nil {
		return f.BeginErr
	}
	if f.AutoAssociate {
		f.associateLocked()
	}
	return nil
}

func (f *FakeDriver) Disconnect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnects++
	if f.status.IsUp() {
		f.status = types.LinkDisconnected
		f.emitLocked(Event{Kind: EventDisconnected})
	}
	return nil
}

func (f *FakeDriver) Status() types.LinkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *FakeDriver) Events() <-chan Event { return f.events }

// Associate brings the link up as if the access point had accepted us.
func (f *FakeDriver) Associate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.associateLocked()
}

// Drop takes the link down as if the access point had gone away.
func (f *FakeDriver) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = types.LinkDisconnected
	f.emitLocked(Event{Kind: EventDisconnected})
}

// Emit delivers ev without touching Status, for out-of-order scenarios.
func (f *FakeDriver) Emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(ev)
}

func (f *FakeDriver) Begins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.begins
}

// MaxConcurrentBegins is the largest number of Begin calls seen in flight
// at once.
func (f *FakeDriver) MaxConcurrentBegins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInBegin
}

func (f *FakeDriver) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *FakeDriver) associateLocked() {
	f.status = types.LinkAddressAcquired
	f.emitLocked(Event{Kind: EventConnected})
	f.emitLocked(Event{Kind: EventAddressAcquired, Addr: f.Addr})
}

func (f *FakeDriver) emitLocked(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	f.events <- ev
}
