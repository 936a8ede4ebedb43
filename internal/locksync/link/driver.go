package link

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

// EventKind identifies a link transition reported by a Driver.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventAddressAcquired
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventAddressAcquired:
		return "address_acquired"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one transition of the underlying radio.
type Event struct {
	Kind EventKind
	Addr string // set for EventAddressAcquired
	At   time.Time
}

// Driver is the radio the Manager controls.  Implementations report
// transitions on Events in the order they happen and must never report
// EventAddressAcquired before EventConnected for the same association.
type Driver interface {
	// Begin starts associating with the named network.  It does not wait
	// for the association to complete.
	Begin(ctx context.Context, ssid, passphrase string) error
	Disconnect(ctx context.Context) error
	// Status is the live state of the radio, independent of event delivery.
	Status() types.LinkState
	Events() <-chan Event
}
