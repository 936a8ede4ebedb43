package types

import "time"

// AccessEvent is one access attempt reported by the lock hardware layer.
type AccessEvent struct {
	LockID       string `json:"lock_id"`
	CredentialID string `json:"credential_id"`
	AccessMode   string `json:"access_mode"`
	Timestamp    string `json:"timestamp"`
}

// Decision is the outcome of a credential lookup.  The zero value is
// Unavailable so an uninitialised decision never reads as a grant.
type Decision int

const (
	DecisionUnavailable Decision = iota
	DecisionDenied
	DecisionAuthorized
)

func (d Decision) String() string {
	switch d {
	case DecisionAuthorized:
		return "authorized"
	case DecisionDenied:
		return "denied"
	default:
		return "unavailable"
	}
}

// WriteResult is the outcome of recording an access event.
type WriteResult int

const (
	WriteDropped WriteResult = iota
	WritePatched
	WriteCreated
	WriteQueued
)

func (r WriteResult) String() string {
	switch r {
	case WritePatched:
		return "patched"
	case WriteCreated:
		return "created"
	case WriteQueued:
		return "queued"
	default:
		return "dropped"
	}
}

// Persisted reports whether the event reached the backend.
func (r WriteResult) Persisted() bool {
	return r == WritePatched || r == WriteCreated
}

// PendingEvent is an access event waiting for delivery to the backend.
type PendingEvent struct {
	ID          string
	DocKey      string
	Event       AccessEvent
	EnqueuedAt  time.Time
	Version     int // bumped when a newer event for DocKey replaces Event
	Attempts    int
	LastError   string
	DeliveredAt *time.Time
}
