package service

import "context"

// Gate reports whether backend calls may be attempted right now.  The
// agent opens it when the link is up and the session is ready.
type Gate interface {
	Open() bool
}

// GateFunc adapts a plain predicate to Gate.
type GateFunc func() bool

func (f GateFunc) Open() bool { return f() }

// DocumentStore is the slice of the document backend the services use.
// Paths are "<collection>/<key>".
type DocumentStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Patch(ctx context.Context, path string, fields map[string]string, mask []string) error
	Create(ctx context.Context, path string, fields map[string]string) error
}
