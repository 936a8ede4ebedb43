package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

// CredentialCollection holds the authorised credential identifiers.
const CredentialCollection = "rfids"

// CredentialService answers whether a presented credential is authorised.
//
// The check is a substring search over the raw collection payload, not a
// structured field match, so an identifier that is part of a longer stored
// identifier also matches.  Stored data relies on this, keep it.
type CredentialService struct {
	gate   Gate
	docs   DocumentStore
	logger *log.Logger
}

func NewCredentialService(gate Gate, docs DocumentStore, logger *log.Logger) *CredentialService {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &CredentialService{gate: gate, docs: docs, logger: logger}
}

// Lookup makes a single read of the credential collection and searches the
// raw payload for id exactly as given, whitespace included.  It returns
// DecisionUnavailable with a non-nil error when the gate is closed or the
// read fails; Denied and Authorized come with a nil error.
func (s *CredentialService) Lookup(ctx context.Context, id string) (types.Decision, error) {
	if id == "" {
		// The empty string is a substring of every payload.
		return types.DecisionDenied, nil
	}
	if !s.gate.Open() {
		return types.DecisionUnavailable, ErrNotReady
	}

	payload, err := s.docs.Get(ctx, CredentialCollection)
	if err != nil {
		s.logger.Printf("credential lookup %s: query failed: %v", id, err)
		return types.DecisionUnavailable, fmt.Errorf("%w: %w", ErrQueryFailure, err)
	}

	if bytes.Contains(payload, []byte(id)) {
		return types.DecisionAuthorized, nil
	}
	return types.DecisionDenied, nil
}

// LookupCredential collapses Lookup to a boolean: only Authorized is true.
func (s *CredentialService) LookupCredential(ctx context.Context, credentialID string) bool {
	d, _ := s.Lookup(ctx, credentialID)
	return d == types.DecisionAuthorized
}
