package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/service"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

// Agent is what the lock's physical/UI layer may call.
type Agent interface {
	InitLink(ctx context.Context) error
	Lookup(ctx context.Context, credentialID string) (types.Decision, error)
	Record(ctx context.Context, ev types.AccessEvent) (types.WriteResult, error)
	DocumentKey(lockID, timestamp string) string
	Status(ctx context.Context) types.Status
}

type Dependencies struct {
	Logger *log.Logger
	Addr   string
	Agent  Agent
}

type Server struct {
	httpServer *http.Server
	logger     *log.Logger
	mux        *http.ServeMux
	agent      Agent
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger: d.Logger,
		mux:    mux,
		agent:  d.Agent,
	}

	mux.HandleFunc("POST /v1/link/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/credentials/lookup", s.handleLookup)
	mux.HandleFunc("POST /v1/events", s.handleRecord)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	handler := loggingMiddleware(d.Logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleConnect blocks until the link is associated, the configured
// connect timeout passes, or the client goes away.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := s.agent.InitLink(r.Context())
	resp := types.ConnectResponse{
		OK:        err == nil,
		LinkState: s.agent.Status(r.Context()).LinkState,
	}
	if err != nil {
		s.logger.Printf("link connect: %v", err)
		resp.Reason = err.Error()
		respond(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req types.LookupRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	decision, err := s.agent.Lookup(r.Context(), req.CredentialID)
	resp := types.LookupResponse{
		CredentialID: req.CredentialID,
		Decision:     decision.String(),
		Authorized:   decision == types.DecisionAuthorized,
		ServerTime:   time.Now().UTC().Format(time.RFC3339Nano),
	}

	switch decision {
	case types.DecisionAuthorized:
		resp.Reason = "credential_found"
	case types.DecisionDenied:
		resp.Reason = "credential_not_found"
	default:
		// Unavailable is answered, not hidden: the caller picks fail-open
		// or fail-closed.
		resp.Reason = "query_failed"
		if errors.Is(err, service.ErrNotReady) {
			resp.Reason = "not_ready"
		}
		respond(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	respond(w, r, http.StatusOK, resp)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req types.RecordRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	res, err := s.agent.Record(r.Context(), types.AccessEvent{
		LockID:       req.LockID,
		CredentialID: req.CredentialID,
		AccessMode:   req.AccessMode,
		Timestamp:    req.Timestamp,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidLockID):
			writeError(w, http.StatusBadRequest, "invalid_lock_id", err.Error())
			return
		case errors.Is(err, service.ErrInvalidTimestamp):
			writeError(w, http.StatusBadRequest, "invalid_timestamp", err.Error())
			return
		}
	}

	resp := types.RecordResponse{
		DocumentKey: s.agent.DocumentKey(req.LockID, req.Timestamp),
		Result:      res.String(),
		Persisted:   res.Persisted(),
		ServerTime:  time.Now().UTC().Format(time.RFC3339Nano),
	}

	switch res {
	case types.WritePatched, types.WriteCreated:
		respond(w, r, http.StatusOK, resp)
	case types.WriteQueued:
		resp.Reason = "queued_for_retry"
		respond(w, r, http.StatusAccepted, resp)
	default:
		s.logger.Printf("event dropped: %v", err)
		resp.Reason = "dropped"
		respond(w, r, http.StatusServiceUnavailable, resp)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, s.agent.Status(r.Context()))
}
