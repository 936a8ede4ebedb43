package types

type LookupRequest struct {
	CredentialID string `json:"credential_id"`
}

type LookupResponse struct {
	CredentialID string `json:"credential_id"`
	Decision     string `json:"decision"`
	Authorized   bool   `json:"authorized"`
	Reason       string `json:"reason,omitempty"`
	ServerTime   string `json:"server_time"`
}

type RecordRequest struct {
	LockID       string `json:"lock_id"`
	CredentialID string `json:"credential_id"`
	AccessMode   string `json:"access_mode"`
	Timestamp    string `json:"timestamp"`
}

type RecordResponse struct {
	DocumentKey string `json:"document_key"`
	Result      string `json:"result"`
	Persisted   bool   `json:"persisted"`
	Reason      string `json:"reason,omitempty"`
	ServerTime  string `json:"server_time"`
}

type ConnectResponse struct {
	OK        bool   `json:"ok"`
	LinkState string `json:"link_state"`
	Reason    string `json:"reason,omitempty"`
}

// Status is a point-in-time snapshot of the connectivity state machine.
type Status struct {
	LinkState     string `json:"link_state"`
	LinkUp        bool   `json:"link_up"`
	Address       string `json:"address,omitempty"`
	SessionReady  bool   `json:"session_ready"`
	SessionError  string `json:"session_error,omitempty"`
	SessionUser   string `json:"session_user,omitempty"`
	Ready         bool   `json:"ready"`
	PendingEvents int    `json:"pending_events"`
	ServerTime    string `json:"server_time"`
}
