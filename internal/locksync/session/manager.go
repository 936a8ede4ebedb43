package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAuthURL       = "https://identitytoolkit.googleapis.com/v1"
	DefaultTokenURL      = "https://securetoken.googleapis.com/v1/token"
	DefaultRefreshMargin = 5 * time.Minute
	DefaultTimeout       = 15 * time.Second

	maxResponseBody = 64 << 10
)

var (
	// ErrAuthFailure wraps every sign-up or refresh rejection.
	ErrAuthFailure = errors.New("session: authentication failed")

	// ErrNotReady is returned by Token before a successful Init.
	ErrNotReady = errors.New("session: not ready")

	ErrNoAPIKey = errors.New("session: no API key configured")

	// ErrSuperseded is returned by an Init overtaken by a later Init or Reset.
	ErrSuperseded = errors.New("session: sign-up superseded")
)

// Config holds the parameters for NewManager.
type Config struct {
	APIKey   string
	AuthURL  string // identity endpoint base; accounts:signUp is appended
	TokenURL string // refresh endpoint

	// RefreshMargin is how long before expiry Token refreshes the id token.
	RefreshMargin time.Duration

	// Timeout bounds each sign-up and refresh round trip, whatever the
	// caller's context allows.  Defaults to DefaultTimeout.
	Timeout time.Duration

	HTTPClient *http.Client

	// Observer is called on every token transition, with the manager's
	// lock held: it must not call back into the Manager.  Defaults to logging.
	Observer func(TokenInfo)

	Logger *log.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager holds the backend session: an anonymous account's id token and
// the refresh token that renews it.
//
// mu only guards the fields below it and is never held across a network
// call, so Ready answers immediately while a sign-up or refresh is pending.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *log.Logger
	now    func() time.Time

	refreshMu sync.Mutex // serialises refreshes

	mu           sync.Mutex
	gen          uint64 // bumped by Init and Reset; stale results are dropped
	signingUp    bool
	idToken      string
	refreshToken string
	userID       string
	expiresAt    time.Time
	lastErr      error
}

func NewManager(cfg Config) *Manager {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{cfg: cfg, client: client, logger: logger, now: now}
	if m.cfg.Observer == nil {
		m.cfg.Observer = func(info TokenInfo) {
			m.logger.Printf("session: token info: %s", info)
		}
	}
	return m
}

// Init discards any previous session and signs up a fresh anonymous
// account.  A failure is recorded and returned but leaves the manager
// usable: the next Init (normally the next reconnect) tries again.
//
// When Inits overlap the latest one wins; an earlier one whose reply
// arrives late returns ErrSuperseded and stores nothing.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.clearLocked()
	m.notify(TokenInfo{Type: TokenTypeID, Status: StatusOnRequest})
	if m.cfg.APIKey == "" {
		err := m.failLocked(ErrNoAPIKey)
		m.mu.Unlock()
		return err
	}
	m.signingUp = true
	m.mu.Unlock()

	var resp signUpResponse
	endpoint := strings.TrimRight(m.cfg.AuthURL, "/") + "/accounts:signUp?key=" + url.QueryEscape(m.cfg.APIKey)
	err := m.postJSON(ctx, endpoint, map[string]any{"returnSecureToken": true}, &resp)
	if err == nil && resp.IDToken == "" {
		err = errors.New("sign-up response carried no id token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return ErrSuperseded
	}
	m.signingUp = false
	if err != nil {
		return m.failLocked(err)
	}

	m.storeLocked(resp.IDToken, resp.RefreshToken, resp.LocalID, resp.ExpiresIn)
	m.notify(TokenInfo{Type: TokenTypeID, Status: StatusReady})
	m.logger.Printf("session: signed up anonymous user %s, token valid until %s",
		m.userID, m.expiresAt.Format(time.RFC3339))
	return nil
}

// Ready reports whether Token can be expected to produce a usable id token
// without a new Init.  It is false while a sign-up is in flight.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signingUp || m.idToken == "" {
		return false
	}
	return m.now().Before(m.expiresAt) || m.refreshToken != ""
}

// Token returns a valid id token, refreshing it first when it is within
// the refresh margin of expiry.  Refreshes are serialised.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok, err := m.current(); ok || err != nil {
		return tok, err
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have refreshed while we waited.
	if tok, ok, err := m.current(); ok || err != nil {
		return tok, err
	}

	m.mu.Lock()
	gen := m.gen
	refreshToken := m.refreshToken
	if refreshToken == "" {
		m.clearLocked()
		err := m.failLocked(errors.New("id token expired and no refresh token held"))
		m.mu.Unlock()
		return "", err
	}
	m.notify(TokenInfo{Type: TokenTypeID, Status: StatusOnRefresh})
	m.mu.Unlock()

	resp, err := m.refresh(ctx, refreshToken)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return "", ErrNotReady
	}
	if err != nil {
		m.clearLocked()
		return "", m.failLocked(err)
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	m.storeLocked(resp.IDToken, resp.RefreshToken, resp.UserID, resp.ExpiresIn)
	m.notify(TokenInfo{Type: TokenTypeID, Status: StatusReady})
	return m.idToken, nil
}

// current returns the held id token when it is outside the refresh margin.
// ok is false when a refresh is needed.
func (m *Manager) current() (tok string, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idToken == "" {
		if m.lastErr != nil {
			return "", false, fmt.Errorf("%w: %v", ErrNotReady, m.lastErr)
		}
		return "", false, ErrNotReady
	}
	if m.now().Add(m.cfg.RefreshMargin).Before(m.expiresAt) {
		return m.idToken, true, nil
	}
	return "", false, nil
}

// LastError is the most recent sign-up or refresh failure, nil after a
// successful Init.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Reset drops the session.  A sign-up or refresh still in flight is
// discarded when it completes.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.signingUp = false
	m.clearLocked()
	m.notify(TokenInfo{Type: TokenTypeID, Status: StatusUninitialized})
}

func (m *Manager) refresh(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	endpoint := m.cfg.TokenURL + "?key=" + url.QueryEscape(m.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := m.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (m *Manager) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.do(req, out)
}

func (m *Manager) do(req *http.Request, out any) error {
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, ae.Error.Message)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (m *Manager) storeLocked(idToken, refreshToken, userID, expiresIn string) {
	secs, err := strconv.Atoi(strings.TrimSpace(expiresIn))
	if err != nil || secs <= 0 {
		secs = 3600
	}
	m.idToken = idToken
	m.refreshToken = refreshToken
	if userID != "" {
		m.userID = userID
	}
	m.expiresAt = m.now().Add(time.Duration(secs) * time.Second)
	m.lastErr = nil
}

func (m *Manager) clearLocked() {
	m.idToken = ""
	m.refreshToken = ""
	m.userID = ""
	m.expiresAt = time.Time{}
}

func (m *Manager) failLocked(err error) error {
	if !errors.Is(err, ErrAuthFailure) {
		err = fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	m.lastErr = err
	m.notify(TokenInfo{Type: TokenTypeID, Status: StatusError, Err: err})
	m.logger.Printf("session: %v", err)
	return err
}

func (m *Manager) notify(info TokenInfo) {
	m.cfg.Observer(info)
}
