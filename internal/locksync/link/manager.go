package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

const (
	DefaultPollInterval    = 300 * time.Millisecond
	DefaultMaxPollInterval = 5 * time.Second
)

// Config holds the parameters for NewManager.
type Config struct {
	SSID       string
	Passphrase string

	// ConnectTimeout bounds a single association attempt.  0 means keep
	// trying until the caller's context ends.
	ConnectTimeout time.Duration

	// PollInterval is the first wait between status polls while
	// associating.  The wait grows exponentially up to MaxPollInterval.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	Logger *log.Logger
}

// Manager owns the wireless link.  It turns driver events into state
// transitions, reconnects after a drop and hands the address-acquired
// transition to a single registered callback.
//
// Driver events are handled one at a time on the goroutine running Run,
// so the callback never overlaps itself.
type Manager struct {
	driver Driver
	cfg    Config
	logger *log.Logger

	mu        sync.RWMutex
	state     types.LinkState
	addr      string
	onAddress func(ctx context.Context)

	// Capacity 1: disconnect bursts collapse into one pending reconnect.
	reconnect chan struct{}

	// Held while Connect or a reconnect is associating; capacity 1.
	associating chan struct{}
}

func NewManager(d Driver, cfg Config) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollInterval < cfg.PollInterval {
		cfg.MaxPollInterval = DefaultMaxPollInterval
		if cfg.MaxPollInterval < cfg.PollInterval {
			cfg.MaxPollInterval = cfg.PollInterval
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Manager{
		driver:      d,
		cfg:         cfg,
		logger:      logger,
		reconnect:   make(chan struct{}, 1),
		associating: make(chan struct{}, 1),
	}
}

// OnAddressAcquired registers the callback run each time the link obtains
// an address.  A later registration replaces the earlier one.
func (m *Manager) OnAddressAcquired(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAddress = fn
}

// State is the last transition observed through driver events.
func (m *Manager) State() types.LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Addr is the local address from the last address-acquired event.
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addr
}

// Connected reports the live radio status, so a drop is visible to callers
// before its event has been processed.
func (m *Manager) Connected() bool {
	return m.driver.Status().IsUp()
}

// Connect drops any previous association and blocks until the radio
// reports the link up, polling with bounded exponential backoff.  It waits
// for a reconnect already in progress rather than racing it.
func (m *Manager) Connect(ctx context.Context) error {
	if m.cfg.SSID == "" {
		return ErrNoSSID
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	if err := m.driver.Disconnect(ctx); err != nil {
		m.logger.Printf("link: disconnect before connect: %v", err)
	}
	m.logger.Printf("link: connecting to %q", m.cfg.SSID)
	return m.associate(ctx)
}

// Run processes driver events and reconnect requests until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	events := m.driver.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrDriverClosed
			}
			m.handle(ctx, ev)
		case <-m.reconnect:
			m.reconnectOnce(ctx)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnected:
		m.mu.Lock()
		m.state = types.LinkConnected
		m.addr = ""
		m.mu.Unlock()
		m.logger.Printf("link: connected, waiting for local address")

	case EventAddressAcquired:
		m.mu.Lock()
		if m.state == types.LinkDisconnected {
			m.mu.Unlock()
			m.logger.Printf("link: address %s reported while disconnected, ignored", ev.Addr)
			return
		}
		m.state = types.LinkAddressAcquired
		m.addr = ev.Addr
		cb := m.onAddress
		m.mu.Unlock()

		m.logger.Printf("link: local address %s", ev.Addr)
		if cb != nil {
			cb(ctx)
		}

	case EventDisconnected:
		m.mu.Lock()
		m.state = types.LinkDisconnected
		m.addr = ""
		m.mu.Unlock()
		m.logger.Printf("link: disconnected")
		m.requestReconnect()

	default:
		m.logger.Printf("link: unknown event %d ignored", ev.Kind)
	}
}

func (m *Manager) requestReconnect() {
	select {
	case m.reconnect <- struct{}{}:
	default:
	}
}

// reconnectOnce re-associates after a drop.  The drop may have come from
// Connect itself, so it waits for any association in progress and then
// does nothing if that brought the link back.
func (m *Manager) reconnectOnce(ctx context.Context) {
	if err := m.acquire(ctx); err != nil {
		return
	}
	defer m.release()

	if m.driver.Status().IsUp() {
		return
	}
	m.logger.Printf("link: reconnecting to %q", m.cfg.SSID)
	if err := m.associate(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Printf("link: reconnect: %v", err)
		m.requestReconnect()
	}
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.associating <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() { <-m.associating }

func (m *Manager) associate(ctx context.Context) error {
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	begun := false
	polls := 0
	op := func() error {
		if !begun {
			if err := m.driver.Begin(ctx, m.cfg.SSID, m.cfg.Passphrase); err != nil {
				return fmt.Errorf("begin: %w", err)
			}
			begun = true
		}
		if m.driver.Status().IsUp() {
			return nil
		}
		return errNotAssociated
	}
	notify := func(err error, wait time.Duration) {
		polls++
		if !errors.Is(err, errNotAssociated) {
			m.logger.Printf("link: %v, retrying in %s", err, wait.Round(time.Millisecond))
		}
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(m.newBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrLinkFailure, m.cfg.SSID, err)
	}
	m.logger.Printf("link: associated with %q after %d polls", m.cfg.SSID, polls)
	return nil
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.PollInterval
	b.MaxInterval = m.cfg.MaxPollInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
