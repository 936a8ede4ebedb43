// Package netif drives a Linux wireless interface.  Association is handed
// to an external command (nmcli, wpa_cli, iwctl...) and the interface is
// polled for link and address changes, which are reported as link events.
package netif

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/link"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

const (
	DefaultInterface         = "wlan0"
	DefaultPollInterval      = time.Second
	DefaultConnectCommand    = `nmcli device wifi connect "$WIFI_SSID" password "$WIFI_PASSWORD" ifname "$WIFI_IFACE"`
	DefaultDisconnectCommand = `nmcli device disconnect "$WIFI_IFACE"`
)

// Config holds the parameters for New.
//
// Commands run through "sh -c" with WIFI_SSID, WIFI_PASSWORD and
// WIFI_IFACE in the environment, so the passphrase never appears in the
// process list.
type Config struct {
	Interface         string
	ConnectCommand    string
	DisconnectCommand string
	PollInterval      time.Duration
	Logger            *log.Logger
}

type Driver struct {
	cfg    Config
	logger *log.Logger
	events chan link.Event

	mu     sync.Mutex
	status types.LinkState
	addr   string

	// inspect is swapped in tests.
	inspect func(name string) (up bool, addr string, err error)
}

func New(cfg Config) *Driver {
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.ConnectCommand == "" {
		cfg.ConnectCommand = DefaultConnectCommand
	}
	if cfg.DisconnectCommand == "" {
		cfg.DisconnectCommand = DefaultDisconnectCommand
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Driver{
		cfg:     cfg,
		logger:  logger,
		events:  make(chan link.Event, 16),
		inspect: inspectInterface,
	}
}

// Watch polls the interface until ctx ends, then closes the event channel.
func (d *Driver) Watch(ctx context.Context) {
	defer close(d.events)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Driver) Begin(ctx context.Context, ssid, passphrase string) error {
	return d.run(ctx, d.cfg.ConnectCommand, ssid, passphrase)
}

func (d *Driver) Disconnect(ctx context.Context) error {
	return d.run(ctx, d.cfg.DisconnectCommand, "", "")
}

func (d *Driver) Status() types.LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Driver) Events() <-chan link.Event { return d.events }

func (d *Driver) run(ctx context.Context, command, ssid, passphrase string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"WIFI_SSID="+ssid,
		"WIFI_PASSWORD="+passphrase,
		"WIFI_IFACE="+d.cfg.Interface,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("netif: %s: %w: %s", d.cfg.Interface, err, trimOutput(out))
	}
	return nil
}

func (d *Driver) poll(ctx context.Context) {
	up, addr, err := d.inspect(d.cfg.Interface)
	if err != nil {
		// A missing interface reads as a dropped link.
		d.logger.Printf("netif: inspect %s: %v", d.cfg.Interface, err)
	}
	next := classify(up, addr)

	d.mu.Lock()
	prev := d.status
	d.status = next
	d.addr = addr
	d.mu.Unlock()

	for _, kind := range transitions(prev, next) {
		ev := link.Event{Kind: kind, At: time.Now().UTC()}
		if kind == link.EventAddressAcquired {
			ev.Addr = addr
		}
		select {
		case d.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func classify(up bool, addr string) types.LinkState {
	switch {
	case !up:
		return types.LinkDisconnected
	case addr == "":
		return types.LinkConnected
	default:
		return types.LinkAddressAcquired
	}
}

// transitions lists the events that take the link from prev to next.
// Jumping straight from down to addressed still reports connected first.
func transitions(prev, next types.LinkState) []link.EventKind {
	if prev == next {
		return nil
	}
	switch next {
	case types.LinkDisconnected:
		return []link.EventKind{link.EventDisconnected}
	case types.LinkConnected:
		if prev == types.LinkDisconnected {
			return []link.EventKind{link.EventConnected}
		}
		// Address lost while still associated: nothing downstream reacts.
		return nil
	case types.LinkAddressAcquired:
		if prev == types.LinkDisconnected {
			return []link.EventKind{link.EventConnected, link.EventAddressAcquired}
		}
		return []link.EventKind{link.EventAddressAcquired}
	}
	return nil
}

func inspectInterface(name string) (bool, string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return false, "", err
	}
	up := iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagRunning != 0
	if !up {
		return false, "", nil
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return true, "", err
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || !ipn.IP.IsGlobalUnicast() {
			continue
		}
		return true, ipn.IP.String(), nil
	}
	return true, "", nil
}

func trimOutput(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
