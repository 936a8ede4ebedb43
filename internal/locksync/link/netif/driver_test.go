package netif

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/link"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/types"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		name string
		prev types.LinkState
		next types.LinkState
		want []link.EventKind
	}{
		{"steady", types.LinkConnected, types.LinkConnected, nil},
		{"associate", types.LinkDisconnected, types.LinkConnected, []link.EventKind{link.EventConnected}},
		{"address", types.LinkConnected, types.LinkAddressAcquired, []link.EventKind{link.EventAddressAcquired}},
		{"down to addressed", types.LinkDisconnected, types.LinkAddressAcquired,
			[]link.EventKind{link.EventConnected, link.EventAddressAcquired}},
		{"drop", types.LinkAddressAcquired, types.LinkDisconnected, []link.EventKind{link.EventDisconnected}},
		{"address lost", types.LinkAddressAcquired, types.LinkConnected, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := transitions(tt.prev, tt.next)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("transitions(%s, %s) = %v, want %v", tt.prev, tt.next, got, tt.want)
			}
		})
	}
}

func TestPoll_EmitsOrderedEvents(t *testing.T) {
	d := New(Config{Interface: "wlan-test", PollInterval: time.Hour})
	d.inspect = func(string) (bool, string, error) { return true, "10.0.0.7", nil }

	d.poll(context.Background())

	if d.Status() != types.LinkAddressAcquired {
		t.Fatalf("expected address_acquired, got %s", d.Status())
	}

	first := <-d.Events()
	second := <-d.Events()
	if first.Kind != link.EventConnected {
		t.Errorf("expected connected first, got %s", first.Kind)
	}
	if second.Kind != link.EventAddressAcquired || second.Addr != "10.0.0.7" {
		t.Errorf("expected address_acquired 10.0.0.7, got %s %q", second.Kind, second.Addr)
	}

	d.inspect = func(string) (bool, string, error) { return false, "", nil }
	d.poll(context.Background())

	if ev := <-d.Events(); ev.Kind != link.EventDisconnected {
		t.Errorf("expected disconnected, got %s", ev.Kind)
	}
}

func TestBegin_PassesCredentialsThroughEnvironment(t *testing.T) {
	d := New(Config{
		Interface:      "wlan-test",
		ConnectCommand: `test "$WIFI_SSID" = lab-ap && test "$WIFI_PASSWORD" = s3cret && test "$WIFI_IFACE" = wlan-test`,
	})

	if err := d.Begin(context.Background(), "lab-ap", "s3cret"); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := d.Begin(context.Background(), "other", "s3cret"); err == nil {
		t.Error("expected failing command to surface an error")
	}
}
