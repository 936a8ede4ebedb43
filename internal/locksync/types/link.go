package types

// LinkState is the wireless link state as observed through driver events.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnected
	LinkAddressAcquired
)

func (s LinkState) String() string {
	switch s {
	case LinkConnected:
		return "connected"
	case LinkAddressAcquired:
		return "address_acquired"
	default:
		return "disconnected"
	}
}

// IsUp reports whether the link is associated, with or without an address.
func (s LinkState) IsUp() bool {
	return s == LinkConnected || s == LinkAddressAcquired
}
