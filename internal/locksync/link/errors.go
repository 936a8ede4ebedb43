package link

import "errors"

var (
	// ErrLinkFailure is returned when the link could not be associated
	// before the configured timeout or the caller's context ended.
	ErrLinkFailure = errors.New("link: association failed")

	// ErrNoSSID is returned by Connect when no network name is configured.
	ErrNoSSID = errors.New("link: no network name configured")

	// ErrDriverClosed is returned by Run when the driver closes its event channel.
	ErrDriverClosed = errors.New("link: driver event channel closed")

	errNotAssociated = errors.New("link: not associated yet")
)
