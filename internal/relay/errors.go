package relay

import "errors"

var (
	// ErrClientGone is returned by operations on a torn-down connection.
	ErrClientGone = errors.New("client connection closed")
	// ErrUpstreamNotOpen is returned when writing to an upstream that is
	// dialing, closing or closed.
	ErrUpstreamNotOpen = errors.New("upstream socket not open")
	// ErrClientNotFound is returned by registry lookups.
	ErrClientNotFound = errors.New("client not found")
)
