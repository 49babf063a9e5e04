package client

import "time"

// Config holds connection settings for a relay client.
type Config struct {
	ServerURL string
	UserAgent string
	// Session defaults sent with create_session; empty fields fall back to
	// the relay's configuration.
	CustomerID   string
	CustomerName string
	Voice        string
	Model        string
	Instructions string
	// WriteTimeout bounds each socket write; 0 means no extra deadline.
	WriteTimeout time.Duration
}

const defaultUserAgent = "relay-stream/1.0.0"
