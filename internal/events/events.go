// Package events publishes connection lifecycle events for other services.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types.
const (
	ClientConnected      = "client.connected"
	ClientDisconnected   = "client.disconnected"
	SessionCreated       = "session.created"
	SessionReconnected   = "session.reconnected"
	SessionEnded         = "session.ended"
	UpstreamDisconnected = "upstream.disconnected"
)

// Event is the JSON payload published for each lifecycle change.
type Event struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	SessionID string    `json:"sessionId,omitempty"`
	Node      string    `json:"node,omitempty"`
	Code      int       `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events. Implementations must not block for long.
type Publisher interface {
	Publish(e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }

// Conn is the subset of *nats.Conn used by NATSPublisher.
type Conn interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher sends events on subject "<prefix>.<type>".
type NATSPublisher struct {
	conn   Conn
	prefix string
}

func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

func (p *NATSPublisher) Publish(e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := nats.NewMsg(p.Subject(e.Type))
	msg.Data = data
	msg.Header.Set("Relay-Client-Id", e.ClientID)
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Connect dials NATS with reconnect settings suited to a long-lived
// publisher.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
}
