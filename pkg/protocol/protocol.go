// Package protocol holds the JSON message vocabulary shared by the relay
// server and its Go client.
package protocol

import "encoding/json"

// Client -> relay message types
const (
	TypeCreateSession = "create_session"
	TypeEndSession    = "end_session"
	TypeEndOfStream   = "end_of_stream"
	// TypeAudioData is the retired JSON audio envelope. It is recognised only
	// so it can be rejected with a pointer to binary frames.
	TypeAudioData = "audio_data"
)

// Relay -> client message types
const (
	TypeWelcome            = "welcome"
	TypeSessionCreated     = "session_created"
	TypeSessionEnded       = "session_ended"
	TypeUpstreamDisconnect = "openai_disconnected"
	TypeReconnected        = "reconnected"
	TypeError              = "error"
	TypePing               = "ping"
)

// Error codes carried in the code field of an error message.
const (
	CodeInvalidMessage         = "INVALID_MESSAGE"
	CodeUnsupportedMessageType = "UNSUPPORTED_MESSAGE_TYPE"
	CodeSessionInitFailed      = "SESSION_INITIALIZATION_FAILED"
	CodeReconnectFailed        = "RECONNECT_FAILED"
	CodeUpstreamError          = "OPENAI_CONNECTION_ERROR"
	CodeUpstreamNotReady       = "OPENAI_CONNECTION_NOT_READY"
	CodeUpstreamClosed         = "OPENAI_CONNECTION_CLOSED"
	CodeSessionInitializing    = "SESSION_INITIALIZING"
	CodeNoSession              = "NO_SESSION_EXISTS"
)

// Envelope is the minimal shape every JSON message shares.
type Envelope struct {
	Type string `json:"type"`
}

// CreateSession is the body of a create_session request. All fields are
// optional; the relay falls back to its configured defaults.
type CreateSession struct {
	Type         string `json:"type"`
	CustomerID   string `json:"customerId,omitempty"`
	CustomerName string `json:"customerName,omitempty"`
	Voice        string `json:"voice,omitempty"`
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Message is the union of every relay -> client JSON message. Unused fields
// are omitted on the wire, except reason on openai_disconnected.
type Message struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Code      any    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	Details   string `json:"details,omitempty"`
}

// ErrorCode returns the string error code, or "" for disconnect messages
// whose code is numeric.
func (m Message) ErrorCode() string {
	s, _ := m.Code.(string)
	return s
}

// CloseCode returns the numeric close code of an openai_disconnected message.
func (m Message) CloseCode() int {
	switch v := m.Code.(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func Welcome(clientID string) Message { return Message{Type: TypeWelcome, ClientID: clientID} }

func SessionCreated(sessionID string) Message {
	return Message{Type: TypeSessionCreated, SessionID: sessionID}
}

func SessionEnded() Message { return Message{Type: TypeSessionEnded} }

func Reconnected() Message { return Message{Type: TypeReconnected} }

func Ping() Message { return Message{Type: TypePing} }

// UpstreamDisconnected reports the provider socket closing with code/reason.
func UpstreamDisconnected(code int, reason string) Message {
	return Message{Type: TypeUpstreamDisconnect, Code: code, Reason: reason}
}

// MarshalJSON writes reason on openai_disconnected even when it is empty.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	if m.Type != TypeUpstreamDisconnect {
		return json.Marshal(plain(m))
	}
	return json.Marshal(struct {
		plain
		Reason string `json:"reason"`
	}{plain(m), m.Reason})
}

// Error builds an error message. code and details may be empty.
func Error(message, code, details string) Message {
	m := Message{Type: TypeError, Message: message, Details: details}
	if code != "" {
		m.Code = code
	}
	return m
}

// Encode marshals m. Message contains only plain fields so it cannot fail.
func Encode(m Message) []byte {
	b, _ := json.Marshal(m)
	return b
}

// Decode parses a relay -> client message.
func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
