package relay

import (
	"github.com/coder/websocket"

	"audiorelay/internal/provider"
)

// event is anything delivered to a connection's mailbox.
type event interface{ isEvent() }

type clientFrame struct {
	typ  websocket.MessageType
	data []byte
}

type upstreamOpened struct{ up *upstream }

type upstreamMessage struct {
	up   *upstream
	typ  websocket.MessageType
	data []byte
}

type upstreamFailed struct {
	up  *upstream
	err error
}

type upstreamClosed struct {
	up     *upstream
	code   int
	reason string
}

type sessionResult struct {
	gen       uint64
	reconnect bool
	session   *provider.Session
	err       error
}

type inspectRequest struct{ reply chan Snapshot }

func (clientFrame) isEvent()     {}
func (upstreamOpened) isEvent()  {}
func (upstreamMessage) isEvent() {}
func (upstreamFailed) isEvent()  {}
func (upstreamClosed) isEvent()  {}
func (sessionResult) isEvent()   {}
func (inspectRequest) isEvent()  {}
