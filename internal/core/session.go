package core

import (
	"strings"
	"sync"
	"time"

	"homechat/server/internal/protocol"
)

// SendTimeout bounds how long a write to one session's outbound queue may block.
const SendTimeout = 50 * time.Millisecond

// DisconnectReason classifies why a connection went away. The default grace
// path parks the session as idle; the other reasons remove it immediately.
type DisconnectReason int

const (
	ReasonGrace DisconnectReason = iota
	ReasonIntentional
	ReasonKicked
	ReasonSwitching
)

// Session is one currently-or-recently-connected identity in a room.
// All fields other than the channels are guarded by the owning Registry.
type Session struct {
	ConnID   string // transport connection ID; empty while idle
	Nick     string // user-chosen display name, arbitrary case
	DeviceID string // opaque client token, may be empty for legacy clients

	Send chan protocol.Message // outbound queue drained by the transport
	Done chan struct{}         // closed when the transport should hang up

	idle          bool
	sendClosed    bool             // Send already closed; guards double close
	pendingReason DisconnectReason // pre-armed by Kick, applied on next disconnect
	pendingSet    bool
	graceTimer    Timer
	timerToken    uint64 // invalidates a stopped grace timer that already fired

	closeOnce sync.Once
}

// Key returns the session's identity within its room.
func sessionKey(nick string) string { return strings.ToLower(nick) }

// Idle reports whether the session is between disconnect and reclaim/removal.
func (s *Session) Idle() bool { return s.idle }

// signalClose asks the transport goroutine to close the connection.
// The registry never closes the websocket itself.
func (s *Session) signalClose() {
	s.closeOnce.Do(func() { close(s.Done) })
}

func trySend(ch chan protocol.Message, msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		return false
	}
}
