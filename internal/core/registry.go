package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"homechat/server/internal/protocol"
)

// DefaultGracePeriod is how long an identity stays reclaimable after an
// unexpected disconnect before the room announces the departure.
const DefaultGracePeriod = 5 * time.Second

// ErrNickTaken is returned when a rename collides with another live session.
var ErrNickTaken = errors.New("nickname is already in use")

// Registry owns the presence state for one room: at most one live session
// per lowercased display name. All mutations happen under one mutex and
// never block on I/O; timer callbacks reacquire the same mutex.
type Registry struct {
	mu       sync.Mutex
	room     string
	sessions map[string]*Session // lowercased nick → session
	byConn   map[string]string   // connection ID → lowercased nick

	clock       Clock
	gracePeriod time.Duration
	sendBuf     int
	tokens      uint64
}

// NewRegistry returns an empty presence registry for the named room.
func NewRegistry(room string, clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock()
	}
	return &Registry{
		room:        room,
		sessions:    make(map[string]*Session),
		byConn:      make(map[string]string),
		clock:       clock,
		gracePeriod: DefaultGracePeriod,
		sendBuf:     64,
	}
}

// SetGracePeriod overrides the disconnect grace period. Intended for tests.
func (r *Registry) SetGracePeriod(d time.Duration) {
	r.mu.Lock()
	r.gracePeriod = d
	r.mu.Unlock()
}

// Room returns the room identifier this registry serves.
func (r *Registry) Room() string { return r.room }

// Register attaches a connection under the given display name. If an idle
// session holds the same identity its pending removal is cancelled and the
// connection reattaches quietly; a live session under the same identity is
// replaced (its transport is told to close). Returns the session and whether
// the join should be left unannounced.
func (r *Registry) Register(connID, nick, deviceID string) (*Session, bool, error) {
	nick, err := protocol.ValidateNick(nick)
	if err != nil {
		return nil, false, err
	}
	key := sessionKey(nick)

	r.mu.Lock()

	if old, ok := r.sessions[key]; ok && old.idle {
		// Reconnect within the grace period: reclaim the identity quietly.
		r.stopGraceTimerLocked(old)
		delete(r.byConn, old.ConnID)
		old.ConnID = connID
		old.Nick = nick
		if deviceID != "" {
			old.DeviceID = deviceID
		}
		old.idle = false
		old.Send = make(chan protocol.Message, r.sendBuf)
		old.sendClosed = false
		old.Done = make(chan struct{})
		old.closeOnce = sync.Once{}
		r.byConn[connID] = key
		r.broadcastRosterLocked()
		r.mu.Unlock()

		slog.Info("session reclaimed", "room", r.room, "nick", nick, "conn_id", connID)
		return old, true, nil
	}

	if old, ok := r.sessions[key]; ok {
		// A live session already holds this identity. Last write wins, the
		// stale transport is told to hang up.
		delete(r.byConn, old.ConnID)
		closeSendLocked(old)
		old.signalClose()
		slog.Warn("session replaced", "room", r.room, "nick", nick, "old_conn", old.ConnID)
	}

	s := &Session{
		ConnID:   connID,
		Nick:     nick,
		DeviceID: deviceID,
		Send:     make(chan protocol.Message, r.sendBuf),
		Done:     make(chan struct{}),
	}
	r.sessions[key] = s
	r.byConn[connID] = key
	count := len(r.sessions)
	r.broadcastRosterLocked()
	r.mu.Unlock()

	slog.Info("session registered", "room", r.room, "nick", nick, "conn_id", connID, "total", count)
	return s, false, nil
}

// Rename re-keys the session owned by connID. The caller announces the
// change; the registry only updates identity and pushes the roster. A rename
// colliding with another live identity is rejected.
func (r *Registry) Rename(connID, newNick string) (string, error) {
	newNick, err := protocol.ValidateNick(newNick)
	if err != nil {
		return "", err
	}
	newKey := sessionKey(newNick)

	r.mu.Lock()
	defer r.mu.Unlock()

	oldKey, ok := r.byConn[connID]
	if !ok {
		return "", fmt.Errorf("no session for connection")
	}
	s := r.sessions[oldKey]
	if newKey != oldKey {
		if _, taken := r.sessions[newKey]; taken {
			return "", ErrNickTaken
		}
		delete(r.sessions, oldKey)
		r.sessions[newKey] = s
	}
	oldNick := s.Nick
	s.Nick = newNick
	r.byConn[connID] = newKey
	r.broadcastRosterLocked()

	slog.Info("session renamed", "room", r.room, "old_nick", oldNick, "new_nick", newNick)
	return oldNick, nil
}

// MarkDisconnected handles the transport going away. A kick pre-armed via
// Kick overrides the supplied reason. Grace parks the session as idle and
// schedules removal; the other reasons remove immediately, with a departure
// notice only for room switches.
func (r *Registry) MarkDisconnected(connID string, reason DisconnectReason) {
	r.mu.Lock()

	key, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s := r.sessions[key]
	if s.pendingSet {
		reason = s.pendingReason
		s.pendingSet = false
	}
	delete(r.byConn, connID)

	switch reason {
	case ReasonIntentional, ReasonKicked, ReasonSwitching:
		delete(r.sessions, key)
		closeSendLocked(s)
		s.signalClose()
		r.broadcastRosterLocked()
		if reason == ReasonSwitching {
			r.broadcastLocked(departureNotice(s.Nick), "")
		}
		r.mu.Unlock()
		slog.Info("session removed", "room", r.room, "nick", s.Nick, "reason", int(reason))
		return

	default: // ReasonGrace
		s.ConnID = ""
		s.idle = true
		closeSendLocked(s)
		s.signalClose()
		r.tokens++
		token := r.tokens
		s.timerToken = token
		grace := r.gracePeriod
		s.graceTimer = r.clock.AfterFunc(grace, func() {
			r.expireGrace(key, token)
		})
		r.broadcastRosterLocked()
		r.mu.Unlock()
		slog.Info("session idle", "room", r.room, "nick", s.Nick, "grace", grace)
	}
}

// expireGrace removes an idle session whose grace period lapsed. The token
// check makes a stopped-but-already-fired timer a no-op, so a reconnect can
// never race the removal.
func (r *Registry) expireGrace(key string, token uint64) {
	r.mu.Lock()

	s, ok := r.sessions[key]
	if !ok || !s.idle || s.timerToken != token {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, key)
	r.broadcastRosterLocked()
	r.broadcastLocked(departureNotice(s.Nick), "")
	r.mu.Unlock()

	slog.Info("session expired", "room", r.room, "nick", s.Nick)
}

// closeSendLocked closes the session's outbound queue exactly once. The
// transport's writer drains the queue to its end, so frames queued before
// the close still reach the peer.
func closeSendLocked(s *Session) {
	if s.sendClosed {
		return
	}
	s.sendClosed = true
	close(s.Send)
}

func (r *Registry) stopGraceTimerLocked(s *Session) {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.timerToken = 0
}

// Kick pre-arms the target's next disconnect so it skips the grace path,
// announces the kick, and signals the target's transport to close itself.
func (r *Registry) Kick(targetNick, by string) error {
	key := sessionKey(targetNick)

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("user %q not found", targetNick)
	}
	s.pendingReason = ReasonKicked
	s.pendingSet = true
	r.broadcastLocked(protocol.Message{
		Type: protocol.TypeMessage,
		Kind: protocol.KindNotice,
		Body: fmt.Sprintf("%s has been kicked from the chat", s.Nick),
	}, "")
	trySend(s.Send, protocol.Message{Type: protocol.TypeKicked, By: by})
	// Closing the queue lets the transport's writer drain the kicked event
	// before it hangs up on Done.
	closeSendLocked(s)
	s.signalClose()
	r.mu.Unlock()

	slog.Info("session kicked", "room", r.room, "nick", s.Nick, "by", by)
	return nil
}

// Resolve returns the live session for a display name, case-insensitively.
// Idle sessions have no connection and do not resolve.
func (r *Registry) Resolve(nick string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey(nick)]
	if !ok || s.idle {
		return nil, false
	}
	return s, true
}

// Lookup returns the session for a display name regardless of idle state.
func (r *Registry) Lookup(nick string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey(nick)]
	return s, ok
}

// ByConn returns the session owning a connection ID.
func (r *Registry) ByConn(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	return r.sessions[key], true
}

// DeviceFor returns the device ID last seen for a display name.
func (r *Registry) DeviceFor(nick string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey(nick)]
	if !ok || s.DeviceID == "" {
		return "", false
	}
	return s.DeviceID, true
}

// Roster returns the current roster ordered by display name.
func (r *Registry) Roster() []protocol.RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

// Count returns the number of sessions, idle included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Broadcast fans a message out to every live connection in the room.
func (r *Registry) Broadcast(msg protocol.Message) {
	r.mu.Lock()
	r.broadcastLocked(msg, "")
	r.mu.Unlock()
}

// SendTo delivers one message to the live session holding nick.
func (r *Registry) SendTo(nick string, msg protocol.Message) bool {
	s, ok := r.Resolve(nick)
	if !ok {
		return false
	}
	return trySend(s.Send, msg)
}

func (r *Registry) rosterLocked() []protocol.RosterEntry {
	out := make([]protocol.RosterEntry, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, protocol.RosterEntry{Nick: s.Nick, Idle: s.idle})
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Nick) < strings.ToLower(out[j].Nick)
	})
	return out
}

func (r *Registry) broadcastRosterLocked() {
	r.broadcastLocked(protocol.Message{
		Type:       protocol.TypeUserList,
		Users:      r.rosterLocked(),
		ServerName: serverName(r.room),
	}, "")
}

// serverName maps a room identifier to the display name clients show in
// their roster header.
func serverName(room string) string {
	if room == RoomRestricted {
		return "After Dark"
	}
	return "Home Chat"
}

func (r *Registry) broadcastLocked(msg protocol.Message, exceptConnID string) {
	for _, s := range r.sessions {
		if s.idle {
			continue
		}
		if exceptConnID != "" && s.ConnID == exceptConnID {
			continue
		}
		trySend(s.Send, msg)
	}
}

func departureNotice(nick string) protocol.Message {
	return protocol.Message{
		Type: protocol.TypeMessage,
		Kind: protocol.KindNotice,
		Body: fmt.Sprintf("%s has left the chat", nick),
	}
}
