package core

import (
	"fmt"
	"log/slog"

	"homechat/server/internal/protocol"
)

// Room ties one presence registry to the process-wide rate limiter and
// carries the room-level routing operations. The open and restricted rooms
// behave identically at this layer; only the registry instance differs.
type Room struct {
	ID            string
	AnnounceJoins bool // room broadcasts join notices itself instead of the client

	Registry *Registry
	Limiter  *Limiter
}

// NewRoom creates a room with its own registry. The limiter is shared
// across rooms so a device's strikes and mutes follow it when it switches.
func NewRoom(id string, announceJoins bool, clock Clock, limiter *Limiter) *Room {
	return &Room{
		ID:            id,
		AnnounceJoins: announceJoins,
		Registry:      NewRegistry(id, clock),
		Limiter:       limiter,
	}
}

// Broadcast fans a message envelope out verbatim to every live connection.
// No self-filtering happens here; duplicate suppression is the client's
// presentation concern.
func (rm *Room) Broadcast(msg protocol.Message) {
	rm.Registry.Broadcast(msg)
}

// BroadcastNotice fans out a notice with the given body.
func (rm *Room) BroadcastNotice(body string) {
	rm.Registry.Broadcast(protocol.Message{
		Type: protocol.TypeMessage,
		Kind: protocol.KindNotice,
		Body: body,
	})
}

// BroadcastEmote fans out an emote line ("nick does something").
func (rm *Room) BroadcastEmote(body string) {
	rm.Registry.Broadcast(protocol.Message{
		Type: protocol.TypeMessage,
		Kind: protocol.KindEmote,
		Body: body,
	})
}

// AnnounceJoin broadcasts a join notice when room policy owns the
// announcement (restricted room); open-room clients announce themselves.
func (rm *Room) AnnounceJoin(nick string) {
	if !rm.AnnounceJoins {
		return
	}
	rm.BroadcastNotice(fmt.Sprintf("%s has joined %s", nick, rm.ID))
}

// DirectMessage resolves the recipient case-insensitively and delivers the
// legacy tell envelope plus a mirrored structured dm event, both to that
// single connection, exactly once each. An unresolved recipient drops the
// message silently; the caller owns any "not found" feedback.
func (rm *Room) DirectMessage(from, to, body string) bool {
	target, ok := rm.Registry.Resolve(to)
	if !ok {
		slog.Debug("dm dropped", "room", rm.ID, "from", from, "to", to)
		return false
	}

	trySend(target.Send, protocol.Message{
		Type: protocol.TypeMessage,
		Kind: protocol.KindTell,
		From: from,
		To:   target.Nick,
		Body: body,
	})
	trySend(target.Send, protocol.Message{
		Type: protocol.TypeDM,
		From: from,
		To:   target.Nick,
		Body: body,
	})
	return true
}
