package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"homechat/server/internal/core"
	"homechat/server/internal/protocol"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for both rooms.
type Handler struct {
	coord    *core.Coordinator
	version  string
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the room coordinator.
func NewHandler(coord *core.Coordinator, version string) *Handler {
	return &Handler{
		coord:   coord,
		version: version,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleOpen)
	e.GET("/ws/afterdark", h.HandleRestricted)
}

// HandleOpen serves one open-room connection.
func (h *Handler) HandleOpen(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, h.coord.Open, "", false)
	return nil
}

// HandleRestricted gates the restricted room at upgrade time: the device
// must present an admin secret or hold a grant, otherwise the request is
// refused before the websocket ever opens.
func (h *Handler) HandleRestricted(c echo.Context) error {
	deviceID := strings.TrimSpace(c.QueryParam("device_id"))
	secret := c.QueryParam("admin_secret")

	admin, err := h.coord.Authorize(deviceID, secret)
	if err != nil {
		slog.Info("restricted connection refused", "device", deviceID)
		return echo.NewHTTPError(http.StatusForbidden, "not authorized")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, h.coord.Restricted, deviceID, admin)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, room *core.Room, credDeviceID string, admin bool) {
	defer conn.Close()

	connID := uuid.NewString()
	conn.SetReadLimit(1 << 16)

	var hello protocol.Message
	if err := conn.ReadJSON(&hello); err != nil {
		return
	}
	if hello.Type != protocol.TypeRegister {
		h.writeDirect(conn, protocol.Message{Type: protocol.TypeError, Error: "first message must be register"})
		return
	}
	req, err := protocol.DecodeRegister(hello.Register)
	if err != nil {
		h.writeDirect(conn, protocol.Message{Type: protocol.TypeError, Error: err.Error()})
		return
	}
	deviceID := req.DeviceID
	if credDeviceID != "" {
		deviceID = credDeviceID
	}

	session, quiet, err := room.Registry.Register(connID, req.Nickname, deviceID)
	if err != nil {
		h.writeDirect(conn, protocol.Message{Type: protocol.TypeError, Error: err.Error()})
		return
	}
	if admin {
		h.coord.MarkAdminConn(connID)
	}
	h.coord.RecordNick(room.ID, deviceID, session.Nick)

	// The disconnect reason is grace unless an exit/switching event arrives
	// before the transport drops; kicks pre-arm the registry directly.
	reason := core.ReasonGrace
	defer func() {
		room.Registry.MarkDisconnected(connID, reason)
		room.Limiter.Release(connID)
		h.coord.DropAdminConn(connID)
	}()

	sendCh := session.Send
	doneCh := session.Done
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for out := range sendCh {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}()
	go func() {
		// The registry never force-closes a transport; it closes the send
		// queue, signals Done, and this goroutine hangs up once the writer
		// has flushed everything queued (kicked events included), which
		// unblocks the read loop below.
		<-doneCh
		<-writerDone
		_ = conn.Close()
	}()

	room.Registry.SendTo(session.Nick, protocol.Message{Type: protocol.TypeRegistered, Quiet: quiet})
	room.Registry.SendTo(session.Nick, protocol.Message{Type: protocol.TypeVersion, Version: h.version})
	if room.AnnounceJoins {
		granted := true
		room.Registry.SendTo(session.Nick, protocol.Message{Type: protocol.TypeAccess, Granted: &granted, Admin: admin})
		// Silent registrations (room switches) suppress the join broadcast,
		// as do quiet reclaims within the grace period.
		if !quiet && !req.Silent {
			room.AnnounceJoin(session.Nick)
		}
	}

	for {
		var in protocol.Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case protocol.TypePing:
			room.Registry.SendTo(session.Nick, protocol.Message{Type: protocol.TypePong, TS: in.TS})

		case protocol.TypeSend:
			h.handleSend(room, session, connID, in)

		case protocol.TypeChangeNick:
			h.handleRename(room, session, connID, in.Nick)

		case protocol.TypeKick:
			if err := room.Registry.Kick(in.Target, session.Nick); err != nil {
				h.sendHelp(room, session.Nick, err.Error())
				continue
			}
			h.coord.RecordKick(room.ID, session.Nick, in.Target)

		case protocol.TypeExit:
			reason = core.ReasonIntentional

		case protocol.TypeSwitching:
			reason = core.ReasonSwitching

		case protocol.TypeCheckAccess:
			granted, isAdmin := h.coord.CheckAccess(in.DeviceID, in.Secret)
			room.Registry.SendTo(session.Nick, protocol.Message{
				Type:    protocol.TypeAccess,
				Granted: &granted,
				Admin:   isAdmin,
			})

		case protocol.TypeInvite:
			h.handleInvite(room, session.Nick, connID, in.Target)

		case protocol.TypeRevoke:
			h.handleRevoke(room, session.Nick, connID, in.Target)

		case protocol.TypeAscii:
			h.handleAscii(room, session, connID, in.Name)

		default:
			room.Registry.SendTo(session.Nick, protocol.Message{
				Type:  protocol.TypeError,
				Error: "unsupported message type",
			})
		}
	}
}

// handleSend routes one inbound send through the rate limiter and out to
// the room. Violating and muted messages are dropped; only the offender
// hears about it.
func (h *Handler) handleSend(room *core.Room, session *core.Session, connID string, in protocol.Message) {
	verdict := room.Limiter.Check(connID, session.DeviceID, time.Now())
	switch verdict.Decision {
	case core.Muted:
		remaining := strings.TrimSpace(humanize.RelTime(time.Now(), verdict.MutedUntil, "", ""))
		h.sendHelp(room, session.Nick, fmt.Sprintf("You are muted. Try again in %s.", remaining))
		return
	case core.Warned:
		h.sendHelp(room, session.Nick, fmt.Sprintf(
			"Slow down! You are sending messages too fast. %d more violations and you will be muted.",
			verdict.StrikesLeft))
		return
	}

	switch in.Kind {
	case protocol.KindTell:
		// Delivery targets only the resolved recipient; a miss is silent at
		// this layer and the sender keeps their local echo.
		room.DirectMessage(session.Nick, in.To, in.Body)

	case protocol.KindChat:
		room.Broadcast(protocol.Message{
			Type: protocol.TypeMessage,
			Kind: protocol.KindChat,
			Nick: session.Nick,
			Body: in.Body,
		})

	case protocol.KindNotice, protocol.KindEmote:
		room.Broadcast(protocol.Message{
			Type: protocol.TypeMessage,
			Kind: in.Kind,
			Body: in.Body,
		})

	case protocol.KindQuote:
		room.Broadcast(protocol.Message{
			Type:   protocol.TypeMessage,
			Kind:   protocol.KindQuote,
			Text:   in.Text,
			Author: in.Author,
		})

	default:
		room.Registry.SendTo(session.Nick, protocol.Message{
			Type:  protocol.TypeError,
			Error: fmt.Sprintf("unsupported message kind %q", in.Kind),
		})
	}
}

func (h *Handler) handleRename(room *core.Room, session *core.Session, connID, newNick string) {
	old, err := room.Registry.Rename(connID, newNick)
	if err != nil {
		if errors.Is(err, core.ErrNickTaken) {
			h.sendHelp(room, session.Nick, fmt.Sprintf("The name %q is already in use.", newNick))
		}
		// A rename with no resolvable session fails silently.
		return
	}
	h.coord.RecordNick(room.ID, session.DeviceID, session.Nick)
	slog.Debug("nick changed", "room", room.ID, "old", old, "new", session.Nick)
}

func (h *Handler) handleInvite(room *core.Room, nick, connID, target string) {
	if room.ID != core.RoomRestricted || !h.coord.IsAdminConn(connID) {
		h.sendHelp(room, nick, "That is not a valid command.")
		return
	}
	switch err := h.coord.Invite(nick, target); {
	case err == nil:
		h.sendHelp(room, nick, fmt.Sprintf("%s has been invited.", target))
	case errors.Is(err, core.ErrAlreadyAuthorized):
		h.sendHelp(room, nick, fmt.Sprintf("%s is already authorized.", target))
	case errors.Is(err, core.ErrNoDevice):
		h.sendHelp(room, nick, fmt.Sprintf("%s has no known device; they must be online in Home Chat.", target))
	default:
		h.sendHelp(room, nick, fmt.Sprintf("Could not invite %s: user not found in Home Chat.", target))
	}
}

func (h *Handler) handleRevoke(room *core.Room, nick, connID, target string) {
	if room.ID != core.RoomRestricted || !h.coord.IsAdminConn(connID) {
		h.sendHelp(room, nick, "That is not a valid command.")
		return
	}
	switch err := h.coord.Revoke(nick, target); {
	case err == nil:
		h.sendHelp(room, nick, fmt.Sprintf("%s's access has been revoked.", target))
	case errors.Is(err, core.ErrUnauthorized):
		h.sendHelp(room, nick, "You cannot revoke a connected admin.")
	default:
		h.sendHelp(room, nick, fmt.Sprintf("Could not revoke %s: no authorized device found.", target))
	}
}

func (h *Handler) handleAscii(room *core.Room, session *core.Session, connID, name string) {
	verdict := room.Limiter.Check(connID, session.DeviceID, time.Now())
	if verdict.Decision != core.Allowed {
		return
	}
	art, ok := asciiArt[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		h.sendHelp(room, session.Nick, fmt.Sprintf("No ascii art named %q. Try: %s", name, asciiNames()))
		return
	}
	room.Broadcast(protocol.Message{
		Type: protocol.TypeMessage,
		Kind: protocol.KindAscii,
		Nick: session.Nick,
		Art:  art,
	})
}

func (h *Handler) sendHelp(room *core.Room, nick, body string) {
	room.Registry.SendTo(nick, protocol.Message{
		Type: protocol.TypeMessage,
		Kind: protocol.KindHelp,
		Body: body,
	})
}

func (h *Handler) writeDirect(conn *websocket.Conn, msg protocol.Message) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(msg)
}
