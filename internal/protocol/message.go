package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message types used by the websocket protocol.
const (
	TypeRegister    = "register"
	TypeRegistered  = "registered"
	TypeSend        = "send"
	TypeMessage     = "message"
	TypeDM          = "dm"
	TypeUserList    = "user_list"
	TypeChangeNick  = "change_nick"
	TypeKick        = "kick"
	TypeKicked      = "kicked"
	TypeExit        = "exit"
	TypeSwitching   = "switching"
	TypeCheckAccess = "check_access"
	TypeAccess      = "access"
	TypeInvite      = "invite"
	TypeRevoke      = "revoke"
	TypeRevoked     = "revoked"
	TypeAscii       = "ascii"
	TypeVersion     = "version"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Kinds carried by send/message envelopes.
const (
	KindChat   = "chat"
	KindNotice = "notice"
	KindEmote  = "emote"
	KindTell   = "tell"
	KindHelp   = "help"
	KindQuote  = "quote"
	KindAscii  = "ascii"
)

// Message is the JSON control envelope exchanged over websocket.
type Message struct {
	Type       string          `json:"type"`
	Kind       string          `json:"kind,omitempty"`    // send/message: chat/notice/emote/tell/help/quote/ascii
	Nick       string          `json:"nick,omitempty"`    // chat/emote/ascii: sender display name
	Body       string          `json:"message,omitempty"` // chat/notice/emote/tell/help: text body
	To         string          `json:"to,omitempty"`      // tell: recipient display name
	From       string          `json:"from,omitempty"`    // tell: sender display name
	Target     string          `json:"target,omitempty"`  // kick/invite/revoke: target display name
	By         string          `json:"by,omitempty"`      // kicked: who issued the kick
	Quiet      bool            `json:"quiet,omitempty"`   // registered: reconnect within grace, no announcement
	Granted    *bool           `json:"granted,omitempty"` // access: restricted-room access decision
	Admin      bool            `json:"admin,omitempty"`   // access: authenticated via admin secret
	Users      []RosterEntry   `json:"users,omitempty"`   // user_list: current roster
	ServerName string          `json:"server_name,omitempty"`
	Text       string          `json:"text,omitempty"`   // quote: quote body
	Author     string          `json:"author,omitempty"` // quote: quote attribution
	Art        string          `json:"art,omitempty"`    // ascii: resolved art block
	Name       string          `json:"name,omitempty"`   // ascii: requested art name
	DeviceID   string          `json:"device_id,omitempty"`
	Secret     string          `json:"admin_secret,omitempty"`
	Version    string          `json:"version,omitempty"`
	TS         int64           `json:"ts,omitempty"` // ping/pong Unix ms
	Error      string          `json:"error,omitempty"`
	Register   json.RawMessage `json:"payload,omitempty"` // register: string or object payload
}

// RosterEntry is one roster line in a user_list push.
type RosterEntry struct {
	Nick string `json:"nick"`
	Idle bool   `json:"idle,omitempty"`
}

// RegisterRequest is the register payload resolved to one shape at the
// boundary. Legacy clients send a bare nickname string; newer clients send
// an object carrying a device identifier and a silent flag.
type RegisterRequest struct {
	Nickname string `json:"nickname"`
	DeviceID string `json:"device_id"`
	Silent   bool   `json:"silent"`
}

// DecodeRegister resolves the string-or-object register payload.
func DecodeRegister(raw json.RawMessage) (RegisterRequest, error) {
	if len(raw) == 0 {
		return RegisterRequest{}, fmt.Errorf("register payload is required")
	}
	var nick string
	if err := json.Unmarshal(raw, &nick); err == nil {
		return RegisterRequest{Nickname: nick}, nil
	}
	var req RegisterRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return RegisterRequest{}, fmt.Errorf("decode register payload: %w", err)
	}
	return req, nil
}

// MaxNickLength is the maximum UTF-8 byte length for display names.
const MaxNickLength = 32

// ValidateNick trims whitespace and rejects empty or oversized names.
func ValidateNick(s string) (string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "", fmt.Errorf("nickname must not be empty")
	case len(s) > MaxNickLength:
		return "", fmt.Errorf("nickname must not exceed %d characters", MaxNickLength)
	}
	return s, nil
}
