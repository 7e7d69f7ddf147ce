package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"homechat/server/internal/protocol"
	"homechat/server/internal/state"
)

// Room identifiers. The process owns exactly these two rooms.
const (
	RoomOpen       = "home"
	RoomRestricted = "afterdark"
)

// Sentinel errors surfaced to requesters. None of these are fatal to a room.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNotFound          = errors.New("target not found")
	ErrNoDevice          = errors.New("target has no known device; authorization by name alone is not possible")
	ErrAlreadyAuthorized = errors.New("device is already authorized")
)

// Audit records admin actions. The SQLite store satisfies this; a nil audit
// is silently skipped.
type Audit interface {
	Record(actor, action, target string)
}

// AccessStatus describes how an authorized device is currently reachable.
type AccessStatus string

const (
	StatusOnlineRestricted AccessStatus = "online_afterdark"
	StatusOnlineOpen       AccessStatus = "online_home"
	StatusOffline          AccessStatus = "offline"
)

// AccessInfo is one row of the admin access listing.
type AccessInfo struct {
	DeviceID string       `json:"device_id"`
	Nick     string       `json:"nick,omitempty"`
	Status   AccessStatus `json:"status"`
}

// Coordinator owns the open and restricted rooms and mediates everything
// that crosses between them: device authorization, invites, revocations,
// and access-granted pushes. The device registry and access list are shared
// across rooms; the coordinator is their only writer.
type Coordinator struct {
	Open       *Room
	Restricted *Room

	devices     *state.DeviceRegistry
	access      *state.AccessList
	adminSecret string
	audit       Audit

	mu         sync.Mutex
	adminConns map[string]struct{} // restricted-room connections authenticated via secret
}

// NewCoordinator wires the room pair to its shared stores. An empty admin
// secret leaves the restricted room refusing every connection.
func NewCoordinator(devices *state.DeviceRegistry, access *state.AccessList, adminSecret string, audit Audit, clock Clock) *Coordinator {
	// One limiter for both rooms: strike and mute state is per device, not
	// per room, so a mute holds across a room switch.
	limiter := NewLimiter()
	return &Coordinator{
		Open:        NewRoom(RoomOpen, false, clock, limiter),
		Restricted:  NewRoom(RoomRestricted, true, clock, limiter),
		devices:     devices,
		access:      access,
		adminSecret: adminSecret,
		audit:       audit,
		adminConns:  make(map[string]struct{}),
	}
}

// RoomByID returns the room with the given identifier.
func (c *Coordinator) RoomByID(id string) (*Room, bool) {
	switch id {
	case RoomOpen:
		return c.Open, true
	case RoomRestricted:
		return c.Restricted, true
	}
	return nil, false
}

// Authorize decides a restricted-room connection attempt. Admin wins on an
// exact secret match; members must be on the access list; everyone else is
// refused before registration. The first successful connect self-enrolls
// the device so invited users keep access across restarts.
func (c *Coordinator) Authorize(deviceID, secret string) (admin bool, err error) {
	if c.adminSecret == "" {
		return false, ErrUnauthorized
	}
	switch {
	case secret != "" && secret == c.adminSecret:
		admin = true
	case deviceID != "" && c.access.Contains(deviceID):
		admin = false
	default:
		return false, ErrUnauthorized
	}

	if deviceID != "" && !c.access.Contains(deviceID) {
		if _, err := c.access.Add(deviceID); err != nil {
			// Degraded: the grant lives in memory until the next clean write.
			slog.Error("persist access self-enrollment", "device", deviceID, "err", err)
		} else {
			slog.Info("device self-enrolled", "device", deviceID, "admin", admin)
		}
	}
	return admin, nil
}

// CheckAccess answers the open room's access probe with no side effects.
func (c *Coordinator) CheckAccess(deviceID, secret string) (granted, admin bool) {
	if c.adminSecret == "" {
		return false, false
	}
	if secret != "" && secret == c.adminSecret {
		return true, true
	}
	return deviceID != "" && c.access.Contains(deviceID), false
}

// MarkAdminConn tags a restricted-room connection as secret-authenticated.
func (c *Coordinator) MarkAdminConn(connID string) {
	c.mu.Lock()
	c.adminConns[connID] = struct{}{}
	c.mu.Unlock()
}

// DropAdminConn forgets a closed restricted-room connection.
func (c *Coordinator) DropAdminConn(connID string) {
	c.mu.Lock()
	delete(c.adminConns, connID)
	c.mu.Unlock()
}

// IsAdminConn reports whether a connection authenticated via the secret.
func (c *Coordinator) IsAdminConn(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.adminConns[connID]
	return ok
}

// Invite grants restricted-room access to a user currently in the open
// room. Resolution is by live open-room session only: a user who is not
// connected has no device to authorize.
func (c *Coordinator) Invite(by, target string) error {
	deviceID, ok := c.Open.Registry.DeviceFor(target)
	if !ok {
		if _, live := c.Open.Registry.Resolve(target); live {
			return ErrNoDevice
		}
		return ErrNotFound
	}
	if c.access.Contains(deviceID) {
		return ErrAlreadyAuthorized
	}
	if _, err := c.access.Add(deviceID); err != nil {
		slog.Error("persist invite", "device", deviceID, "err", err)
	}
	c.recordAudit(by, "invite", target)

	granted := true
	c.Open.Registry.SendTo(target, protocol.Message{
		Type:    protocol.TypeAccess,
		Granted: &granted,
	})
	slog.Info("access granted", "by", by, "target", target, "device", deviceID)
	return nil
}

// Revoke removes restricted-room access. A target who is a connected admin
// in the restricted room cannot be revoked. The device resolves through
// live sessions first, then the device registry filtered to devices that
// actually hold a grant.
func (c *Coordinator) Revoke(by, target string) error {
	if s, ok := c.Restricted.Registry.Lookup(target); ok && c.IsAdminConn(s.ConnID) {
		return fmt.Errorf("%w: cannot revoke a connected admin", ErrUnauthorized)
	}

	deviceIDs := c.resolveDevicesFor(target)
	if len(deviceIDs) == 0 {
		return ErrNotFound
	}

	removedAny := false
	for _, id := range deviceIDs {
		removed, err := c.access.Remove(id)
		if err != nil {
			slog.Error("persist revoke", "device", id, "err", err)
		}
		removedAny = removedAny || removed
	}
	if !removedAny {
		return ErrNotFound
	}
	c.recordAudit(by, "revoke", target)

	granted := false
	c.Open.Registry.SendTo(target, protocol.Message{
		Type:    protocol.TypeAccess,
		Granted: &granted,
	})
	if c.Restricted.Registry.SendTo(target, protocol.Message{Type: protocol.TypeRevoked}) {
		slog.Info("revoked user pushed out of restricted room", "target", target)
	}
	slog.Info("access revoked", "by", by, "target", target, "devices", len(deviceIDs))
	return nil
}

// resolveDevicesFor finds the device IDs behind a display name with a fixed
// fallback chain: live open session, live restricted session, then the
// device registry filtered to authorized devices.
func (c *Coordinator) resolveDevicesFor(nick string) []string {
	if id, ok := c.Open.Registry.DeviceFor(nick); ok {
		return []string{id}
	}
	if id, ok := c.Restricted.Registry.DeviceFor(nick); ok {
		return []string{id}
	}
	var out []string
	for _, id := range c.devices.FindByNick(nick) {
		if c.access.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// RecordNick persists a device's display name for the given room after a
// successful registration or rename. Persistence failure degrades, never
// blocks the session.
func (c *Coordinator) RecordNick(roomID, deviceID, nick string) {
	if deviceID == "" {
		return
	}
	var err error
	switch roomID {
	case RoomRestricted:
		err = c.devices.SetRestrictedNick(deviceID, nick)
	default:
		err = c.devices.SetOpenNick(deviceID, nick)
	}
	if err != nil {
		slog.Error("persist device nick", "room", roomID, "device", deviceID, "err", err)
	}
}

// RecordKick audits a kick issued in either room.
func (c *Coordinator) RecordKick(roomID, by, target string) {
	c.recordAudit(by, "kick:"+roomID, target)
}

// AccessOverview lists every authorized device for admin UIs, tagged as
// online in the restricted room, online in the open room, or offline.
// Offline rows resolve purely from the device registry.
func (c *Coordinator) AccessOverview() []AccessInfo {
	out := make([]AccessInfo, 0)
	for _, id := range c.access.List() {
		info := AccessInfo{DeviceID: id, Status: StatusOffline}
		rec, _ := c.devices.Get(id)

		if nick, ok := liveNickForDevice(c.Restricted.Registry, id); ok {
			info.Status = StatusOnlineRestricted
			info.Nick = nick
		} else if nick, ok := liveNickForDevice(c.Open.Registry, id); ok {
			info.Status = StatusOnlineOpen
			info.Nick = nick
		} else if rec.RestrictedNick != "" {
			info.Nick = rec.RestrictedNick
		} else {
			info.Nick = rec.OpenNick
		}
		out = append(out, info)
	}
	return out
}

func liveNickForDevice(r *Registry, deviceID string) (string, bool) {
	for _, entry := range r.Roster() {
		if entry.Idle {
			continue
		}
		if id, ok := r.DeviceFor(entry.Nick); ok && id == deviceID {
			return entry.Nick, true
		}
	}
	return "", false
}

func (c *Coordinator) recordAudit(actor, action, target string) {
	if c.audit == nil {
		return
	}
	c.audit.Record(actor, action, target)
}
