// Package state persists the device registry and the restricted-room
// authorization store as JSON documents on disk. Both stores tolerate
// missing or corrupt files by starting empty, and rewrite the whole file
// atomically (temp file + rename) after every mutation. A failed write is
// reported to the caller but never invalidates the in-memory state.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DeviceRecord is the last-used display name per room for one device.
type DeviceRecord struct {
	OpenNick       string `json:"home_nick,omitempty"`
	RestrictedNick string `json:"afterdark_nick,omitempty"`
}

// DeviceRegistry maps opaque device identifiers to their per-room display
// names. Records are never deleted automatically; they resolve offline
// targets for admin commands.
type DeviceRegistry struct {
	mu      sync.Mutex
	path    string
	devices map[string]DeviceRecord
}

// OpenDeviceRegistry loads (or initializes) the device registry at path.
func OpenDeviceRegistry(path string) (*DeviceRegistry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("device registry path is required")
	}
	r := &DeviceRegistry{path: path, devices: make(map[string]DeviceRecord)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read device registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.devices); err != nil {
		slog.Warn("device registry corrupt, starting empty", "path", path, "err", err)
		r.devices = make(map[string]DeviceRecord)
	}
	slog.Info("device registry loaded", "path", path, "devices", len(r.devices))
	return r, nil
}

// Get returns the record for a device.
func (r *DeviceRegistry) Get(deviceID string) (DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[deviceID]
	return rec, ok
}

// SetOpenNick records the display name a device last used in the open room.
func (r *DeviceRegistry) SetOpenNick(deviceID, nick string) error {
	return r.update(deviceID, func(rec *DeviceRecord) { rec.OpenNick = nick })
}

// SetRestrictedNick records the display name a device last used in the
// restricted room.
func (r *DeviceRegistry) SetRestrictedNick(deviceID, nick string) error {
	return r.update(deviceID, func(rec *DeviceRecord) { rec.RestrictedNick = nick })
}

func (r *DeviceRegistry) update(deviceID string, mutate func(*DeviceRecord)) error {
	if strings.TrimSpace(deviceID) == "" {
		return fmt.Errorf("device id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.devices[deviceID]
	mutate(&rec)
	r.devices[deviceID] = rec
	return r.saveLocked()
}

// FindByNick returns the device IDs whose last-known name in either room
// matches nick, case-insensitively.
func (r *DeviceRegistry) FindByNick(nick string) []string {
	key := strings.ToLower(strings.TrimSpace(nick))
	if key == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for id, rec := range r.devices {
		if strings.ToLower(rec.OpenNick) == key || strings.ToLower(rec.RestrictedNick) == key {
			out = append(out, id)
		}
	}
	return out
}

// All returns a copy of every device record.
func (r *DeviceRegistry) All() map[string]DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]DeviceRecord, len(r.devices))
	for id, rec := range r.devices {
		out[id] = rec
	}
	return out
}

func (r *DeviceRegistry) saveLocked() error {
	data, err := json.MarshalIndent(r.devices, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device registry: %w", err)
	}
	return writeFileAtomic(r.path, data)
}

// writeFileAtomic writes data to a sibling temp file and renames it over
// path, so readers never observe a partial document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
