package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// AccessList is the persisted set of device identifiers allowed into the
// restricted room. Mutated only via invite, revoke, and auto-enrollment on
// first authorized connect.
type AccessList struct {
	mu      sync.Mutex
	path    string
	devices map[string]struct{}
}

// OpenAccessList loads (or initializes) the authorization store at path.
// The on-disk form is a flat JSON array of device-id strings.
func OpenAccessList(path string) (*AccessList, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("access list path is required")
	}
	a := &AccessList{path: path, devices: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read access list: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		slog.Warn("access list corrupt, starting empty", "path", path, "err", err)
		ids = nil
	}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			a.devices[id] = struct{}{}
		}
	}
	slog.Info("access list loaded", "path", path, "devices", len(a.devices))
	return a, nil
}

// Contains reports whether a device is authorized.
func (a *AccessList) Contains(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.devices[deviceID]
	return ok
}

// Add authorizes a device. Returns false if it was already present; the
// file is only rewritten on actual change.
func (a *AccessList) Add(deviceID string) (bool, error) {
	if strings.TrimSpace(deviceID) == "" {
		return false, fmt.Errorf("device id is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.devices[deviceID]; ok {
		return false, nil
	}
	a.devices[deviceID] = struct{}{}
	return true, a.saveLocked()
}

// Remove revokes a device. Returns false if it was not present.
func (a *AccessList) Remove(deviceID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.devices[deviceID]; !ok {
		return false, nil
	}
	delete(a.devices, deviceID)
	return true, a.saveLocked()
}

// List returns the authorized device IDs in sorted order.
func (a *AccessList) List() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.devices))
	for id := range a.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (a *AccessList) saveLocked() error {
	ids := make([]string, 0, len(a.devices))
	for id := range a.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("encode access list: %w", err)
	}
	return writeFileAtomic(a.path, data)
}
