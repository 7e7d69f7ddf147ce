package state

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func TestDeviceRegistryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")

	r, err := OpenDeviceRegistry(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.SetOpenNick("dev-1", "Day"); err != nil {
		t.Fatalf("set open nick: %v", err)
	}
	if err := r.SetRestrictedNick("dev-1", "Night"); err != nil {
		t.Fatalf("set restricted nick: %v", err)
	}
	if err := r.SetOpenNick("dev-2", "Other"); err != nil {
		t.Fatalf("set second device: %v", err)
	}

	// A fresh open sees everything the first instance wrote.
	r2, err := OpenDeviceRegistry(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, ok := r2.Get("dev-1")
	if !ok {
		t.Fatal("dev-1 should survive a reopen")
	}
	if rec.OpenNick != "Day" || rec.RestrictedNick != "Night" {
		t.Fatalf("unexpected record after reload: %#v", rec)
	}
	if len(r2.All()) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(r2.All()))
	}
}

func TestDeviceRegistryMissingFileStartsEmpty(t *testing.T) {
	r, err := OpenDeviceRegistry(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(r.All()) != 0 {
		t.Fatal("missing file should start empty")
	}
}

func TestDeviceRegistryCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	r, err := OpenDeviceRegistry(path)
	if err != nil {
		t.Fatalf("open should tolerate corruption: %v", err)
	}
	if len(r.All()) != 0 {
		t.Fatal("corrupt file should start empty")
	}

	// The next write replaces the corrupt document.
	if err := r.SetOpenNick("dev-1", "Ann"); err != nil {
		t.Fatalf("set nick: %v", err)
	}
	r2, err := OpenDeviceRegistry(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := r2.Get("dev-1"); !ok {
		t.Fatal("rewrite after corruption should persist")
	}
}

func TestDeviceRegistryRejectsEmptyIDs(t *testing.T) {
	r, err := OpenDeviceRegistry(filepath.Join(t.TempDir(), "devices.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.SetOpenNick("", "Ann"); err == nil {
		t.Fatal("empty device id should be rejected")
	}
	if err := r.SetOpenNick("   ", "Ann"); err == nil {
		t.Fatal("blank device id should be rejected")
	}
	if _, err := OpenDeviceRegistry(""); err == nil {
		t.Fatal("empty path should be rejected")
	}
}

func TestFindByNickMatchesEitherRoomCaseInsensitive(t *testing.T) {
	r, err := OpenDeviceRegistry(filepath.Join(t.TempDir(), "devices.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.SetOpenNick("dev-1", "Ann"); err != nil {
		t.Fatalf("set nick: %v", err)
	}
	if err := r.SetRestrictedNick("dev-2", "ANN"); err != nil {
		t.Fatalf("set nick: %v", err)
	}
	if err := r.SetOpenNick("dev-3", "Bob"); err != nil {
		t.Fatalf("set nick: %v", err)
	}

	got := r.FindByNick("ann")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "dev-1" || got[1] != "dev-2" {
		t.Fatalf("unexpected matches: %v", got)
	}
	if r.FindByNick("  ") != nil {
		t.Fatal("blank lookup should match nothing")
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.json")

	r, err := OpenDeviceRegistry(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := r.SetOpenNick("dev-1", "Ann"); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}
