package state

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestAccessListAddRemoveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized.json")

	a, err := OpenAccessList(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	added, err := a.Add("dev-b")
	if err != nil || !added {
		t.Fatalf("add: added=%v err=%v", added, err)
	}
	if _, err := a.Add("dev-a"); err != nil {
		t.Fatalf("add second: %v", err)
	}
	if added, _ := a.Add("dev-a"); added {
		t.Fatal("re-adding an authorized device should report no change")
	}
	if !a.Contains("dev-a") || a.Contains("dev-x") {
		t.Fatal("membership checks are wrong")
	}
	if got := a.List(); !reflect.DeepEqual(got, []string{"dev-a", "dev-b"}) {
		t.Fatalf("expected sorted listing, got %v", got)
	}

	a2, err := OpenAccessList(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !a2.Contains("dev-a") || !a2.Contains("dev-b") {
		t.Fatal("grants should survive a reopen")
	}

	removed, err := a2.Remove("dev-a")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	if removed, _ := a2.Remove("dev-a"); removed {
		t.Fatal("removing an absent device should report no change")
	}

	a3, err := OpenAccessList(path)
	if err != nil {
		t.Fatalf("reopen after remove: %v", err)
	}
	if a3.Contains("dev-a") || !a3.Contains("dev-b") {
		t.Fatal("revocation should survive a reopen")
	}
}

func TestAccessListCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized.json")
	if err := os.WriteFile(path, []byte(`{"wrong": "shape"}`), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	a, err := OpenAccessList(path)
	if err != nil {
		t.Fatalf("open should tolerate corruption: %v", err)
	}
	if len(a.List()) != 0 {
		t.Fatal("corrupt file should start empty")
	}
}

func TestAccessListSkipsBlankEntriesOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized.json")
	if err := os.WriteFile(path, []byte(`["dev-a", "", "  "]`), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	a, err := OpenAccessList(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := a.List(); !reflect.DeepEqual(got, []string{"dev-a"}) {
		t.Fatalf("expected blank entries dropped, got %v", got)
	}
}

func TestAccessListRejectsEmptyInput(t *testing.T) {
	a, err := OpenAccessList(filepath.Join(t.TempDir(), "authorized.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := a.Add(" "); err == nil {
		t.Fatal("blank device id should be rejected")
	}
	if _, err := OpenAccessList(""); err == nil {
		t.Fatal("empty path should be rejected")
	}
}
