package modlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

func TestNewHasEnabledBase(t *testing.T) {
	s := New()
	enabled, err := s.Enabled("base")
	if err != nil || !enabled {
		t.Fatalf("base should exist and be enabled, got %v, %v", enabled, err)
	}
}

func TestCannotDisableOrRemoveBase(t *testing.T) {
	s := New()
	if err := s.Disable("base"); !ctlerr.Is(err, ctlerr.IllegalOperation) {
		t.Errorf("Disable(base) = %v, want ILLEGAL_OPERATION", err)
	}
	if err := s.Remove("base"); !ctlerr.Is(err, ctlerr.IllegalOperation) {
		t.Errorf("Remove(base) = %v, want ILLEGAL_OPERATION", err)
	}
}

func TestExpansionCanDisableNotRemove(t *testing.T) {
	s := New()
	s.Add("quality", true, nil)
	if err := s.Disable("quality"); err != nil {
		t.Fatalf("Disable(quality) = %v", err)
	}
	if err := s.Remove("quality"); !ctlerr.Is(err, ctlerr.IllegalOperation) {
		t.Errorf("Remove(quality) = %v, want ILLEGAL_OPERATION", err)
	}
}

func TestUnknownEntrySignalsModNotInList(t *testing.T) {
	s := New()
	if err := s.Enable("nope"); !ctlerr.Is(err, ctlerr.ModNotInList) {
		t.Errorf("Enable(nope) = %v, want MOD_NOT_IN_LIST", err)
	}
	if err := s.Disable("nope"); !ctlerr.Is(err, ctlerr.ModNotInList) {
		t.Errorf("Disable(nope) = %v, want MOD_NOT_IN_LIST", err)
	}
	if _, err := s.Version("nope"); !ctlerr.Is(err, ctlerr.ModNotInList) {
		t.Errorf("Version(nope) = %v, want MOD_NOT_IN_LIST", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod-list.json")

	s := New()
	v := semver.MustParse("1.2.3")
	s.Add("foo", true, &v)
	s.Add("bar", false, nil)
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	enabled, err := loaded.Enabled("foo")
	if err != nil || !enabled {
		t.Fatalf("foo enabled = %v, %v", enabled, err)
	}
	gotV, err := loaded.Version("foo")
	if err != nil || gotV == nil || gotV.String() != "1.2.3" {
		t.Fatalf("foo version = %+v, %v", gotV, err)
	}
	if !loaded.Exists("bar") {
		t.Error("bar should exist after reload")
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mod-list.json")
	s := New()
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the final file to remain, got %v", entries)
	}
}

func TestRemoveThenEnableSignalsModNotInList(t *testing.T) {
	s := New()
	s.Add("foo", true, nil)
	if err := s.Remove("foo"); err != nil {
		t.Fatal(err)
	}
	if err := s.Enable("foo"); !ctlerr.Is(err, ctlerr.ModNotInList) {
		t.Errorf("Enable after remove = %v, want MOD_NOT_IN_LIST", err)
	}
}
