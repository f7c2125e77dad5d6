// Package modlist is the JSON mod-list.json manifest tracking which
// mods are enabled and pinned to which version. Saves are atomic
// (write-then-rename) and the reserved "base" entry is always present
// and enabled.
package modlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/modregistry"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// Entry is one mod's persisted state, keyed by name in the store.
type Entry struct {
	Name    string          `json:"name"`
	Enabled bool            `json:"enabled"`
	Version *semver.Version `json:"version,omitempty"`
}

// entryJSON mirrors Entry's wire shape since semver.Version itself has
// no JSON (un)marshaler and mod-list.json stores it as a plain string.
type entryJSON struct {
	Name    string  `json:"name"`
	Enabled bool    `json:"enabled"`
	Version *string `json:"version,omitempty"`
}

type document struct {
	Mods []entryJSON `json:"mods"`
}

// Store is an in-memory, order-preserving mod-list.json manifest.
type Store struct {
	order   []string
	entries map[string]Entry
}

// New builds an empty Store with the mandatory enabled "base" entry.
func New() *Store {
	s := &Store{entries: make(map[string]Entry)}
	s.entries["base"] = Entry{Name: "base", Enabled: true}
	s.order = []string{"base"}
	return s
}

// Load reads path and parses it into a Store. A missing "base" entry
// is added back enabled, since it is always present.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	s := &Store{entries: make(map[string]Entry)}
	for _, e := range doc.Mods {
		entry := Entry{Name: e.Name, Enabled: e.Enabled}
		if e.Version != nil {
			v, err := semver.Parse(*e.Version)
			if err != nil {
				return nil, fmt.Errorf("parsing version for %s in %s: %w", e.Name, path, err)
			}
			entry.Version = &v
		}
		s.entries[e.Name] = entry
		s.order = append(s.order, e.Name)
	}

	if e, ok := s.entries["base"]; !ok {
		s.entries["base"] = Entry{Name: "base", Enabled: true}
		s.order = append([]string{"base"}, s.order...)
	} else if !e.Enabled {
		// "base" is always enabled; a hand-edited file cannot turn it off.
		e.Enabled = true
		s.entries["base"] = e
	}
	return s, nil
}

// Save writes the store to path atomically: the payload is written to a
// sibling temp file, fsynced, then renamed over path so a crash never
// leaves a truncated file.
func (s *Store) Save(path string) error {
	doc := document{}
	for _, name := range s.order {
		e := s.entries[name]
		out := entryJSON{Name: e.Name, Enabled: e.Enabled}
		if e.Version != nil {
			v := e.Version.String()
			out.Version = &v
		}
		doc.Mods = append(doc.Mods, out)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mod list: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".modlist-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// Add inserts or replaces an entry. Adding "base" is a no-op past its
// mandatory enabled state.
func (s *Store) Add(name string, enabled bool, version *semver.Version) {
	if name == "base" {
		return
	}
	if _, exists := s.entries[name]; !exists {
		s.order = append(s.order, name)
	}
	s.entries[name] = Entry{Name: name, Enabled: enabled, Version: version}
}

// Remove deletes name. "base" cannot be removed (ILLEGAL_OPERATION);
// expansion entries may be disabled but not removed either.
func (s *Store) Remove(name string) error {
	if name == "base" {
		return ctlerr.New(ctlerr.IllegalOperation, "cannot remove the reserved %q entry", name)
	}
	if modregistry.IsReservedExpansion(name) {
		return ctlerr.New(ctlerr.IllegalOperation, "cannot remove expansion %q, only disable it", name)
	}
	if _, ok := s.entries[name]; !ok {
		return ctlerr.New(ctlerr.ModNotInList, "%q is not in the mod list", name)
	}
	delete(s.entries, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Enable sets name's enabled flag to true.
func (s *Store) Enable(name string) error { return s.setEnabled(name, true) }

// Disable sets name's enabled flag to false. "base" cannot be disabled
// (ILLEGAL_OPERATION).
func (s *Store) Disable(name string) error {
	if name == "base" {
		return ctlerr.New(ctlerr.IllegalOperation, "cannot disable the reserved %q entry", name)
	}
	return s.setEnabled(name, false)
}

func (s *Store) setEnabled(name string, enabled bool) error {
	e, ok := s.entries[name]
	if !ok {
		return ctlerr.New(ctlerr.ModNotInList, "%q is not in the mod list", name)
	}
	e.Enabled = enabled
	s.entries[name] = e
	return nil
}

// Version returns name's pinned version, if any.
func (s *Store) Version(name string) (*semver.Version, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, ctlerr.New(ctlerr.ModNotInList, "%q is not in the mod list", name)
	}
	return e.Version, nil
}

// Enabled reports whether name is enabled.
func (s *Store) Enabled(name string) (bool, error) {
	e, ok := s.entries[name]
	if !ok {
		return false, ctlerr.New(ctlerr.ModNotInList, "%q is not in the mod list", name)
	}
	return e.Enabled, nil
}

// Exists reports whether name has an entry.
func (s *Store) Exists(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Each calls fn for every entry in insertion order.
func (s *Store) Each(fn func(Entry)) {
	for _, name := range s.order {
		fn(s.entries[name])
	}
}
