// Package modregistry scans the user mod directory and the game data
// directory for installed mods in either archive or directory form. A
// single corrupt candidate never propagates its error into the rest of
// the scan.
package modregistry

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sawtoothlabs/modctl/internal/ctllog"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// expansionNames is the small fixed set of names reserved as
// "expansion". "base" is tracked separately since it is always present.
var expansionNames = map[string]bool{
	"elevated-rails": true,
	"quality":        true,
	"space-age":      true,
}

// IsReservedExpansion reports whether name is one of the fixed
// expansion names.
func IsReservedExpansion(name string) bool { return expansionNames[name] }

// InstallForm is how a mod is laid out on disk.
type InstallForm int

const (
	Archive InstallForm = iota
	Directory
)

func (f InstallForm) String() string {
	if f == Directory {
		return "DIRECTORY"
	}
	return "ARCHIVE"
}

// Info projects a mod's info.json.
type Info struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Title           string   `json:"title"`
	Author          string   `json:"author"`
	Contact         string   `json:"contact,omitempty"`
	Homepage        string   `json:"homepage,omitempty"`
	Description     string   `json:"description"`
	Dependencies    []string `json:"dependencies"`
	FactorioVersion string   `json:"factorio_version,omitempty"`
}

// InstalledMod is one accepted scan result.
type InstalledMod struct {
	Name    string
	Version semver.Version
	Form    InstallForm
	Path    string
	Info    Info
}

// Builtin reports whether m is "base" or one of the reserved expansion
// names.
func (m InstalledMod) Builtin() bool {
	return m.Name == "base" || expansionNames[m.Name]
}

// Scan discovers installed mods under userModDir (archives and
// directories) and gameDataDir (directories only, restricted to "base"
// and the reserved expansion names). Individual corrupt candidates are
// logged and skipped rather than propagated.
func Scan(userModDir, gameDataDir string, logger ctllog.Logger) ([]InstalledMod, error) {
	if logger == nil {
		logger = ctllog.Discard{}
	}
	var all []InstalledMod

	entries, err := os.ReadDir(userModDir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return nil, fmt.Errorf("reading mod directory %s: %w", userModDir, err)
		}
	}
	for _, e := range entries {
		path := filepath.Join(userModDir, e.Name())
		var mod InstalledMod
		var ok bool
		if e.IsDir() {
			mod, ok = scanDirectory(path, e.Name(), logger)
		} else if strings.HasSuffix(e.Name(), ".zip") {
			mod, ok = scanArchive(path, e.Name(), logger)
		} else {
			continue
		}
		if ok {
			all = append(all, mod)
		}
	}

	gameEntries, err := os.ReadDir(gameDataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading game data directory %s: %w", gameDataDir, err)
		}
		gameEntries = nil
	}
	for _, e := range gameEntries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if name != "base" && !expansionNames[name] {
			continue
		}
		path := filepath.Join(gameDataDir, name)
		if mod, ok := scanDirectory(path, name, logger); ok {
			all = append(all, mod)
		}
	}

	return dedupe(all), nil
}

// scanDirectory requires either "name/" or "name_version/" and a
// top-level info.json.
func scanDirectory(path, dirName string, logger ctllog.Logger) (InstalledMod, bool) {
	infoPath := filepath.Join(path, "info.json")
	info, err := readInfo(infoPath)
	if err != nil {
		logger.Debugf("modregistry: skipping directory %s: %v", path, err)
		return InstalledMod{}, false
	}

	expected1 := info.Name
	expected2 := fmt.Sprintf("%s_%s", info.Name, info.Version)
	if dirName != expected1 && dirName != expected2 {
		logger.Debugf("modregistry: skipping directory %s: name does not match %q or %q", path, expected1, expected2)
		return InstalledMod{}, false
	}

	v, err := semver.Parse(info.Version)
	if err != nil {
		logger.Debugf("modregistry: skipping directory %s: %v", path, err)
		return InstalledMod{}, false
	}

	return InstalledMod{Name: info.Name, Version: v, Form: Directory, Path: path, Info: info}, true
}

// scanArchive requires the archive filename to be exactly
// "name_version.zip" and an info.json at "name_version/info.json"
// inside the archive.
func scanArchive(path, fileName string, logger ctllog.Logger) (InstalledMod, bool) {
	stem := strings.TrimSuffix(fileName, ".zip")
	r, err := zip.OpenReader(path)
	if err != nil {
		logger.Debugf("modregistry: skipping archive %s: %v", path, err)
		return InstalledMod{}, false
	}
	defer r.Close()

	data, err := readZipMember(&r.Reader, stem+"/info.json")
	if err != nil {
		logger.Debugf("modregistry: skipping archive %s: %v", path, err)
		return InstalledMod{}, false
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		logger.Debugf("modregistry: skipping archive %s: invalid info.json: %v", path, err)
		return InstalledMod{}, false
	}

	if stem != fmt.Sprintf("%s_%s", info.Name, info.Version) {
		logger.Debugf("modregistry: skipping archive %s: filename does not match %s_%s.zip", path, info.Name, info.Version)
		return InstalledMod{}, false
	}

	v, err := semver.Parse(info.Version)
	if err != nil {
		logger.Debugf("modregistry: skipping archive %s: %v", path, err)
		return InstalledMod{}, false
	}

	return InstalledMod{Name: info.Name, Version: v, Form: Archive, Path: path, Info: info}, true
}

func readInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return info, nil
}

func readZipMember(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fs.ErrNotExist
}

// dedupe collapses (name, version) duplicates, preferring DIRECTORY
// over ARCHIVE, and returns the set sorted by version descending within
// each name.
func dedupe(mods []InstalledMod) []InstalledMod {
	type key struct {
		name    string
		version string
	}
	best := make(map[key]InstalledMod)
	for _, m := range mods {
		k := key{m.Name, m.Version.String()}
		existing, ok := best[k]
		if !ok || (m.Form == Directory && existing.Form == Archive) {
			best[k] = m
		}
	}

	out := make([]InstalledMod, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version.Greater(out[j].Version)
	})
	return out
}
