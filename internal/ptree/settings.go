package ptree

import (
	"io"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// Top-level section names of the settings file's dictionary.
const (
	SectionStartup        = "startup"
	SectionRuntimeGlobal  = "runtime-global"
	SectionRuntimePerUser = "runtime-per-user"
)

// SettingsFile is the on-disk settings format: the writing game's
// version, one discarded byte, then a property tree whose top-level
// dictionary is keyed by the three section names. Each section maps a
// setting key to a dictionary holding the actual value under "value".
type SettingsFile struct {
	Version semver.GameVersion
	Tree    Value
}

// ReadSettingsFile decodes a settings file from r. The byte after the
// version is consumed and discarded; the root of the tree must be a
// dictionary.
func ReadSettingsFile(r io.Reader) (*SettingsFile, error) {
	v, err := ReadGameVersion(r)
	if err != nil {
		return nil, err
	}
	if _, err := readU8(r); err != nil { // skipped byte
		return nil, err
	}
	tree, err := Read(r)
	if err != nil {
		return nil, err
	}
	if tree.Tag != TagDict {
		return nil, ctlerr.New(ctlerr.FormatError, "settings root has tag %d, not a dictionary", tree.Tag)
	}
	return &SettingsFile{Version: v, Tree: tree}, nil
}

// WriteSettingsFile encodes s to w. The byte after the version is
// always written as false.
func WriteSettingsFile(w io.Writer, s *SettingsFile) error {
	if err := WriteGameVersion(w, s.Version); err != nil {
		return err
	}
	if err := writeBool(w, false); err != nil {
		return err
	}
	if s.Tree.Tag != TagDict {
		return ctlerr.New(ctlerr.FormatError, "settings root has tag %d, not a dictionary", s.Tree.Tag)
	}
	return Write(w, s.Tree)
}

// Section returns the named top-level section's entries.
func (s *SettingsFile) Section(name string) ([]DictEntry, bool) {
	v, ok := DictGet(s.Tree.Dict, name)
	if !ok || v.Tag != TagDict {
		return nil, false
	}
	return v.Dict, true
}

// Setting returns the unwrapped value of key within the named section,
// looking through the {"value": <tree>} wrapper each setting carries.
func (s *SettingsFile) Setting(section, key string) (Value, bool) {
	entries, ok := s.Section(section)
	if !ok {
		return Value{}, false
	}
	wrapper, ok := DictGet(entries, key)
	if !ok || wrapper.Tag != TagDict {
		return Value{}, false
	}
	return DictGet(wrapper.Dict, "value")
}
