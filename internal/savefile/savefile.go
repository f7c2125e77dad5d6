// Package savefile opens a Factorio save archive, locates its level
// container, and parses the container's fixed binary header plus its
// embedded startup-settings property tree. The header is built from the
// same primitive vocabulary the settings file uses (space-optimized
// integers, booleans, property trees), so decoding reuses
// internal/ptree's readers.
package savefile

import (
	"archive/zip"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/sawtoothlabs/modctl/internal/ptree"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// candidateMembers are the level-container member names tried in
// priority order; newer saves carry level.dat0, older ones
// level-init.dat.
var candidateMembers = []string{"level.dat0", "level-init.dat"}

// ModReference is one entry of the header's mod list: every mod listed
// in a save is treated as enabled.
type ModReference struct {
	Name    string
	Version semver.Version
	CRC     uint32
}

// Header is the save's fixed binary header. The completion and replay
// state is the four flags Factorio's save format carries at this
// position: Finished, PlayerWon, NextLevelDefined, CanContinue.
type Header struct {
	GameVersion      semver.GameVersion
	Campaign         string
	LevelName        string
	BaseMod          string
	Difficulty       byte
	Finished         bool
	PlayerWon        bool
	NextLevelDefined bool
	CanContinue      bool
	ModVersion       semver.Version
	Build            uint16
	AllowedCommands  byte
	Mods             []ModReference
}

// Save is a parsed save archive: the header plus the startup settings
// property tree.
type Save struct {
	Header          Header
	StartupSettings ptree.Value
}

// Open reads the save archive at path: finds the level container member
// (level.dat0 tried before level-init.dat), decompresses it if needed,
// and parses the header and startup settings.
func Open(path string) (*Save, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening save %s: %w", path, err)
	}
	defer r.Close()
	return Read(&r.Reader)
}

// Read parses a save already opened as a zip.Reader (used by tests and
// by callers holding an in-memory archive).
func Read(zr *zip.Reader) (*Save, error) {
	member, name, err := findMember(zr)
	if err != nil {
		return nil, err
	}
	defer member.Close()

	stream, err := decodeStream(member)
	if err != nil {
		return nil, fmt.Errorf("decoding level container %s: %w", name, err)
	}

	header, err := readHeader(stream)
	if err != nil {
		return nil, fmt.Errorf("parsing save header in %s: %w", name, err)
	}

	if _, err := io.CopyN(io.Discard, stream, 4); err != nil {
		return nil, fmt.Errorf("reading opaque trailer in %s: %w", name, err)
	}

	startup, err := ptree.Read(stream)
	if err != nil {
		return nil, fmt.Errorf("parsing startup settings in %s: %w", name, err)
	}

	return &Save{Header: header, StartupSettings: startup}, nil
}

func findMember(zr *zip.Reader) (io.ReadCloser, string, error) {
	for _, name := range candidateMembers {
		for _, f := range zr.File {
			if f.Name == name || hasSuffixComponent(f.Name, name) {
				rc, err := f.Open()
				if err != nil {
					return nil, "", fmt.Errorf("opening %s: %w", name, err)
				}
				return rc, name, nil
			}
		}
	}
	return nil, "", fmt.Errorf("no level container (%v) found in save archive", candidateMembers)
}

// hasSuffixComponent reports whether fullName's base path component
// equals name, so "MySave/level.dat0" matches "level.dat0" the way a
// real save's top-level directory wraps every member.
func hasSuffixComponent(fullName, name string) bool {
	return len(fullName) > len(name) && fullName[len(fullName)-len(name)-1] == '/' && fullName[len(fullName)-len(name):] == name
}

// decodeStream wraps r in a zlib reader if the first byte is 0x78 (the
// zlib magic), otherwise returns the raw stream.
func decodeStream(r io.Reader) (io.Reader, error) {
	br := bufReaderOne(r)
	first, err := br.peek()
	if err != nil {
		return nil, err
	}
	if first == 0x78 {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, err
		}
		return zr, nil
	}
	return br, nil
}

// peekableReader lets decodeStream inspect the first byte without
// consuming it from the underlying stream's perspective.
type peekableReader struct {
	first    byte
	havePeek bool
	peeked   bool
	r        io.Reader
}

func bufReaderOne(r io.Reader) *peekableReader { return &peekableReader{r: r} }

func (p *peekableReader) peek() (byte, error) {
	if !p.havePeek {
		var b [1]byte
		if _, err := io.ReadFull(p.r, b[:]); err != nil {
			return 0, err
		}
		p.first = b[0]
		p.havePeek = true
	}
	return p.first, nil
}

func (p *peekableReader) Read(buf []byte) (int, error) {
	if p.havePeek && !p.peeked && len(buf) > 0 {
		p.peeked = true
		buf[0] = p.first
		rest, err := p.r.Read(buf[1:])
		return 1 + rest, err
	}
	return p.r.Read(buf)
}

func readHeader(r io.Reader) (Header, error) {
	var h Header
	var err error

	if h.GameVersion, err = ptree.ReadGameVersion(r); err != nil {
		return h, err
	}
	if _, err = ptree.ReadU8(r); err != nil { // skipped byte
		return h, err
	}
	if h.Campaign, err = ptree.ReadString(r); err != nil {
		return h, err
	}
	if h.LevelName, err = ptree.ReadString(r); err != nil {
		return h, err
	}
	if h.BaseMod, err = ptree.ReadString(r); err != nil {
		return h, err
	}
	if h.Difficulty, err = ptree.ReadU8(r); err != nil {
		return h, err
	}
	if h.Finished, err = ptree.ReadBool(r); err != nil {
		return h, err
	}
	if h.PlayerWon, err = ptree.ReadBool(r); err != nil {
		return h, err
	}
	if h.NextLevelDefined, err = ptree.ReadBool(r); err != nil {
		return h, err
	}
	if h.CanContinue, err = ptree.ReadBool(r); err != nil {
		return h, err
	}
	if h.ModVersion, err = ptree.ReadVersion(r); err != nil {
		return h, err
	}
	if h.Build, err = ptree.ReadU16(r); err != nil {
		return h, err
	}
	if h.AllowedCommands, err = ptree.ReadU8(r); err != nil {
		return h, err
	}
	// three padding-like fields (bool, u32, bool), not interpreted.
	if _, err = ptree.ReadBool(r); err != nil {
		return h, err
	}
	if _, err = ptree.ReadU32(r); err != nil {
		return h, err
	}
	if _, err = ptree.ReadBool(r); err != nil {
		return h, err
	}

	count, err := ptree.ReadSpaceOptimU32(r)
	if err != nil {
		return h, err
	}
	h.Mods = make([]ModReference, count)
	for i := uint32(0); i < count; i++ {
		var m ModReference
		if m.Name, err = ptree.ReadString(r); err != nil {
			return h, err
		}
		if m.Version, err = ptree.ReadVersion(r); err != nil {
			return h, err
		}
		if m.CRC, err = ptree.ReadU32(r); err != nil {
			return h, err
		}
		h.Mods[i] = m
	}

	return h, nil
}

// StartupValue looks up one setting under the startup section by key,
// unwrapping the {"value": <tree>} shape the settings file uses.
// Returns false if absent or the tree is not a dictionary.
func (s *Save) StartupValue(key string) (ptree.Value, bool) {
	if s.StartupSettings.Tag != ptree.TagDict {
		return ptree.Value{}, false
	}
	entry, ok := ptree.DictGet(s.StartupSettings.Dict, key)
	if !ok || entry.Tag != ptree.TagDict {
		return ptree.Value{}, false
	}
	return ptree.DictGet(entry.Dict, "value")
}
