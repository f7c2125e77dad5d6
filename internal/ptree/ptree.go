// Package ptree is the binary property-tree codec used by the settings
// file format and embedded in save archives: the primitive integer,
// string, and boolean encodings plus the tagged, recursively-typed
// tree. Reads and writes are symmetric, so write(read(x)) reproduces x
// byte-for-byte.
package ptree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// Tag identifies a property tree node's concrete type.
type Tag byte

const (
	TagNone   Tag = 0
	TagBool   Tag = 1
	TagNumber Tag = 2 // double
	TagString Tag = 3
	TagList   Tag = 4
	TagDict   Tag = 5
	TagSigned Tag = 6 // decoder-only in practice
	TagUint   Tag = 7
)

// DictEntry is one (key, value) pair of a Dictionary node. Dictionaries
// preserve the order entries were read in (or were constructed in) rather
// than normalizing to a map, so that write(read(x)) reproduces x
// byte-for-byte rather than merely value-for-value.
type DictEntry struct {
	Key   string
	Value Value
}

// Value is a property tree node. Exactly one of the typed fields is
// meaningful, selected by Tag; List/Dict are recursive.
type Value struct {
	Tag    Tag
	Bool   bool
	Number float64
	Str    string
	List   []Value
	Dict   []DictEntry
	Signed int64
	Uint   uint64
}

func None() Value              { return Value{Tag: TagNone} }
func Bool(b bool) Value        { return Value{Tag: TagBool, Bool: b} }
func Number(n float64) Value   { return Value{Tag: TagNumber, Number: n} }
func String(s string) Value    { return Value{Tag: TagString, Str: s} }
func List(items []Value) Value { return Value{Tag: TagList, List: items} }
func Dict(entries []DictEntry) Value {
	return Value{Tag: TagDict, Dict: entries}
}
func Uint(u uint64) Value  { return Value{Tag: TagUint, Uint: u} }
func Signed(i int64) Value { return Value{Tag: TagSigned, Signed: i} }

// DictGet looks up key within a Dictionary's entries, Factorio settings
// files being small enough that a linear scan is the simplest correct
// thing (mirrors a JSON object lookup, not a hot path).
func DictGet(entries []DictEntry, key string) (Value, bool) {
	for _, e := range entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

var rgbaRe = regexp.MustCompile(`(?i)^rgba:([0-9a-f]{8})$`)

// --- primitive readers ---

func readU8(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ctlerr.Wrap(ctlerr.FormatError, err, "short read (u8)")
	}
	return b[0], nil
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ctlerr.Wrap(ctlerr.FormatError, err, "short read (u16)")
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ctlerr.Wrap(ctlerr.FormatError, err, "short read (u32)")
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readDouble(r io.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, ctlerr.Wrap(ctlerr.FormatError, err, "short read (double)")
	}
	bits := binary.LittleEndian.Uint64(b[:])
	return math.Float64frombits(bits), nil
}

// readSpaceOptimU16 reads the space-optimized u16: one byte N; if N < 0xFF
// the value is N, else the next 2 bytes (little-endian) are the value.
func readSpaceOptimU16(r io.Reader) (uint16, error) {
	n, err := readU8(r)
	if err != nil {
		return 0, err
	}
	if n < 0xFF {
		return uint16(n), nil
	}
	return readU16(r)
}

// readSpaceOptimU32 reads the space-optimized u32: one byte N; if N < 0xFF
// the value is N, else the next 4 bytes (little-endian) are the value.
func readSpaceOptimU32(r io.Reader) (uint32, error) {
	n, err := readU8(r)
	if err != nil {
		return 0, err
	}
	if n < 0xFF {
		return uint32(n), nil
	}
	return readU32(r)
}

func readBool(r io.Reader) (bool, error) {
	b, err := readU8(r)
	if err != nil {
		return false, err
	}
	switch b {
	case 0x01:
		return true, nil
	case 0x00:
		return false, nil
	default:
		return false, ctlerr.New(ctlerr.FormatError, "invalid bool byte 0x%02x", b)
	}
}

func readString(r io.Reader) (string, error) {
	n, err := readSpaceOptimU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ctlerr.Wrap(ctlerr.FormatError, err, "short read (string body)")
	}
	return string(buf), nil
}

// readStringProperty reads the length-prefixed boolean-wrapped string: one
// boolean; if true the value is empty, else a string follows.
func readStringProperty(r io.Reader) (string, error) {
	empty, err := readBool(r)
	if err != nil {
		return "", err
	}
	if empty {
		return "", nil
	}
	return readString(r)
}

// ReadU8 reads a single byte. Exported for save-archive header parsing,
// which shares these primitive encodings with the settings-file
// property tree but is not itself a property tree.
func ReadU8(r io.Reader) (byte, error) { return readU8(r) }

// ReadU16 reads a little-endian u16.
func ReadU16(r io.Reader) (uint16, error) { return readU16(r) }

// ReadU32 reads a little-endian u32.
func ReadU32(r io.Reader) (uint32, error) { return readU32(r) }

// ReadBool reads the one-byte boolean encoding.
func ReadBool(r io.Reader) (bool, error) { return readBool(r) }

// ReadString reads a space-optimized-length-prefixed raw string.
func ReadString(r io.Reader) (string, error) { return readString(r) }

// ReadStringProperty reads the length-prefixed boolean-wrapped string.
func ReadStringProperty(r io.Reader) (string, error) { return readStringProperty(r) }

// ReadSpaceOptimU32 reads the space-optimized u32 encoding.
func ReadSpaceOptimU32(r io.Reader) (uint32, error) { return readSpaceOptimU32(r) }

// ReadVersion reads the 3-component Version as three space-optimized u16s.
func ReadVersion(r io.Reader) (semver.Version, error) {
	major, err := readSpaceOptimU16(r)
	if err != nil {
		return semver.Version{}, err
	}
	minor, err := readSpaceOptimU16(r)
	if err != nil {
		return semver.Version{}, err
	}
	patch, err := readSpaceOptimU16(r)
	if err != nil {
		return semver.Version{}, err
	}
	return semver.Version{Major: major, Minor: minor, Patch: patch}, nil
}

// ReadGameVersion reads the 4-component GameVersion as four raw u16s.
func ReadGameVersion(r io.Reader) (semver.GameVersion, error) {
	var vals [4]uint16
	for i := range vals {
		v, err := readU16(r)
		if err != nil {
			return semver.GameVersion{}, err
		}
		vals[i] = v
	}
	return semver.GameVersion{Major: vals[0], Minor: vals[1], Patch: vals[2], Build: vals[3]}, nil
}

// Read decodes one property tree node: the tag byte, the any-type flag
// (consumed and discarded), then the tag's payload.
func Read(r io.Reader) (Value, error) {
	tagByte, err := readU8(r)
	if err != nil {
		return Value{}, err
	}
	if _, err := readU8(r); err != nil { // any-type flag, discarded
		return Value{}, err
	}
	return readPayload(r, Tag(tagByte))
}

func readPayload(r io.Reader, tag Tag) (Value, error) {
	switch tag {
	case TagNone:
		return None(), nil
	case TagBool:
		b, err := readBool(r)
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case TagNumber:
		n, err := readDouble(r)
		if err != nil {
			return Value{}, err
		}
		return Number(n), nil
	case TagString:
		s, err := readString(r)
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case TagList:
		count, err := readSpaceOptimU32(r)
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, count)
		for i := range items {
			v, err := Read(r)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items), nil
	case TagDict:
		count, err := readU32(r)
		if err != nil {
			return Value{}, err
		}
		entries := make([]DictEntry, count)
		for i := uint32(0); i < count; i++ {
			key, err := readStringProperty(r)
			if err != nil {
				return Value{}, err
			}
			v, err := Read(r)
			if err != nil {
				return Value{}, err
			}
			entries[i] = DictEntry{Key: key, Value: v}
		}
		return Dict(entries), nil
	case TagSigned:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, ctlerr.Wrap(ctlerr.FormatError, err, "short read (int64)")
		}
		return Signed(int64(binary.LittleEndian.Uint64(b[:]))), nil
	case TagUint:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, ctlerr.Wrap(ctlerr.FormatError, err, "short read (uint64)")
		}
		return Uint(binary.LittleEndian.Uint64(b[:])), nil
	default:
		return Value{}, ctlerr.New(ctlerr.UnknownPropertyType, "unknown tag %d", tag)
	}
}

// --- writers ---

func writeU8(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeDouble(w io.Writer, v float64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	_, err := w.Write(b[:])
	return err
}

// writeSpaceOptimU16 chooses the shortest encoding: a single byte if the
// value fits under 0xFF, else 0xFF followed by the raw u16.
func writeSpaceOptimU16(w io.Writer, v uint16) error {
	if v < 0xFF {
		return writeU8(w, byte(v))
	}
	if err := writeU8(w, 0xFF); err != nil {
		return err
	}
	return writeU16(w, v)
}

// writeSpaceOptimU32 chooses the shortest encoding: a single byte if the
// value fits under 0xFF, else 0xFF followed by the raw u32.
func writeSpaceOptimU32(w io.Writer, v uint32) error {
	if v < 0xFF {
		return writeU8(w, byte(v))
	}
	if err := writeU8(w, 0xFF); err != nil {
		return err
	}
	return writeU32(w, v)
}

func writeBool(w io.Writer, b bool) error {
	if b {
		return writeU8(w, 0x01)
	}
	return writeU8(w, 0x00)
}

func writeString(w io.Writer, s string) error {
	if err := writeSpaceOptimU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeStringProperty(w io.Writer, s string) error {
	if s == "" {
		return writeBool(w, true)
	}
	if err := writeBool(w, false); err != nil {
		return err
	}
	return writeString(w, s)
}

// WriteVersion writes a 3-component Version as three space-optimized u16s.
func WriteVersion(w io.Writer, v semver.Version) error {
	for _, c := range []uint16{v.Major, v.Minor, v.Patch} {
		if err := writeSpaceOptimU16(w, c); err != nil {
			return err
		}
	}
	return nil
}

// WriteGameVersion writes a 4-component GameVersion as four raw u16s.
func WriteGameVersion(w io.Writer, g semver.GameVersion) error {
	for _, c := range []uint16{g.Major, g.Minor, g.Patch, g.Build} {
		if err := writeU16(w, c); err != nil {
			return err
		}
	}
	return nil
}

// Write encodes one property tree node: tag byte, any-type flag (always
// false), then the tag's payload.
//
// RGBA special-casing: if v is a TagString matching "rgba:RRGGBBAA"
// (case-insensitive hex), it's encoded as a Dictionary with keys
// r,g,b,a and double values in [0,1] (hex_byte/255) instead of a plain
// string. This is one-directional; Read never reconstructs the "rgba:"
// string automatically. Callers that need bit-for-bit round trips must
// avoid passing rgba-string values in, or must do the
// Dictionary->string conversion themselves on read.
func Write(w io.Writer, v Value) error {
	tag := v.Tag
	if tag == TagString {
		if m, ok := rgbaDict(v.Str); ok {
			return writeDictPayload(w, TagDict, m)
		}
	}
	if err := writeU8(w, byte(tag)); err != nil {
		return err
	}
	if err := writeU8(w, 0x00); err != nil { // any-type flag
		return err
	}
	return writePayload(w, v)
}

func rgbaDict(s string) ([]DictEntry, bool) {
	m := rgbaRe.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	hexStr := m[1]
	keys := []string{"r", "g", "b", "a"}
	entries := make([]DictEntry, 4)
	for i, key := range keys {
		byteHex := hexStr[i*2 : i*2+2]
		n, err := strconv.ParseUint(byteHex, 16, 8)
		if err != nil {
			return nil, false
		}
		entries[i] = DictEntry{Key: key, Value: Number(float64(n) / 255.0)}
	}
	return entries, true
}

func writeDictPayload(w io.Writer, tag Tag, entries []DictEntry) error {
	if err := writeU8(w, byte(tag)); err != nil {
		return err
	}
	if err := writeU8(w, 0x00); err != nil {
		return err
	}
	return writePayload(w, Dict(entries))
}

func writePayload(w io.Writer, v Value) error {
	switch v.Tag {
	case TagNone:
		return nil
	case TagBool:
		return writeBool(w, v.Bool)
	case TagNumber:
		return writeDouble(w, v.Number)
	case TagString:
		return writeString(w, v.Str)
	case TagList:
		if err := writeSpaceOptimU32(w, uint32(len(v.List))); err != nil {
			return err
		}
		for _, item := range v.List {
			if err := Write(w, item); err != nil {
				return err
			}
		}
		return nil
	case TagDict:
		if err := writeU32(w, uint32(len(v.Dict))); err != nil {
			return err
		}
		for _, entry := range v.Dict {
			if err := writeStringProperty(w, entry.Key); err != nil {
				return err
			}
			if err := Write(w, entry.Value); err != nil {
				return err
			}
		}
		return nil
	case TagSigned:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.Signed))
		_, err := w.Write(b[:])
		return err
	case TagUint:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v.Uint)
		_, err := w.Write(b[:])
		return err
	default:
		return ctlerr.New(ctlerr.UnknownPropertyType, "unknown tag %d", v.Tag)
	}
}

// IsRGBADict reports whether entries' key set is exactly {a,b,g,r}, the
// convenience-conversion trigger callers may opt into on read.
func IsRGBADict(entries []DictEntry) bool {
	if len(entries) != 4 {
		return false
	}
	for _, k := range []string{"a", "b", "g", "r"} {
		if _, ok := DictGet(entries, k); !ok {
			return false
		}
	}
	return true
}

// RGBAString converts a Dictionary matching IsRGBADict back to an
// "rgba:RRGGBBAA" string. Callers that require bit-for-bit identity to a
// previously-read tree must not apply this conversion.
func RGBAString(entries []DictEntry) (string, error) {
	if !IsRGBADict(entries) {
		return "", fmt.Errorf("not an rgba dictionary")
	}
	var sb strings.Builder
	sb.WriteString("rgba:")
	for _, k := range []string{"r", "g", "b", "a"} {
		v, _ := DictGet(entries, k)
		if v.Tag != TagNumber {
			return "", fmt.Errorf("rgba component %q is not a number", k)
		}
		byteVal := byte(v.Number*255.0 + 0.5)
		sb.WriteString(fmt.Sprintf("%02x", byteVal))
	}
	return sb.String(), nil
}

// WriteBytes is a convenience that writes v to a new buffer and returns
// its bytes.
func WriteBytes(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
