package savefile

import (
	"archive/zip"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sawtoothlabs/modctl/internal/ptree"
)

// writeString encodes the space-optimized-length-prefixed raw string the
// same way ptree.ReadString expects to decode it.
func writeString(buf *bytes.Buffer, s string) {
	writeSpaceOptimU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func writeSpaceOptimU32(buf *bytes.Buffer, v uint32) {
	if v < 0xFF {
		buf.WriteByte(byte(v))
		return
	}
	buf.WriteByte(0xFF)
	binary.Write(buf, binary.LittleEndian, v)
}

func writeVersion(buf *bytes.Buffer, major, minor, patch uint16) {
	for _, c := range []uint16{major, minor, patch} {
		if c < 0xFF {
			buf.WriteByte(byte(c))
		} else {
			buf.WriteByte(0xFF)
			binary.Write(buf, binary.LittleEndian, c)
		}
	}
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(0x01)
	} else {
		buf.WriteByte(0x00)
	}
}

type modFixture struct {
	name    string
	version [3]uint16
	crc     uint32
}

func buildHeaderBytes(t *testing.T, mods []modFixture) []byte {
	t.Helper()
	var buf bytes.Buffer

	// GameVersion: four raw u16s.
	for _, c := range []uint16{2, 0, 28, 0} {
		binary.Write(&buf, binary.LittleEndian, c)
	}
	buf.WriteByte(0) // skipped byte

	writeString(&buf, "")          // campaign
	writeString(&buf, "my-level")  // level name
	writeString(&buf, "base")      // base mod

	buf.WriteByte(5) // difficulty

	writeBool(&buf, false) // finished
	writeBool(&buf, false) // player won
	writeBool(&buf, false) // next level defined
	writeBool(&buf, true)  // can continue

	writeVersion(&buf, 1, 1, 110) // mod version

	binary.Write(&buf, binary.LittleEndian, uint16(12345)) // build
	buf.WriteByte(1)                                       // allowed commands

	writeBool(&buf, false)                                 // pad bool
	binary.Write(&buf, binary.LittleEndian, uint32(0))     // pad u32
	writeBool(&buf, false)                                 // pad bool

	writeSpaceOptimU32(&buf, uint32(len(mods)))
	for _, m := range mods {
		writeString(&buf, m.name)
		writeVersion(&buf, m.version[0], m.version[1], m.version[2])
		binary.Write(&buf, binary.LittleEndian, m.crc)
	}

	return buf.Bytes()
}

func buildSaveBytes(t *testing.T, mods []modFixture, compress bool) []byte {
	t.Helper()
	header := buildHeaderBytes(t, mods)

	var payload bytes.Buffer
	payload.Write(header)
	payload.Write([]byte{0xAA, 0xBB, 0xCC, 0xDD}) // opaque trailer

	startup := ptree.Dict([]ptree.DictEntry{
		{Key: "my-setting", Value: ptree.Dict([]ptree.DictEntry{
			{Key: "value", Value: ptree.Number(42)},
		})},
	})
	if err := ptree.Write(&payload, startup); err != nil {
		t.Fatalf("writing startup tree: %v", err)
	}

	if !compress {
		return payload.Bytes()
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(payload.Bytes()); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}
	return compressed.Bytes()
}

func writeSaveArchive(t *testing.T, member string, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "save.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(member)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenUncompressedLevelDat0(t *testing.T) {
	mods := []modFixture{{name: "base", version: [3]uint16{1, 1, 110}, crc: 0x1234}}
	content := buildSaveBytes(t, mods, false)
	path := writeSaveArchive(t, "level.dat0", content)

	save, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if save.Header.LevelName != "my-level" || save.Header.BaseMod != "base" {
		t.Errorf("got header %+v", save.Header)
	}
	if !save.Header.CanContinue || save.Header.Finished {
		t.Errorf("unexpected flags: %+v", save.Header)
	}
	if len(save.Header.Mods) != 1 || save.Header.Mods[0].Name != "base" {
		t.Fatalf("got mods %+v", save.Header.Mods)
	}
}

func TestOpenCompressedLevelDat0(t *testing.T) {
	content := buildSaveBytes(t, nil, true)
	path := writeSaveArchive(t, "level.dat0", content)

	save, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if save.Header.LevelName != "my-level" {
		t.Errorf("got header %+v", save.Header)
	}
	if len(save.Header.Mods) != 0 {
		t.Errorf("expected no mods, got %+v", save.Header.Mods)
	}
}

func TestOpenPrefersLevelDat0OverLevelInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "save.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)

	w1, _ := zw.Create("level.dat0")
	w1.Write(buildSaveBytes(t, nil, false))

	w2, _ := zw.Create("level-init.dat")
	w2.Write([]byte("not a valid header"))

	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	save, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if save.Header.LevelName != "my-level" {
		t.Errorf("expected level.dat0 to win, got %+v", save.Header)
	}
}

func TestOpenFallsBackToLevelInit(t *testing.T) {
	content := buildSaveBytes(t, nil, false)
	path := writeSaveArchive(t, "level-init.dat", content)

	save, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if save.Header.LevelName != "my-level" {
		t.Errorf("got header %+v", save.Header)
	}
}

func TestOpenMissingLevelMember(t *testing.T) {
	path := writeSaveArchive(t, "some-other-file.txt", []byte("data"))

	if _, err := Open(path); err == nil {
		t.Fatal("expected error for missing level container")
	}
}

func TestStartupValue(t *testing.T) {
	content := buildSaveBytes(t, nil, false)
	path := writeSaveArchive(t, "level.dat0", content)

	save, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	v, ok := save.StartupValue("my-setting")
	if !ok || v.Number != 42 {
		t.Errorf("got %+v, ok=%v", v, ok)
	}
	if _, ok := save.StartupValue("missing"); ok {
		t.Errorf("expected missing key to be absent")
	}
}
