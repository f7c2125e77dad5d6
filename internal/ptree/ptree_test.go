package ptree

import (
	"bytes"
	"testing"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

func TestRoundTripNonRGBA(t *testing.T) {
	trees := []Value{
		None(),
		Bool(true),
		Bool(false),
		Number(3.5),
		String("hello"),
		String(""),
		List([]Value{Bool(true), Number(1), String("x")}),
		Dict([]DictEntry{
			{Key: "foo", Value: Bool(true)},
			{Key: "bar", Value: String("baz")},
		}),
		Uint(1 << 40),
		Signed(-12345),
	}
	for _, want := range trees {
		b, err := WriteBytes(want)
		if err != nil {
			t.Fatalf("WriteBytes(%+v): %v", want, err)
		}
		got, err := Read(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		b2, err := WriteBytes(got)
		if err != nil {
			t.Fatalf("WriteBytes(round-tripped): %v", err)
		}
		if !bytes.Equal(b, b2) {
			t.Errorf("not byte-for-byte: %x != %x", b, b2)
		}
	}
}

// TestDictionaryEncodingExample pins the wire format: the Dictionary
// {"foo": true} encodes to a fixed byte sequence.
func TestDictionaryEncodingExample(t *testing.T) {
	v := Dict([]DictEntry{{Key: "foo", Value: Bool(true)}})
	got, err := WriteBytes(v)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x05,                   // tag: dict
		0x00,                   // any-type flag
		0x01, 0x00, 0x00, 0x00, // count: 1 (u32 LE)
		0x00,                   // string-property: not empty
		0x03, 'f', 'o', 'o', // space-optim-u32 length 3, then "foo"
		0x01, // tag: bool
		0x00, // any-type flag
		0x01, // true
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got  % x\nwant % x", got, want)
	}
}

func TestDictPreservesOrder(t *testing.T) {
	v := Dict([]DictEntry{
		{Key: "z", Value: Bool(true)},
		{Key: "a", Value: Bool(false)},
		{Key: "m", Value: Number(1)},
	})
	b, err := WriteBytes(v)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Read(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	wantOrder := []string{"z", "a", "m"}
	if len(got.Dict) != len(wantOrder) {
		t.Fatalf("len = %d, want %d", len(got.Dict), len(wantOrder))
	}
	for i, k := range wantOrder {
		if got.Dict[i].Key != k {
			t.Errorf("entry %d key = %q, want %q", i, got.Dict[i].Key, k)
		}
	}
}

func TestRGBAWriteIsOneDirectional(t *testing.T) {
	v := String("rgba:ff00807f")
	b, err := WriteBytes(v)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Read(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	if got.Tag != TagDict {
		t.Fatalf("expected Dict, got tag %v", got.Tag)
	}
	if !IsRGBADict(got.Dict) {
		t.Fatalf("expected rgba dict, got %+v", got.Dict)
	}
	s, err := RGBAString(got.Dict)
	if err != nil {
		t.Fatal(err)
	}
	if s != "rgba:ff00807f" {
		t.Errorf("RGBAString = %q, want %q", s, "rgba:ff00807f")
	}

	// The rgba string already went onto the wire as this Dict, so
	// re-writing the decoded Dict reproduces the same bytes; what is not
	// recovered on Read is the String value itself.
	b2, err := WriteBytes(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, b2) {
		t.Errorf("re-encoding of decoded rgba dict = % x, want the original encoding % x", b2, b)
	}
}

func TestSpaceOptimBoundary(t *testing.T) {
	cases := []struct {
		n        uint16
		wantLen  int
		wantByte byte
	}{
		{0, 1, 0x00},
		{0xFE, 1, 0xFE},
		{0xFF, 3, 0xFF},
		{0x1234, 3, 0xFF},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		if err := writeSpaceOptimU16(&buf, c.n); err != nil {
			t.Fatal(err)
		}
		if buf.Len() != c.wantLen {
			t.Errorf("n=%d: encoded length = %d, want %d", c.n, buf.Len(), c.wantLen)
		}
		if buf.Bytes()[0] != c.wantByte {
			t.Errorf("n=%d: first byte = 0x%02x, want 0x%02x", c.n, buf.Bytes()[0], c.wantByte)
		}
		got, err := readSpaceOptimU16(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatal(err)
		}
		if got != c.n {
			t.Errorf("round trip: got %d, want %d", got, c.n)
		}
	}
}

func TestReadRejectsUnknownTag(t *testing.T) {
	b := []byte{0xEE, 0x00}
	if _, err := Read(bytes.NewReader(b)); !ctlerr.Is(err, ctlerr.UnknownPropertyType) {
		t.Errorf("expected UNKNOWN_PROPERTY_TYPE, got %v", err)
	}
}

func TestReadRejectsShortInput(t *testing.T) {
	b := []byte{0x03, 0x00} // string tag, then truncated length/body
	if _, err := Read(bytes.NewReader(b)); !ctlerr.Is(err, ctlerr.FormatError) {
		t.Errorf("expected FORMAT_ERROR, got %v", err)
	}
}
