package cache

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

// zlibMagic is the first byte of every zlib stream produced by the
// standard library's default compression level; readers use it to
// decide whether a stored payload needs inflating.
const zlibMagic = 0x78

// maybeCompress compresses data with zlib-wrapped deflate if threshold
// says to, returning the (possibly unchanged) bytes to store.
func maybeCompress(threshold CompressionThreshold, data []byte) ([]byte, error) {
	if !shouldCompress(threshold, len(data)) {
		return data, nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, ctlerr.Wrap(ctlerr.FormatError, err, "compressing cache payload")
	}
	if err := w.Close(); err != nil {
		return nil, ctlerr.Wrap(ctlerr.FormatError, err, "closing zlib writer")
	}
	return buf.Bytes(), nil
}

// maybeDecompress inflates data if it begins with the zlib magic byte,
// else returns it unchanged. Entries written uncompressed and entries
// written compressed coexist in the same cache, so detection is
// per-entry rather than per-cache.
func maybeDecompress(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != zlibMagic {
		return data, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		// Not actually a zlib stream despite the matching first byte;
		// treat as a (rare) literal payload that happens to start 0x78.
		return data, nil
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.FormatError, err, "decompressing cache payload")
	}
	return out, nil
}
