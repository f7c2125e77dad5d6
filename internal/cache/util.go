package cache

import (
	"os"
	"path/filepath"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

// readFile wraps os.ReadFile with the package's typed errors, shared by
// the remote backends when they stage a caller's source file before
// upload.
func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ctlerr.Wrap(ctlerr.NotFound, err, "reading source %q", path)
	}
	return data, nil
}

// writeFileAtomic writes data to path via a temp-file-then-rename so a
// concurrent reader never observes a partially written destination.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "creating directory %q", dir)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "creating temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ctlerr.Wrap(ctlerr.NotFound, err, "writing %q", path)
	}
	if err := tmp.Close(); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "closing temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "committing %q", path)
	}
	return nil
}
