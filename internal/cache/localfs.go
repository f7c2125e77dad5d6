package cache

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/ctllog"
)

// staleLockAge is how long a filesystem lock sidecar may sit before a
// waiter considers it abandoned and unlinks it.
const staleLockAge = time.Hour

// LocalFS is the filesystem Backend: entries live under
// "<root>/<type>/<hh>/<rest>" where hh/rest split the SHA-1 digest of
// the caller's key, so no single directory accumulates too many
// entries.
type LocalFS struct {
	root     string
	typ      string
	ttl      *time.Duration
	compress CompressionThreshold
	logger   ctllog.Logger
}

// NewLocalFS builds a filesystem-backed cache rooted at root, namespaced
// under typ. ttl nil means entries never expire; compress nil means
// payloads are never compressed.
func NewLocalFS(root, typ string, ttl *time.Duration, compress CompressionThreshold) *LocalFS {
	return &LocalFS{root: root, typ: typ, ttl: ttl, compress: compress, logger: ctllog.Default()}
}

func (b *LocalFS) dataPath(key string) string {
	hh, rest := shard(digestKey(key))
	return filepath.Join(b.root, b.typ, hh, rest)
}

func (b *LocalFS) lockPath(key string) string {
	return b.dataPath(key) + ".lock"
}

// encodeHeader builds the fixed 8-byte prefix written ahead of every stored
// payload: the creation time as Unix nanoseconds, big-endian. Folding
// metadata into the same file as the payload keeps Store's single
// rename atomic for both data and timestamp together.
func encodeHeader(createdAt time.Time) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(createdAt.UnixNano()))
	return b[:]
}

func decodeHeader(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

func (b *LocalFS) readEntry(key string) (createdAt time.Time, payload []byte, ok bool, err error) {
	raw, err := os.ReadFile(b.dataPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil, false, nil
		}
		return time.Time{}, nil, false, ctlerr.Wrap(ctlerr.NotFound, err, "reading cache entry")
	}
	if len(raw) < 8 {
		return time.Time{}, nil, false, ctlerr.New(ctlerr.FormatError, "cache entry %q shorter than header", key)
	}
	createdAt = decodeHeader(raw[:8])
	payload, derr := maybeDecompress(raw[8:])
	if derr != nil {
		return time.Time{}, nil, false, derr
	}
	return createdAt, payload, true, nil
}

func (b *LocalFS) isExpired(createdAt time.Time) bool {
	if b.ttl == nil {
		return false
	}
	return time.Since(createdAt) > *b.ttl
}

func (b *LocalFS) Exist(ctx context.Context, key string) (bool, error) {
	createdAt, _, ok, err := b.readEntry(key)
	if err != nil || !ok {
		return false, err
	}
	return !b.isExpired(createdAt), nil
}

func (b *LocalFS) Read(ctx context.Context, key string) ([]byte, error) {
	createdAt, payload, ok, err := b.readEntry(key)
	if err != nil || !ok || b.isExpired(createdAt) {
		return nil, err
	}
	return payload, nil
}

func (b *LocalFS) WriteTo(ctx context.Context, key, path string) (bool, error) {
	payload, err := b.Read(ctx, key)
	if err != nil || payload == nil {
		return false, err
	}
	if err := writeFileAtomic(path, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (b *LocalFS) Store(ctx context.Context, key, sourcePath string) error {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "reading source %q", sourcePath)
	}
	compressed, err := maybeCompress(b.compress, data)
	if err != nil {
		return err
	}
	dst := b.dataPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "creating cache directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "creating temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encodeHeader(time.Now())); err != nil {
		tmp.Close()
		return ctlerr.Wrap(ctlerr.NotFound, err, "writing cache header")
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return ctlerr.Wrap(ctlerr.NotFound, err, "writing cache payload")
	}
	if err := tmp.Close(); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "closing temp file")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "committing cache entry")
	}
	b.logger.Debugf("cache[%s]: stored %s (%s)", b.typ, key, humanize.Bytes(uint64(len(compressed))))
	return nil
}

func (b *LocalFS) Delete(ctx context.Context, key string) (bool, error) {
	err := os.Remove(b.dataPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, ctlerr.Wrap(ctlerr.NotFound, err, "deleting cache entry %q", key)
	}
	return true, nil
}

func (b *LocalFS) Clear(ctx context.Context) error {
	if err := os.RemoveAll(filepath.Join(b.root, b.typ)); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "clearing cache type %q", b.typ)
	}
	return nil
}

func (b *LocalFS) Age(ctx context.Context, key string) (time.Duration, bool, error) {
	createdAt, _, ok, err := b.readEntry(key)
	if err != nil || !ok {
		return 0, false, err
	}
	return time.Since(createdAt), true, nil
}

func (b *LocalFS) Expired(ctx context.Context, key string) (bool, error) {
	createdAt, _, ok, err := b.readEntry(key)
	if err != nil || !ok {
		return false, err
	}
	return b.isExpired(createdAt), nil
}

func (b *LocalFS) Size(ctx context.Context, key string) (int64, bool, error) {
	_, payload, ok, err := b.readEntry(key)
	if err != nil || !ok {
		return 0, false, err
	}
	return int64(len(payload)), true, nil
}

// WithLock acquires the sidecar lock file by O_CREATE|O_EXCL, polling
// until it succeeds, ctx is cancelled, or a stale lock is reclaimed.
// Filesystem locks have no acquisition timeout of their own; only ctx
// bounds the wait.
func (b *LocalFS) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockPath := b.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "creating cache directory")
	}
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			break
		}
		if !os.IsExist(err) {
			return ctlerr.Wrap(ctlerr.NotFound, err, "acquiring lock for %q", key)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(lockPath)
			continue
		}
		select {
		case <-ctx.Done():
			return ctlerr.Wrap(ctlerr.LockTimeout, ctx.Err(), "acquiring lock for %q", key)
		case <-time.After(20 * time.Millisecond):
		}
	}
	defer os.Remove(lockPath)
	return fn(ctx)
}

// Each walks every data file under this backend's type directory,
// skipping lock sidecars, and yields one Entry per call.
func (b *LocalFS) Each(ctx context.Context) (func() (Entry, bool, error), func() error, error) {
	typeDir := filepath.Join(b.root, b.typ)
	var paths []string
	walkErr := filepath.WalkDir(typeDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) == ".lock" {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if walkErr != nil {
		return nil, nil, ctlerr.Wrap(ctlerr.NotFound, walkErr, "enumerating cache type %q", b.typ)
	}
	i := 0
	next := func() (Entry, bool, error) {
		if i >= len(paths) {
			return Entry{}, false, nil
		}
		path := paths[i]
		i++
		raw, err := os.ReadFile(path)
		if err != nil {
			return Entry{}, false, ctlerr.Wrap(ctlerr.NotFound, err, "reading cache entry")
		}
		if len(raw) < 8 {
			return Entry{}, false, ctlerr.New(ctlerr.FormatError, "cache entry shorter than header")
		}
		createdAt := decodeHeader(raw[:8])
		payload, derr := maybeDecompress(raw[8:])
		if derr != nil {
			return Entry{}, false, derr
		}
		rel, _ := filepath.Rel(typeDir, path)
		return Entry{
			Key:        rel,
			SizeBytes:  int64(len(payload)),
			AgeSeconds: time.Since(createdAt).Seconds(),
			Expired:    b.isExpired(createdAt),
		}, true, nil
	}
	return next, func() error { return nil }, nil
}
