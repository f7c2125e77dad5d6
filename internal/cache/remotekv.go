package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

// kvClient is the minimal surface RemoteKV needs from a key-value store.
// Narrowing to an interface (rather than depending on *redis.Client
// directly everywhere) lets tests exercise RemoteKV's locking and TTL
// logic against an in-memory fake instead of a live Redis server.
type kvClient interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// RemoteKV is the remote key-value store Backend: a Redis-backed (or
// Redis-compatible) store, keyed as "<prefix>:<type>:<sha1>",
// "<prefix>:<type>:meta:<sha1>", and "<prefix>:<type>:lock:<sha1>".
type RemoteKV struct {
	client      kvClient
	prefix      string
	typ         string
	ttl         *time.Duration
	compress    CompressionThreshold
	lockTTL     time.Duration
	lockTimeout time.Duration
}

// NewRemoteKV builds a RemoteKV backend over a go-redis client.
func NewRemoteKV(rc *goredis.Client, prefix, typ string, ttl *time.Duration, compress CompressionThreshold) *RemoteKV {
	return newRemoteKV(redisAdapter{rc}, prefix, typ, ttl, compress)
}

func newRemoteKV(client kvClient, prefix, typ string, ttl *time.Duration, compress CompressionThreshold) *RemoteKV {
	return &RemoteKV{
		client:      client,
		prefix:      prefix,
		typ:         typ,
		ttl:         ttl,
		compress:    compress,
		lockTTL:     10 * time.Second,
		lockTimeout: 30 * time.Second,
	}
}

type kvMeta struct {
	CreatedAt time.Time `json:"created_at"`
}

func (b *RemoteKV) dataKey(key string) string { return b.prefix + ":" + b.typ + ":" + digestKey(key) }
func (b *RemoteKV) metaKey(key string) string {
	return b.prefix + ":" + b.typ + ":meta:" + digestKey(key)
}
func (b *RemoteKV) lockKey(key string) string {
	return b.prefix + ":" + b.typ + ":lock:" + digestKey(key)
}

func (b *RemoteKV) isExpired(m kvMeta) bool {
	if b.ttl == nil {
		return false
	}
	return time.Since(m.CreatedAt) > *b.ttl
}

func (b *RemoteKV) readMeta(ctx context.Context, key string) (kvMeta, bool, error) {
	raw, ok, err := b.client.Get(ctx, b.metaKey(key))
	if err != nil || !ok {
		return kvMeta{}, ok, err
	}
	var m kvMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return kvMeta{}, false, ctlerr.Wrap(ctlerr.FormatError, err, "decoding cache metadata")
	}
	return m, true, nil
}

func (b *RemoteKV) Exist(ctx context.Context, key string) (bool, error) {
	m, ok, err := b.readMeta(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return !b.isExpired(m), nil
}

func (b *RemoteKV) Read(ctx context.Context, key string) ([]byte, error) {
	m, ok, err := b.readMeta(ctx, key)
	if err != nil || !ok || b.isExpired(m) {
		return nil, err
	}
	raw, ok, err := b.client.Get(ctx, b.dataKey(key))
	if err != nil || !ok {
		return nil, err
	}
	return maybeDecompress(raw)
}

func (b *RemoteKV) WriteTo(ctx context.Context, key, path string) (bool, error) {
	payload, err := b.Read(ctx, key)
	if err != nil || payload == nil {
		return false, err
	}
	if err := writeFileAtomic(path, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (b *RemoteKV) Store(ctx context.Context, key, sourcePath string) error {
	data, err := readFile(sourcePath)
	if err != nil {
		return err
	}
	compressed, err := maybeCompress(b.compress, data)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if b.ttl != nil {
		ttl = *b.ttl
	}
	if err := b.client.Set(ctx, b.dataKey(key), compressed, ttl); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "storing cache entry %q", key)
	}
	meta, err := json.Marshal(kvMeta{CreatedAt: time.Now()})
	if err != nil {
		return ctlerr.Wrap(ctlerr.FormatError, err, "encoding cache metadata")
	}
	if err := b.client.Set(ctx, b.metaKey(key), meta, ttl); err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "storing cache metadata %q", key)
	}
	return nil
}

func (b *RemoteKV) Delete(ctx context.Context, key string) (bool, error) {
	_, existed, err := b.readMeta(ctx, key)
	if err != nil {
		return false, err
	}
	if delErr := b.client.Delete(ctx, b.dataKey(key)); delErr != nil {
		return false, ctlerr.Wrap(ctlerr.NotFound, delErr, "deleting cache entry %q", key)
	}
	if delErr := b.client.Delete(ctx, b.metaKey(key)); delErr != nil {
		return false, ctlerr.Wrap(ctlerr.NotFound, delErr, "deleting cache metadata %q", key)
	}
	return existed, nil
}

func (b *RemoteKV) Clear(ctx context.Context) error {
	keys, err := b.client.Keys(ctx, b.prefix+":"+b.typ+":")
	if err != nil {
		return ctlerr.Wrap(ctlerr.NotFound, err, "enumerating cache type %q", b.typ)
	}
	for _, k := range keys {
		if err := b.client.Delete(ctx, k); err != nil {
			return ctlerr.Wrap(ctlerr.NotFound, err, "clearing key %q", k)
		}
	}
	return nil
}

func (b *RemoteKV) Age(ctx context.Context, key string) (time.Duration, bool, error) {
	m, ok, err := b.readMeta(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	return time.Since(m.CreatedAt), true, nil
}

func (b *RemoteKV) Expired(ctx context.Context, key string) (bool, error) {
	m, ok, err := b.readMeta(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return b.isExpired(m), nil
}

func (b *RemoteKV) Size(ctx context.Context, key string) (int64, bool, error) {
	raw, ok, err := b.client.Get(ctx, b.dataKey(key))
	if err != nil || !ok {
		return 0, false, err
	}
	payload, err := maybeDecompress(raw)
	if err != nil {
		return 0, false, err
	}
	return int64(len(payload)), true, nil
}

// WithLock implements a distributed lock: conditional set
// (SETNX-equivalent) with a short TTL, value a freshly generated opaque
// identifier, release conditional on value match.
func (b *RemoteKV) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := b.lockKey(key)
	token := []byte(uuid.NewString())
	deadline := time.Now().Add(b.lockTimeout)
	for {
		ok, err := b.client.SetNX(ctx, lockKey, token, b.lockTTL)
		if err != nil {
			return ctlerr.Wrap(ctlerr.LockTimeout, err, "acquiring lock for %q", key)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ctlerr.New(ctlerr.LockTimeout, "timed out acquiring lock for %q", key)
		}
		select {
		case <-ctx.Done():
			return ctlerr.Wrap(ctlerr.LockTimeout, ctx.Err(), "acquiring lock for %q", key)
		case <-time.After(20 * time.Millisecond):
		}
	}
	defer b.client.CompareAndDelete(ctx, lockKey, token)
	return fn(ctx)
}

func (b *RemoteKV) Each(ctx context.Context) (func() (Entry, bool, error), func() error, error) {
	metaPrefix := b.prefix + ":" + b.typ + ":meta:"
	keys, err := b.client.Keys(ctx, metaPrefix)
	if err != nil {
		return nil, nil, ctlerr.Wrap(ctlerr.NotFound, err, "enumerating cache type %q", b.typ)
	}
	i := 0
	next := func() (Entry, bool, error) {
		if i >= len(keys) {
			return Entry{}, false, nil
		}
		metaKey := keys[i]
		i++
		raw, ok, err := b.client.Get(ctx, metaKey)
		if err != nil {
			return Entry{}, false, err
		}
		if !ok {
			return Entry{}, true, nil
		}
		var m kvMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			return Entry{}, false, ctlerr.Wrap(ctlerr.FormatError, err, "decoding cache metadata")
		}
		digest := strings.TrimPrefix(metaKey, metaPrefix)
		dataRaw, ok, err := b.client.Get(ctx, b.prefix+":"+b.typ+":"+digest)
		var size int64
		if err == nil && ok {
			if payload, derr := maybeDecompress(dataRaw); derr == nil {
				size = int64(len(payload))
			}
		}
		return Entry{
			Key:        digest,
			SizeBytes:  size,
			AgeSeconds: time.Since(m.CreatedAt).Seconds(),
			Expired:    b.isExpired(m),
		}, true, nil
	}
	return next, func() error { return nil }, nil
}

// redisAdapter implements kvClient against a real go-redis client.
type redisAdapter struct {
	rc *goredis.Client
}

func (a redisAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := a.rc.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (a redisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rc.Set(ctx, key, value, ttl).Err()
}

func (a redisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return a.rc.SetNX(ctx, key, value, ttl).Result()
}

func (a redisAdapter) Delete(ctx context.Context, key string) error {
	return a.rc.Del(ctx, key).Err()
}

func (a redisAdapter) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	cur, err := a.rc.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(cur, expected) {
		return false, nil
	}
	return true, a.rc.Del(ctx, key).Err()
}

func (a redisAdapter) Keys(ctx context.Context, prefix string) ([]string, error) {
	return a.rc.Keys(ctx, prefix+"*").Result()
}
