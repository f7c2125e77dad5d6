package cache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeKV is an in-memory kvClient used to exercise RemoteKV's locking
// and TTL logic without a live Redis server.
type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value
	return true, nil
}

func (f *fakeKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeKV) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok && bytes.Equal(v, expected) {
		delete(f.data, key)
		return true, nil
	}
	return false, nil
}

func (f *fakeKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func TestRemoteKVStoreReadRoundTrip(t *testing.T) {
	b := newRemoteKV(newFakeKV(), "modctl", "api", nil, nil)
	ctx := context.Background()
	dir := t.TempDir()
	src := writeTemp(t, dir, []byte("payload"))

	if err := b.Store(ctx, "/mods/foo", src); err != nil {
		t.Fatal(err)
	}
	got, err := b.Read(ctx, "/mods/foo")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("Read = %q", got)
	}
}

func TestRemoteKVWithLockExcludesConcurrentHolders(t *testing.T) {
	b := newRemoteKV(newFakeKV(), "modctl", "api", nil, nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	go b.WithLock(ctx, "k", func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	})
	<-entered

	done := make(chan struct{})
	go func() {
		b.WithLock(ctx, "k", func(ctx context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second WithLock acquired the lock while the first held it")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done
}

func TestRemoteKVDeleteReportsPriorExistence(t *testing.T) {
	b := newRemoteKV(newFakeKV(), "modctl", "api", nil, nil)
	ctx := context.Background()
	dir := t.TempDir()
	src := writeTemp(t, dir, []byte("x"))
	if err := b.Store(ctx, "k", src); err != nil {
		t.Fatal(err)
	}
	ok, err := b.Delete(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	ok, err = b.Delete(ctx, "k")
	if err != nil || ok {
		t.Fatalf("second Delete = %v, %v, want false", ok, err)
	}
}
