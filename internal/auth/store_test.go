package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	want := &Credentials{
		FactorioUsername: "engineer",
		FactorioToken:    "token-123",
		APIKey:           "key-456",
	}
	if err := store.Save(want); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir, "credentials.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("credentials file mode = %o, want 600", perm)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}

	svc := got.Service()
	if svc.Username != "engineer" || svc.Token != "token-123" {
		t.Errorf("Service() = %+v", svc)
	}
	if api := got.API(); api.Key != "key-456" {
		t.Errorf("API() = %+v", api)
	}
	if !got.HasService() || !got.HasAPI() {
		t.Errorf("both halves should be usable, got %+v", got)
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Load(); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Load with no file = %v, want ErrNoCredentials", err)
	}
}

func TestStoreClear(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := store.Save(&Credentials{FactorioUsername: "u", FactorioToken: "t"}); err != nil {
		t.Fatal(err)
	}

	if err := store.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "credentials.json")); !os.IsNotExist(err) {
		t.Error("credentials file should be gone after Clear")
	}
	if _, err := store.Load(); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Load after Clear = %v, want ErrNoCredentials", err)
	}

	// Clearing again is a no-op, not an error.
	if err := store.Clear(); err != nil {
		t.Errorf("second Clear = %v", err)
	}
}

func TestCredentialHalves(t *testing.T) {
	c := &Credentials{FactorioUsername: "engineer"}
	if c.HasService() {
		t.Error("username without token should not count as a service login")
	}
	if c.HasAPI() {
		t.Error("empty API key should not count as usable")
	}
}
