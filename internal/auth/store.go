// Package auth is the disk-backed credential store for the mod portal:
// a service login (username + token, used for downloads) and an API key
// (used for publish/upload).
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sawtoothlabs/modctl/internal/portal"
)

// ErrNoCredentials reports that no credentials file exists yet.
var ErrNoCredentials = errors.New("no credentials found")

const fileName = "credentials.json"

// Credentials holds both portal authentication shapes. Either half may
// be empty: downloads need only the service login, uploads only the
// API key.
type Credentials struct {
	FactorioUsername string `json:"factorio_username,omitempty"`
	FactorioToken    string `json:"factorio_token,omitempty"`
	APIKey           string `json:"api_key,omitempty"`
}

// Service returns the download half of the credentials.
func (c *Credentials) Service() portal.ServiceCredential {
	return portal.ServiceCredential{Username: c.FactorioUsername, Token: c.FactorioToken}
}

// API returns the upload half of the credentials.
func (c *Credentials) API() portal.APICredential {
	return portal.APICredential{Key: c.APIKey}
}

// HasService reports whether the download half is usable.
func (c *Credentials) HasService() bool {
	return c.FactorioUsername != "" && c.FactorioToken != ""
}

// HasAPI reports whether the upload half is usable.
func (c *Credentials) HasAPI() bool {
	return c.APIKey != ""
}

// Store persists one Credentials value as a JSON file under a config
// directory.
type Store struct {
	path string
}

// NewStore builds a Store rooted at configDir.
func NewStore(configDir string) *Store {
	return &Store{path: filepath.Join(configDir, fileName)}
}

// DefaultLocation returns where the credentials file lives by default.
func DefaultLocation() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "modctl", fileName), nil
}

// Load reads and decodes the credentials file. A missing file is
// ErrNoCredentials, since first use always precedes the first Save.
func (s *Store) Load() (*Credentials, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s.path, err)
	}
	defer f.Close()

	var creds Credentials
	if err := json.NewDecoder(f).Decode(&creds); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", s.path, err)
	}
	return &creds, nil
}

// Save encodes creds to disk. The file is 0600 and its directory 0700:
// the token and API key are secrets.
func (s *Store) Save(creds *Credentials) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, err)
	}
	return nil
}

// Clear deletes the credentials file. Clearing an absent file is not
// an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", s.path, err)
	}
	return nil
}
