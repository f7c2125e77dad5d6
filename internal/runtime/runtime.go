// Package runtime resolves the platform-specific filesystem locations
// modctl needs: where user config lives, and where mods install by
// default. Exposed as an interface so callers can substitute a fixed
// Runtime in tests instead of depending on the host OS and environment.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
)

// Runtime resolves platform-specific directories.
type Runtime interface {
	// UserConfigDir returns the directory modctl's own config and
	// credentials live in.
	UserConfigDir() (string, error)
	// DefaultInstallRoot returns the directory mods install into by
	// default when no --mods-dir is given.
	DefaultInstallRoot() (string, error)
}

// Host is the Runtime backed by the actual host OS, one branch per
// platform matching Factorio's own layout.
type Host struct{}

// New returns the host platform's Runtime.
func New() Runtime { return Host{} }

func (Host) UserConfigDir() (string, error) {
	switch goruntime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "modctl"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "modctl"), nil
	default:
		configDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(configDir, "modctl"), nil
	}
}

func (Host) DefaultInstallRoot() (string, error) {
	switch goruntime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "Factorio", "mods"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "factorio", "mods"), nil
	default:
		configDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(configDir, "factorio", "mods"), nil
	}
}

// Fixed is a Runtime with hardcoded paths, for tests and for callers
// that resolved directories some other way (e.g. an explicit flag).
type Fixed struct {
	ConfigDir string
	ModsDir   string
}

func (f Fixed) UserConfigDir() (string, error)      { return f.ConfigDir, nil }
func (f Fixed) DefaultInstallRoot() (string, error) { return f.ModsDir, nil }
