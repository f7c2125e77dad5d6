package runtime

import "testing"

func TestFixedRuntime(t *testing.T) {
	r := Fixed{ConfigDir: "/cfg", ModsDir: "/mods"}

	cfg, err := r.UserConfigDir()
	if err != nil || cfg != "/cfg" {
		t.Errorf("got %q, %v", cfg, err)
	}

	mods, err := r.DefaultInstallRoot()
	if err != nil || mods != "/mods" {
		t.Errorf("got %q, %v", mods, err)
	}
}

func TestHostRuntimeResolves(t *testing.T) {
	r := New()

	if _, err := r.UserConfigDir(); err != nil {
		t.Errorf("UserConfigDir() error: %v", err)
	}
	if _, err := r.DefaultInstallRoot(); err != nil {
		t.Errorf("DefaultInstallRoot() error: %v", err)
	}
}
