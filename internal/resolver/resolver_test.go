package resolver

import (
	"context"
	"testing"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/depexpr"
	"github.com/sawtoothlabs/modctl/internal/portal"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

type fakePortal struct {
	full map[string]portal.Full
}

func (f fakePortal) Get(ctx context.Context, name string) (portal.Summary, error) {
	full, ok := f.full[name]
	if !ok {
		return portal.Summary{}, ctlerr.New(ctlerr.NotFound, "no such mod %s", name)
	}
	return full.Summary, nil
}

func (f fakePortal) GetFull(ctx context.Context, name string) (portal.Full, error) {
	full, ok := f.full[name]
	if !ok {
		return portal.Full{}, ctlerr.New(ctlerr.NotFound, "no such mod %s", name)
	}
	return full, nil
}

type fakeRegistry struct {
	installed map[string]semver.Version
}

func (r fakeRegistry) InstalledVersion(name string) (semver.Version, bool) {
	v, ok := r.installed[name]
	return v, ok
}

func mustVersion(t *testing.T, s string) semver.Version {
	t.Helper()
	v, err := semver.Parse(s)
	if err != nil {
		t.Fatalf("parsing version %q: %v", s, err)
	}
	return v
}

func mustSpec(t *testing.T, s string) depexpr.DependencySpec {
	t.Helper()
	spec, err := depexpr.Parse(s)
	if err != nil {
		t.Fatalf("parsing dependency %q: %v", s, err)
	}
	return spec
}

func TestResolveExpandsTransitiveRequiredDependency(t *testing.T) {
	p := fakePortal{full: map[string]portal.Full{
		"alpha": {
			Summary: portal.Summary{Name: "alpha"},
			Releases: []portal.Release{{
				Version:      mustVersion(t, "1.0.0"),
				Dependencies: []depexpr.DependencySpec{mustSpec(t, "beta")},
			}},
		},
		"beta": {
			Summary:  portal.Summary{Name: "beta"},
			Releases: []portal.Release{{Version: mustVersion(t, "2.0.0")}},
		},
	}}

	r := New(p, 2)
	plan, err := r.Resolve(context.Background(), []Request{{Name: "alpha"}}, fakeRegistry{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Installs) != 2 {
		t.Fatalf("expected 2 installs, got %+v", plan.Installs)
	}
	if plan.Installs[0].Name != "beta" || plan.Installs[1].Name != "alpha" {
		t.Errorf("expected beta before alpha, got %v, %v", plan.Installs[0].Name, plan.Installs[1].Name)
	}
	if len(plan.Installs[0].RequiredBy) != 1 || plan.Installs[0].RequiredBy[0] != "alpha" {
		t.Errorf("expected beta required_by [alpha], got %v", plan.Installs[0].RequiredBy)
	}
}

func TestResolveSkipsAlreadyInstalledSatisfyingDependency(t *testing.T) {
	p := fakePortal{full: map[string]portal.Full{
		"alpha": {
			Summary: portal.Summary{Name: "alpha"},
			Releases: []portal.Release{{
				Version:      mustVersion(t, "1.0.0"),
				Dependencies: []depexpr.DependencySpec{mustSpec(t, "beta >= 1.0.0")},
			}},
		},
	}}

	r := New(p, 2)
	reg := fakeRegistry{installed: map[string]semver.Version{"beta": mustVersion(t, "1.5.0")}}
	plan, err := r.Resolve(context.Background(), []Request{{Name: "alpha"}}, reg)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Installs) != 1 || plan.Installs[0].Name != "alpha" {
		t.Fatalf("expected only alpha, got %+v", plan.Installs)
	}
}

func TestResolveNeverAutoAddsOptionalDependency(t *testing.T) {
	p := fakePortal{full: map[string]portal.Full{
		"alpha": {
			Summary: portal.Summary{Name: "alpha"},
			Releases: []portal.Release{{
				Version:      mustVersion(t, "1.0.0"),
				Dependencies: []depexpr.DependencySpec{mustSpec(t, "? beta")},
			}},
		},
	}}

	r := New(p, 2)
	plan, err := r.Resolve(context.Background(), []Request{{Name: "alpha"}}, fakeRegistry{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Installs) != 1 {
		t.Fatalf("expected only alpha, got %+v", plan.Installs)
	}
}

func TestResolveRejectsNoCompatibleVersion(t *testing.T) {
	p := fakePortal{full: map[string]portal.Full{
		"alpha": {
			Summary:  portal.Summary{Name: "alpha"},
			Releases: []portal.Release{{Version: mustVersion(t, "1.0.0")}},
		},
	}}

	exact, err := semver.ParseConstraint("= 2.0.0")
	if err != nil {
		t.Fatal(err)
	}
	r := New(p, 2)
	_, err = r.Resolve(context.Background(), []Request{{Name: "alpha", Constraint: &exact}}, fakeRegistry{})
	if !ctlerr.Is(err, ctlerr.NoCompatibleVersion) {
		t.Fatalf("got %v, want NO_COMPATIBLE_VERSION", err)
	}
}

func TestResolveDetectsCircularDependency(t *testing.T) {
	p := fakePortal{full: map[string]portal.Full{
		"alpha": {
			Summary: portal.Summary{Name: "alpha"},
			Releases: []portal.Release{{
				Version:      mustVersion(t, "1.0.0"),
				Dependencies: []depexpr.DependencySpec{mustSpec(t, "beta")},
			}},
		},
		"beta": {
			Summary: portal.Summary{Name: "beta"},
			Releases: []portal.Release{{
				Version:      mustVersion(t, "1.0.0"),
				Dependencies: []depexpr.DependencySpec{mustSpec(t, "alpha")},
			}},
		},
	}}

	r := New(p, 2)
	_, err := r.Resolve(context.Background(), []Request{{Name: "alpha"}}, fakeRegistry{})
	if !ctlerr.Is(err, ctlerr.CircularDependency) {
		t.Fatalf("got %v, want CIRCULAR_DEPENDENCY", err)
	}
}
