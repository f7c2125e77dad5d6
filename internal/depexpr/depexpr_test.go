package depexpr

import (
	"testing"

	"github.com/sawtoothlabs/modctl/internal/semver"
)

func TestParseExample(t *testing.T) {
	d, err := Parse("? some-mod >= 1.2.0")
	if err != nil {
		t.Fatal(err)
	}
	if d.Target != "some-mod" || d.Kind != Optional {
		t.Fatalf("got %+v", d)
	}
	if d.Constraint == nil || d.Constraint.Op != semver.OpGtEq || !d.Constraint.Version.Equal(semver.MustParse("1.2.0")) {
		t.Fatalf("constraint = %+v", d.Constraint)
	}
	if got := Print(d); got != "? some-mod >= 1.2.0" {
		t.Errorf("Print = %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	specs := []DependencySpec{
		{Target: "base", Kind: Required},
		{Target: "bobs-logistics", Kind: Required, Constraint: ptr(semver.Constraint{Op: semver.OpGtEq, Version: semver.MustParse("1.0.0")})},
		{Target: "angels-addons", Kind: Optional},
		{Target: "some-incompatible-mod", Kind: Incompatible},
		{Target: "load-after-me", Kind: LoadNeutral, Constraint: ptr(semver.Constraint{Op: semver.OpEq, Version: semver.MustParse("2.3.4")})},
		{Target: "hidden-thing", Kind: HiddenOptional, Constraint: ptr(semver.Constraint{Op: semver.OpLess, Version: semver.MustParse("9.9.9")})},
	}
	for _, want := range specs {
		printed := Print(want)
		got, err := Parse(printed)
		if err != nil {
			t.Fatalf("Parse(Print(%+v)) = %v, %v", want, got, err)
		}
		if got.Target != want.Target || got.Kind != want.Kind {
			t.Errorf("round trip mismatch: want %+v, got %+v (printed %q)", want, got, printed)
		}
		if (got.Constraint == nil) != (want.Constraint == nil) {
			t.Errorf("constraint presence mismatch for %q", printed)
			continue
		}
		if want.Constraint != nil {
			if got.Constraint.Op != want.Constraint.Op || !got.Constraint.Version.Equal(want.Constraint.Version) {
				t.Errorf("constraint mismatch: want %+v, got %+v", want.Constraint, got.Constraint)
			}
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "!", ">= 1.0.0", "mod-name >= 1.0", "mod name", "mod >= a.b.c"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) = nil error, want error", s)
		}
	}
}

func TestPrefixLongestMatchFirst(t *testing.T) {
	d, err := Parse("(?) optional-hidden")
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != HiddenOptional {
		t.Errorf("expected HIDDEN_OPTIONAL, got %v", d.Kind)
	}
}

func ptr[T any](v T) *T { return &v }
