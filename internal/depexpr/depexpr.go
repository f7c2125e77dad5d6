// Package depexpr implements the mod dependency mini-language: parsing
// a declared dependency string into a typed DependencySpec and printing
// it back out byte-for-byte, so parse and print round-trip exactly.
package depexpr

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
	"github.com/sawtoothlabs/modctl/internal/semver"
)

// Kind is the relation a DependencySpec expresses.
type Kind int

const (
	Required Kind = iota
	Optional
	HiddenOptional
	Incompatible
	LoadNeutral
)

func (k Kind) String() string {
	switch k {
	case Required:
		return "REQUIRED"
	case Optional:
		return "OPTIONAL"
	case HiddenOptional:
		return "HIDDEN_OPTIONAL"
	case Incompatible:
		return "INCOMPATIBLE"
	case LoadNeutral:
		return "LOAD_NEUTRAL"
	default:
		return "UNKNOWN"
	}
}

// prefixForKind is the inverse of prefixesByLength below and is used for
// printing; parsing itself tries longest-prefix-first via prefixesByLength.
var prefixForKind = map[Kind]string{
	Required:       "",
	Optional:       "?",
	HiddenOptional: "(?)",
	Incompatible:   "!",
	LoadNeutral:    "~",
}

// longest-prefix-first: "(?)" must be tried before "?".
var prefixesByLength = []struct {
	prefix string
	kind   Kind
}{
	{"(?)", HiddenOptional},
	{"?", Optional},
	{"!", Incompatible},
	{"~", LoadNeutral},
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+`)

// DependencySpec is one parsed dependency: (target, kind, constraint?).
type DependencySpec struct {
	Target     string
	Kind       Kind
	Constraint *semver.Constraint
}

// Parse parses a single dependency expression. Whitespace between tokens
// is insignificant; the name charset and version grammar are fixed.
func Parse(s string) (DependencySpec, error) {
	orig := s
	rest := strings.TrimSpace(s)

	kind := Required
	for _, p := range prefixesByLength {
		if strings.HasPrefix(rest, p.prefix) {
			kind = p.kind
			rest = strings.TrimSpace(rest[len(p.prefix):])
			break
		}
	}

	m := nameRe.FindString(rest)
	if m == "" {
		return DependencySpec{}, ctlerr.New(ctlerr.InvalidDependency, "missing mod name in %q", orig)
	}
	name := m
	rest = strings.TrimSpace(rest[len(m):])

	spec := DependencySpec{Target: name, Kind: kind}

	if rest == "" {
		return spec, nil
	}

	op, ver, err := splitConstraint(rest)
	if err != nil {
		return DependencySpec{}, ctlerr.Wrap(ctlerr.InvalidDependency, err, "invalid constraint in %q", orig)
	}
	c, err := semver.ParseConstraint(op + " " + ver)
	if err != nil {
		return DependencySpec{}, ctlerr.Wrap(ctlerr.InvalidDependency, err, "invalid constraint in %q", orig)
	}
	spec.Constraint = &c
	return spec, nil
}

// splitConstraint splits "<op> <ws> <version>" honoring the five allowed
// operators, longest first (">=", "<=" before ">", "<").
func splitConstraint(s string) (op, version string, err error) {
	for _, candidate := range []string{">=", "<=", ">", "<", "="} {
		if strings.HasPrefix(s, candidate) {
			v := strings.TrimSpace(strings.TrimPrefix(s, candidate))
			if v == "" {
				return "", "", fmt.Errorf("missing version after operator %q", candidate)
			}
			return candidate, v, nil
		}
	}
	return "", "", fmt.Errorf("unrecognized operator in %q", s)
}

// Print renders d back to its canonical string form: prefix-glyph (with a
// trailing space if non-empty), name, and if a constraint is present, one
// space, op, one space, version.
func Print(d DependencySpec) string {
	var b strings.Builder
	if prefix := prefixForKind[d.Kind]; prefix != "" {
		b.WriteString(prefix)
		b.WriteByte(' ')
	}
	b.WriteString(d.Target)
	if d.Constraint != nil {
		b.WriteByte(' ')
		b.WriteString(string(d.Constraint.Op))
		b.WriteByte(' ')
		b.WriteString(d.Constraint.Version.String())
	}
	return b.String()
}
