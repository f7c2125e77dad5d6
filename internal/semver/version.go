// Package semver implements the mod portal's version algebra: the
// 3-component Version, the 4-component GameVersion, and constraint
// evaluation. Comparison is delegated to github.com/blang/semver
// wherever its 3-component model lines up; GameVersion's 4th "build"
// component has no analogue there, so it's compared directly.
package semver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blang/semver"

	"github.com/sawtoothlabs/modctl/internal/ctlerr"
)

// Version is the mod portal's 3-component version: major.minor.patch,
// each an unsigned 16-bit integer.
type Version struct {
	Major, Minor, Patch uint16
}

// Parse parses "X.Y.Z", rejecting anything else. Each component must fit
// in 16 bits.
func Parse(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return Version{}, ctlerr.New(ctlerr.InvalidVersion, "expected X.Y.Z, got %q", s)
	}
	components := make([]uint16, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Version{}, ctlerr.Wrap(ctlerr.InvalidVersion, err, "invalid component %q in %q", p, s)
		}
		components[i] = uint16(n)
	}
	return Version{Major: components[0], Minor: components[1], Patch: components[2]}, nil
}

// MustParse parses s, panicking on error. For literals in tests and fixtures.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) toBlang() semver.Version {
	return semver.Version{Major: uint64(v.Major), Minor: uint64(v.Minor), Patch: uint64(v.Patch)}
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other. Comparison is strictly lexicographic by component.
func (v Version) Compare(other Version) int {
	return v.toBlang().Compare(other.toBlang())
}

func (v Version) Less(other Version) bool    { return v.Compare(other) < 0 }
func (v Version) Equal(other Version) bool   { return v.Compare(other) == 0 }
func (v Version) Greater(other Version) bool { return v.Compare(other) > 0 }

// GameVersion is the 4-component engine version: major.minor.patch-build,
// each u16, with a fixed 8-byte binary layout.
type GameVersion struct {
	Major, Minor, Patch, Build uint16
}

// ParseGameVersion parses "X.Y.Z-B".
func ParseGameVersion(s string) (GameVersion, error) {
	base, build, ok := strings.Cut(s, "-")
	if !ok {
		return GameVersion{}, ctlerr.New(ctlerr.InvalidVersion, "expected X.Y.Z-B, got %q", s)
	}
	v, err := Parse(base)
	if err != nil {
		return GameVersion{}, err
	}
	b, err := strconv.ParseUint(build, 10, 16)
	if err != nil {
		return GameVersion{}, ctlerr.Wrap(ctlerr.InvalidVersion, err, "invalid build component %q in %q", build, s)
	}
	return GameVersion{Major: v.Major, Minor: v.Minor, Patch: v.Patch, Build: uint16(b)}, nil
}

func (g GameVersion) String() string {
	return fmt.Sprintf("%d.%d.%d-%d", g.Major, g.Minor, g.Patch, g.Build)
}

// Compare is lexicographic across all four components.
func (g GameVersion) Compare(other GameVersion) int {
	for _, pair := range [][2]uint16{
		{g.Major, other.Major}, {g.Minor, other.Minor},
		{g.Patch, other.Patch}, {g.Build, other.Build},
	} {
		if pair[0] < pair[1] {
			return -1
		}
		if pair[0] > pair[1] {
			return 1
		}
	}
	return 0
}

// Op is a constraint comparison operator.
type Op string

const (
	OpLess    Op = "<"
	OpLessEq  Op = "<="
	OpEq      Op = "="
	OpGtEq    Op = ">="
	OpGreater Op = ">"
)

// Constraint is (op, version); SatisfiedBy is total on valid versions.
type Constraint struct {
	Op      Op
	Version Version
}

// ParseConstraint accepts only the five comparison operators.
// Surrounding whitespace is trimmed.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	for _, op := range []Op{OpGtEq, OpLessEq, OpGreater, OpLess, OpEq} {
		if rest, ok := strings.CutPrefix(s, string(op)); ok {
			v, err := Parse(strings.TrimSpace(rest))
			if err != nil {
				return Constraint{}, ctlerr.Wrap(ctlerr.InvalidConstraint, err, "invalid version in constraint %q", s)
			}
			return Constraint{Op: op, Version: v}, nil
		}
	}
	return Constraint{}, ctlerr.New(ctlerr.InvalidConstraint, "unrecognized operator in %q", s)
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s %s", c.Op, c.Version)
}

// SatisfiedBy reports whether v satisfies the constraint.
func (c Constraint) SatisfiedBy(v Version) bool {
	cmp := v.Compare(c.Version)
	switch c.Op {
	case OpLess:
		return cmp < 0
	case OpLessEq:
		return cmp <= 0
	case OpEq:
		return cmp == 0
	case OpGtEq:
		return cmp >= 0
	case OpGreater:
		return cmp > 0
	default:
		return false
	}
}
