// Package key implements the permission-key algebra: deterministic child-key
// derivation, PathedKey extension, and PermissionSet assembly/trimming/
// subsetting/combining/validation.
package key

import (
	"strings"

	"github.com/google/uuid"
)

// Path is an ordered sequence of opaque 128-bit identifiers. The empty path
// is the root.
type Path []uuid.UUID

// indexSibling is the reserved sentinel identifier appended to a path to
// address the monotonic child-index counter stored alongside it. It is
// never issued to callers as an ordinary record identifier.
var indexSibling = uuid.Nil

// Parent strips the last segment. Calling Parent on the root path returns
// the root path unchanged.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return Path{}
	}
	out := make(Path, len(p)-1)
	copy(out, p[:len(p)-1])
	return out
}

// IndexSibling appends the reserved sentinel used for the per-path child
// index counter.
func (p Path) IndexSibling() Path {
	return p.Extend(indexSibling)
}

// Extend appends one or more segments, returning a new path.
func (p Path) Extend(segs ...uuid.UUID) Path {
	out := make(Path, 0, len(p)+len(segs))
	out = append(out, p...)
	out = append(out, segs...)
	return out
}

// IsRoot reports whether p is the empty path.
func (p Path) IsRoot() bool { return len(p) == 0 }

// Extends reports whether p is target or a strict prefix of target, i.e.
// target can be reached by appending zero or more segments to p.
func (p Path) Extends(target Path) bool {
	if len(target) < len(p) {
		return false
	}
	for i := range p {
		if p[i] != target[i] {
			return false
		}
	}
	return true
}

// Suffix returns the segments of target beyond p's length. Callers must
// check Extends first.
func (p Path) Suffix(target Path) []uuid.UUID {
	return target[len(p):]
}

// Equal reports structural equality.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

func (p Path) String() string {
	segs := make([]string, len(p))
	for i, s := range p {
		segs[i] = s.String()
	}
	return strings.Join(segs, "/")
}

// NewSegment mints a fresh opaque 128-bit path identifier.
func NewSegment() uuid.UUID {
	return uuid.New()
}
