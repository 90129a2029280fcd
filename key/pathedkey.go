package key

import (
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// PathedKey pairs a secret Key with the Path it is rooted at. Deriving along
// a path that does not extend the stored path is a capability violation,
// not a bug to recover from, so it returns InsufficientPermission rather
// than panicking.
type PathedKey struct {
	Secret *Key
	Path    Path
}

// NewRootPathedKey binds a secret key to the empty (root) path.
func NewRootPathedKey(secret *Key) PathedKey {
	return PathedKey{Secret: secret, Path: Path{}}
}

// DerivePath derives the PathedKey for target, which must extend pk.Path.
// The resulting secret is pk.Secret derived successively by the raw bytes
// of each segment beyond pk.Path, in order.
func DerivePath(pk PathedKey, target Path) (PathedKey, error) {
	if !pk.Path.Extends(target) {
		return PathedKey{}, pdnerrors.New(pdnerrors.InsufficientPermission,
			"path %s does not extend %s", target, pk.Path)
	}
	cur := pk.Secret
	for _, seg := range pk.Path.Suffix(target) {
		b := seg // uuid.UUID is [16]byte
		next, err := cur.DeriveFromBytes(b[:])
		if err != nil {
			return PathedKey{}, err
		}
		cur = next
	}
	return PathedKey{Secret: cur, Path: target}, nil
}
