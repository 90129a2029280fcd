package key

import (
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// Channel is the child-record authorization triple. A nil *Channel on a
// PermissionSet means the path admits no children.
type Channel struct {
	DiscoverChild *Key
	CreateChild   *Key
	ReadChild     *Key
}

// PermissionSet is the seven-key quartet-plus-channel capability bundle for
// one record Path. Discover is always present (it is how the record is
// indexed); Create and Read may be secret or public; Delete and Channel may
// be entirely absent (nil).
type PermissionSet struct {
	Path     Path
	Discover *Key
	Create   *Key
	Read     *Key
	Delete   *Key // nil: protocol does not permit deletion
	Channel  *Channel
}

// PermissionOptions selects which capabilities a subset/trim operation
// should retain as secrets. A field set to false downgrades the
// corresponding slot to its public projection (or removes it, for Delete
// and the channel, when the source does not carry it at all).
type PermissionOptions struct {
	CanCreate      bool
	CanRead        bool
	CanDelete      bool
	CanCreateChild bool
	CanReadChild   bool
}

// indices of the seven successive child derivations rooted at a PathedKey.
const (
	idxDiscover = iota
	idxCreate
	idxRead
	idxDelete
	idxChannelDiscover
	idxChannelCreate
	idxChannelRead
)

// ToPermission derives the full PermissionSet for pk via seven successive
// integer-indexed child derivations of pk.Secret, in the fixed order
// discover, create, read, delete, channel.discover_child,
// channel.create_child, channel.read_child.
func ToPermission(pk PathedKey) (PermissionSet, error) {
	derive := func(i uint64) (*Key, error) { return pk.Secret.DeriveFromInt(i) }

	discover, err := derive(idxDiscover)
	if err != nil {
		return PermissionSet{}, err
	}
	create, err := derive(idxCreate)
	if err != nil {
		return PermissionSet{}, err
	}
	read, err := derive(idxRead)
	if err != nil {
		return PermissionSet{}, err
	}
	del, err := derive(idxDelete)
	if err != nil {
		return PermissionSet{}, err
	}
	chDiscover, err := derive(idxChannelDiscover)
	if err != nil {
		return PermissionSet{}, err
	}
	chCreate, err := derive(idxChannelCreate)
	if err != nil {
		return PermissionSet{}, err
	}
	chRead, err := derive(idxChannelRead)
	if err != nil {
		return PermissionSet{}, err
	}

	return PermissionSet{
		Path:     pk.Path,
		Discover: discover,
		Create:   create,
		Read:     read,
		Delete:   del,
		Channel: &Channel{
			DiscoverChild: chDiscover,
			CreateChild:   chCreate,
			ReadChild:     chRead,
		},
	}, nil
}

// Subset downgrades ps according to options: a slot requested as absent
// (false) is downgraded to its public projection. Delete and Channel stay
// absent (nil) when the source lacks them; when present they are
// downgraded slot by slot like the others. Subset never fabricates a secret the source lacks; a caller
// requesting a capability ps does not hold as a secret gets an error only
// when the slot is altogether absent (Delete/Channel == nil) — downgrading
// a present secret to public always succeeds.
func Subset(ps PermissionSet, opts PermissionOptions) (PermissionSet, error) {
	out := PermissionSet{Path: ps.Path}

	out.Discover = ps.Discover // discover is never trimmed away

	out.Create = downgrade(ps.Create, opts.CanCreate)
	out.Read = downgrade(ps.Read, opts.CanRead)

	if ps.Delete == nil {
		if opts.CanDelete {
			return PermissionSet{}, pdnerrors.New(pdnerrors.InsufficientPermission,
				"delete capability requested but source has none")
		}
		out.Delete = nil
	} else {
		out.Delete = downgrade(ps.Delete, opts.CanDelete)
	}

	if ps.Channel == nil {
		if opts.CanCreateChild || opts.CanReadChild {
			return PermissionSet{}, pdnerrors.New(pdnerrors.InsufficientPermission,
				"channel capability requested but source has none")
		}
		out.Channel = nil
	} else {
		// The discover_child secret travels with any granted child
		// capability: without it the grantee could not address the
		// channel's slots at all.
		keepDiscover := opts.CanCreateChild || opts.CanReadChild
		out.Channel = &Channel{
			DiscoverChild: downgrade(ps.Channel.DiscoverChild, keepDiscover),
			CreateChild:   downgrade(ps.Channel.CreateChild, opts.CanCreateChild),
			ReadChild:     downgrade(ps.Channel.ReadChild, opts.CanReadChild),
		}
	}

	return out, nil
}

func downgrade(k *Key, keepSecret bool) *Key {
	if k == nil {
		return nil
	}
	if keepSecret {
		return k
	}
	return k.Public()
}

// Combine merges two PermissionSets describing the same Path: for each
// slot, the secret-bearing input wins; if both or neither hold a secret,
// their public projections must agree (enforced via Validate). Combining a
// raw (fully-secret) key with a protocol-trimmed key follows the documented
// tie-break: if either side lacks Delete or Channel entirely, the combined
// result lacks it too ("raw key meets protocol-trimmed key").
func Combine(a, b PermissionSet) (PermissionSet, error) {
	if !a.Path.Equal(b.Path) {
		return PermissionSet{}, pdnerrors.New(pdnerrors.Validation, "cannot combine permission sets for different paths")
	}
	if err := Validate(a, b); err != nil {
		return PermissionSet{}, err
	}

	out := PermissionSet{Path: a.Path}
	out.Discover = pick(a.Discover, b.Discover)
	out.Create = pick(a.Create, b.Create)
	out.Read = pick(a.Read, b.Read)

	if a.Delete == nil || b.Delete == nil {
		out.Delete = nil
	} else {
		out.Delete = pick(a.Delete, b.Delete)
	}

	if a.Channel == nil || b.Channel == nil {
		out.Channel = nil
	} else {
		out.Channel = &Channel{
			DiscoverChild: pick(a.Channel.DiscoverChild, b.Channel.DiscoverChild),
			CreateChild:   pick(a.Channel.CreateChild, b.Channel.CreateChild),
			ReadChild:     pick(a.Channel.ReadChild, b.Channel.ReadChild),
		}
	}
	return out, nil
}

// pick returns whichever of a, b holds a secret, preferring a. Validate
// must already have confirmed their public projections agree.
func pick(a, b *Key) *Key {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if !a.IsPublic() {
		return a
	}
	return b
}

// Validate checks that the public projections of every present slot in a
// and b agree. It is the equality law underlying Combine: for any options
// o, Validate(a, Subset(a, o)) always succeeds.
func Validate(a, b PermissionSet) error {
	if !a.Path.Equal(b.Path) {
		return pdnerrors.New(pdnerrors.Validation, "path mismatch")
	}
	if err := keysAgree("discover", a.Discover, b.Discover); err != nil {
		return err
	}
	if err := keysAgree("create", a.Create, b.Create); err != nil {
		return err
	}
	if err := keysAgree("read", a.Read, b.Read); err != nil {
		return err
	}
	if a.Delete != nil && b.Delete != nil {
		if err := keysAgree("delete", a.Delete, b.Delete); err != nil {
			return err
		}
	}
	if a.Channel != nil && b.Channel != nil {
		if err := keysAgree("channel.discover_child", a.Channel.DiscoverChild, b.Channel.DiscoverChild); err != nil {
			return err
		}
		if err := keysAgree("channel.create_child", a.Channel.CreateChild, b.Channel.CreateChild); err != nil {
			return err
		}
		if err := keysAgree("channel.read_child", a.Channel.ReadChild, b.Channel.ReadChild); err != nil {
			return err
		}
	}
	return nil
}

func keysAgree(slot string, a, b *Key) error {
	if a == nil || b == nil {
		return nil
	}
	if !a.Public().Equal(b.Public()) {
		return pdnerrors.New(pdnerrors.Validation, "public projection mismatch on %s slot", slot)
	}
	return nil
}

// PublicProjection returns ps with every present secret slot downgraded to
// public, used to compare two PermissionSets for the commutativity law on
// Combine.
func (ps PermissionSet) PublicProjection() PermissionSet {
	out := PermissionSet{Path: ps.Path}
	out.Discover = downgrade(ps.Discover, false)
	out.Create = downgrade(ps.Create, false)
	out.Read = downgrade(ps.Read, false)
	out.Delete = downgrade(ps.Delete, false)
	if ps.Channel != nil {
		out.Channel = &Channel{
			DiscoverChild: downgrade(ps.Channel.DiscoverChild, false),
			CreateChild:   downgrade(ps.Channel.CreateChild, false),
			ReadChild:     downgrade(ps.Channel.ReadChild, false),
		}
	}
	return out
}
