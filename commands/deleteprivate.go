package commands

import (
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// DeletePrivate removes the record at Path, authorized by the delete
// secret. It fails before anything is dispatched when the permission set
// at hand holds no delete secret. Protocols that trim the delete slot away
// make their records permanent: the node stores no delete key for them and
// answers a delete with InvalidAuth.
type DeletePrivate struct {
	DID   string
	Path  key.Path
	Perms *key.PermissionSet
}

func (c DeletePrivate) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)
	ps, err := permsFor(ctx, did, c.Perms != nil, c.Path, c.Perms)
	if err != nil {
		return compiler.Tasks{}, err
	}
	if ps.Delete == nil || ps.Delete.IsPublic() {
		return compiler.Tasks{}, pdnerrors.New(pdnerrors.InvalidAuth, "no delete secret for path %s", c.Path)
	}
	discoverPub := ps.Discover.Public()
	sig, err := ps.Delete.Sign(external.DeleteMarker(discoverPub))
	if err != nil {
		return compiler.Tasks{}, err
	}

	delID := ctx.NewUUID()
	return compiler.Tasks{
		MutableRequests: []compiler.MutableRequestItem{{
			UUID:   delID,
			Header: header,
			DID:    did,
			Request: external.DwnRequest{
				Kind:        external.KindDeletePrivate,
				DiscoverKey: discoverPub,
				Signature:   sig,
			},
			TargetKey: mutableTarget(did, discoverPub),
		}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{delID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				return compiler.Complete(responses[delID]), nil
			},
		}},
	}, nil
}
