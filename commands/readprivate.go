package commands

import (
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/protocol"
	"github.com/veilmesh/pdn/record"
)

// ReadPrivate fetches and decodes one private record. Pointer and
// perm-pointer records are followed transparently: the command recurses on
// the referenced path (or referenced permission set) and completes with
// the final target. The (protocol, perms) pair of every record decoded on
// the way is cached for the rest of the run.
type ReadPrivate struct {
	DID  string // destination node; empty means the agent's own tenant
	Path key.Path

	// Perms overrides derivation from the agent's root key, for reading
	// under a granted capability (a share, a channel item, a DM).
	Perms *key.PermissionSet

	// IsComms marks reads performed under a comms-channel grant rather
	// than the tenant's own tree; it partitions the run cache.
	IsComms bool

	// hops guards against pointer cycles.
	hops int
}

const maxPointerHops = 8

func (c ReadPrivate) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)
	ps, err := permsFor(ctx, did, c.IsComms, c.Path, c.Perms)
	if err != nil {
		return compiler.Tasks{}, err
	}
	req, err := readRequestFor(ps)
	if err != nil {
		return compiler.Tasks{}, err
	}

	reqID := ctx.NewUUID()
	return compiler.Tasks{
		Requests: []compiler.RequestItem{{UUID: reqID, Header: header, DID: did, Request: req}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{reqID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				return c.decode(uuid, header, ctx, did, ps, responses[reqID])
			},
		}},
	}, nil
}

func (c ReadPrivate) decode(uuid string, header compiler.Header, ctx *compiler.Ctx, did string, ps key.PermissionSet, resp compiler.Response) (compiler.Tasks, error) {
	env, err := envelopeFrom(resp)
	if err != nil {
		return compiler.Tasks{}, err
	}
	if env == nil {
		return compiler.Complete(compiler.NoPrivateRecordResponse()), nil
	}

	rec, err := record.Decode(*env, ps, ctx.Mem.Protocols)
	if err != nil {
		return compiler.Tasks{}, err
	}
	proto, err := ctx.Mem.Protocols.Get(rec.ProtocolID)
	if err != nil {
		return compiler.Tasks{}, err
	}
	ctx.Cache.Put(
		compiler.CacheKey{DID: did, IsComms: c.IsComms, Path: c.Path.String()},
		compiler.CacheEntry{Protocol: proto, Perms: rec.Perms},
	)

	switch proto.Name {
	case protocol.PermPointer:
		if c.hops >= maxPointerHops {
			return compiler.Tasks{}, pdnerrors.New(pdnerrors.BadResponse, "pointer chain exceeds %d hops", maxPointerHops)
		}
		target, err := record.BytesToPerms(rec.Payload)
		if err != nil {
			return compiler.Tasks{}, err
		}
		return c.follow(uuid, header, ctx, ReadPrivate{
			DID: c.DID, Path: target.Path, Perms: &target, IsComms: true, hops: c.hops + 1,
		}), nil
	case protocol.Pointer:
		if c.hops >= maxPointerHops {
			return compiler.Tasks{}, pdnerrors.New(pdnerrors.BadResponse, "pointer chain exceeds %d hops", maxPointerHops)
		}
		target, err := record.BytesToPath(rec.Payload)
		if err != nil {
			return compiler.Tasks{}, err
		}
		return c.follow(uuid, header, ctx, ReadPrivate{
			DID: c.DID, Path: target, IsComms: c.IsComms, hops: c.hops + 1,
		}), nil
	}

	return compiler.Complete(compiler.PrivateRecordResponse(rec, rec.Perms)), nil
}

// follow chains this command's completion to a recursive read of the
// pointer target.
func (c ReadPrivate) follow(uuid string, header compiler.Header, ctx *compiler.Ctx, next ReadPrivate) compiler.Tasks {
	childID := ctx.NewUUID()
	return compiler.Tasks{
		Ready: []compiler.ReadyItem{{UUID: childID, Header: header, Command: next}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{childID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				r := responses[childID]
				return compiler.Complete(r), nil
			},
		}},
	}
}
