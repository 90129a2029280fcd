package commands

import (
	guuid "github.com/google/uuid"
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/key"
)

// UpdatePrivate replaces the record at Path, falling through to
// CreatePrivate when nothing is stored there yet. Within one compile run,
// several updates of the same record collapse to the latest-submitted one
// via the compiler's mutable-collision policy.
type UpdatePrivate struct {
	DID        string
	Path       key.Path
	ProtocolID guuid.UUID
	Payload    []byte

	Perms *key.PermissionSet
}

func (c UpdatePrivate) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)
	proto, err := ctx.Mem.Protocols.Get(c.ProtocolID)
	if err != nil {
		return compiler.Tasks{}, err
	}
	ps, err := permsFor(ctx, did, c.Perms != nil, c.Path, c.Perms)
	if err != nil {
		return compiler.Tasks{}, err
	}
	env, trimmed, err := encodeRecord(proto, c.ProtocolID, ps, c.Payload)
	if err != nil {
		return compiler.Tasks{}, err
	}

	readReq, err := readRequestFor(trimmed)
	if err != nil {
		return compiler.Tasks{}, err
	}
	readID := ctx.NewUUID()
	return compiler.Tasks{
		Requests: []compiler.RequestItem{{UUID: readID, Header: header, DID: did, Request: readReq}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{readID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				existing, err := envelopeFrom(responses[readID])
				if err != nil {
					return compiler.Tasks{}, err
				}
				if existing == nil {
					return c.fallThroughToCreate(uuid, header, ctx)
				}

				signer := trimmed.Delete
				if signer == nil {
					signer = trimmed.Create
				}
				updateReq, err := signedUpdateRequest(env, signer)
				if err != nil {
					return compiler.Tasks{}, err
				}
				updateID := ctx.NewUUID()
				return compiler.Tasks{
					MutableRequests: []compiler.MutableRequestItem{{
						UUID:      updateID,
						Header:    header, // priority = original submission order
						DID:       did,
						Request:   updateReq,
						TargetKey: mutableTarget(did, env.Discover),
					}},
					Waiting: []compiler.WaitingItem{{
						UUID:     uuid,
						Header:   header,
						DepUUIDs: []string{updateID},
						Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
							return compiler.Complete(responses[updateID]), nil
						},
					}},
				}, nil
			},
		}},
	}, nil
}

func (c UpdatePrivate) fallThroughToCreate(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	createUUID := ctx.NewUUID()
	return compiler.Tasks{
		Ready: []compiler.ReadyItem{{
			UUID:   createUUID,
			Header: header,
			Command: CreatePrivate{
				DID:        c.DID,
				Path:       c.Path,
				ProtocolID: c.ProtocolID,
				Payload:    c.Payload,
				Perms:      c.Perms,
			},
		}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{createUUID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				return compiler.Complete(responses[createUUID]), nil
			},
		}},
	}, nil
}
