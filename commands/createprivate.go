package commands

import (
	"bytes"

	guuid "github.com/google/uuid"
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/record"
)

// CreatePrivate writes a new private record at Path. The create is
// preceded by a read of the same discover key: an existing record with an
// identical body makes the create an idempotent no-op (Empty), an existing
// record with a different body completes as Conflict without touching the
// server. A successful create also links the record into its parent's
// channel via CreatePrivateChild, unless SkipParentLink is set.
type CreatePrivate struct {
	DID        string
	Path       key.Path
	ProtocolID guuid.UUID
	Payload    []byte

	// Perms overrides root-key derivation (creating under a grant).
	Perms *key.PermissionSet

	// SkipParentLink suppresses the parent-channel pointer, for records
	// that are mirrored onto a peer's node or otherwise not indexed by a
	// local parent.
	SkipParentLink bool
}

func (c CreatePrivate) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)
	proto, err := ctx.Mem.Protocols.Get(c.ProtocolID)
	if err != nil {
		return compiler.Tasks{}, err
	}
	ps, err := permsFor(ctx, did, false, c.Path, c.Perms)
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
				return c.afterRead(uuid, header, ctx, did, trimmed, env, responses[readID])
			},
		}},
	}, nil
}

func (c CreatePrivate) afterRead(uuid string, header compiler.Header, ctx *compiler.Ctx, did string, ps key.PermissionSet, env record.Envelope, resp compiler.Response) (compiler.Tasks, error) {
	existing, err := envelopeFrom(resp)
	if err != nil {
		return compiler.Tasks{}, err
	}
	if existing != nil {
		rec, decErr := record.Decode(*existing, ps, ctx.Mem.Protocols)
		if decErr == nil && rec.ProtocolID == c.ProtocolID && bytes.Equal(rec.Payload, c.Payload) {
			// Identical record already stored; the create is idempotent.
			return compiler.Complete(compiler.DwnResponsesResponse(external.DwnResponse{Kind: external.RespEmpty})), nil
		}
		return compiler.Complete(compiler.DwnResponsesResponse(external.DwnResponse{
			Kind:    external.RespConflict,
			Message: "Conflict",
		})), nil
	}

	// Make the new record's info visible to later commands in this run
	// (a child create submitted after this one must find its parent).
	if proto, err := ctx.Mem.Protocols.Get(c.ProtocolID); err == nil {
		ctx.Cache.Put(
			compiler.CacheKey{DID: did, IsComms: false, Path: c.Path.String()},
			compiler.CacheEntry{Protocol: proto, Perms: ps},
		)
	}

	createID := ctx.NewUUID()
	tasks := compiler.Tasks{
		MutableRequests: []compiler.MutableRequestItem{{
			UUID:      createID,
			Header:    header,
			DID:       did,
			Request:   external.DwnRequest{Kind: external.KindCreatePrivate, Envelope: env},
			TargetKey: mutableTarget(did, env.Discover),
		}},
	}
	deps := []string{createID}

	if !c.SkipParentLink && !c.Path.IsRoot() {
		pointerPayload, err := record.PathToBytes(c.Path)
		if err != nil {
			return compiler.Tasks{}, err
		}
		_, pointerID, err := protoByName(ctx, "pointer")
		if err != nil {
			return compiler.Tasks{}, err
		}
		childID := ctx.NewUUID()
		tasks.Ready = append(tasks.Ready, compiler.ReadyItem{
			UUID:   childID,
			Header: header,
			Command: CreatePrivateChild{
				DID:             c.DID,
				Parent:          c.Path.Parent(),
				ChildProtocolID: pointerID,
				Payload:         pointerPayload,
			},
		})
		deps = append(deps, childID)
	}

	tasks.Waiting = []compiler.WaitingItem{{
		UUID:     uuid,
		Header:   header,
		DepUUIDs: deps,
		Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
			return compiler.Complete(responses[createID]), nil
		},
	}}
	return tasks, nil
}
