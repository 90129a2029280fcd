package commands

import (
	guuid "github.com/google/uuid"
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/protocol"
	"github.com/veilmesh/pdn/record"
)

// CreatePrivateChild appends a record to Parent's channel: it finds the
// next unused index, writes the item under the channel keys derived at
// that index, and advances the per-path counter record at a write priority
// equal to the new index, so concurrent appends in one run settle on the
// highest index actually handed out.
type CreatePrivateChild struct {
	DID    string
	Parent key.Path

	// ParentPerms and ParentProtocolID short-circuit the parent lookup
	// when the caller already holds them (appending to a granted channel).
	ParentPerms      *key.PermissionSet
	ParentProtocolID guuid.UUID

	ChildProtocolID guuid.UUID
	Payload         []byte
}

func (c CreatePrivateChild) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)

	proto, ps, known, err := c.parentInfo(ctx, did)
	if err != nil {
		return compiler.Tasks{}, err
	}
	if known {
		return c.withParent(uuid, header, ctx, did, proto, ps)
	}

	// Parent protocol unknown: read the parent record to learn it. The
	// read populates the run cache, which the continuation re-consults.
	readUUID := ctx.NewUUID()
	isComms := c.ParentPerms != nil
	return compiler.Tasks{
		Ready: []compiler.ReadyItem{{
			UUID:    readUUID,
			Header:  header,
			Command: ReadPrivate{DID: c.DID, Path: c.Parent, Perms: c.ParentPerms, IsComms: isComms},
		}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{readUUID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				entry, ok := ctx.Cache.Get(compiler.CacheKey{DID: did, IsComms: isComms, Path: c.Parent.String()})
				if !ok {
					return compiler.Tasks{}, pdnerrors.New(pdnerrors.NotFound, "parent record %s does not exist", c.Parent)
				}
				return c.withParent(uuid, header, ctx, did, entry.Protocol, entry.Perms)
			},
		}},
	}, nil
}

func (c CreatePrivateChild) parentInfo(ctx *compiler.Ctx, did string) (protocol.Protocol, key.PermissionSet, bool, error) {
	var ps key.PermissionSet
	var err error
	if c.ParentPerms != nil {
		ps = *c.ParentPerms
	} else if c.Parent.IsRoot() {
		ps, err = permsFor(ctx, did, false, c.Parent, nil)
		if err != nil {
			return protocol.Protocol{}, key.PermissionSet{}, false, err
		}
	}

	if c.ParentProtocolID != guuid.Nil {
		proto, err := ctx.Mem.Protocols.Get(c.ParentProtocolID)
		if err != nil {
			return protocol.Protocol{}, key.PermissionSet{}, false, err
		}
		if c.ParentPerms == nil && !c.Parent.IsRoot() {
			if ps, err = permsFor(ctx, did, false, c.Parent, nil); err != nil {
				return protocol.Protocol{}, key.PermissionSet{}, false, err
			}
		}
		return proto, ps, true, nil
	}
	if c.Parent.IsRoot() {
		proto, _, err := protoByName(ctx, protocol.Root)
		if err != nil {
			return protocol.Protocol{}, key.PermissionSet{}, false, err
		}
		return proto, ps, true, nil
	}
	isComms := c.ParentPerms != nil
	if entry, ok := ctx.Cache.Get(compiler.CacheKey{DID: did, IsComms: isComms, Path: c.Parent.String()}); ok {
		perms := entry.Perms
		if c.ParentPerms != nil {
			if combined, err := key.Combine(*c.ParentPerms, entry.Perms); err == nil {
				perms = combined
			}
		}
		return entry.Protocol, perms, true, nil
	}
	return protocol.Protocol{}, ps, false, nil
}

func (c CreatePrivateChild) withParent(uuid string, header compiler.Header, ctx *compiler.Ctx, did string, proto protocol.Protocol, ps key.PermissionSet) (compiler.Tasks, error) {
	if err := protocol.ValidateChild(proto, c.ChildProtocolID); err != nil {
		return compiler.Tasks{}, err
	}
	counterPs, err := counterPerms(ps)
	if err != nil {
		return compiler.Tasks{}, err
	}
	counterRead, err := readRequestFor(counterPs)
	if err != nil {
		return compiler.Tasks{}, err
	}

	// The counter read dedups against the identical read NextIndex issues.
	nextUUID := ctx.NewUUID()
	counterUUID := ctx.NewUUID()
	return compiler.Tasks{
		Ready: []compiler.ReadyItem{{
			UUID:    nextUUID,
			Header:  header,
			Command: NextIndex{DID: c.DID, Parent: c.Parent, Perms: &ps},
		}},
		Requests: []compiler.RequestItem{{UUID: counterUUID, Header: header, DID: did, Request: counterRead}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{nextUUID, counterUUID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				next := responses[nextUUID]
				if next.Kind != compiler.RespIndex {
					return compiler.Tasks{}, pdnerrors.New(pdnerrors.BadResponse, "expected an index, got kind %d", next.Kind)
				}
				counterEnv, err := envelopeFrom(responses[counterUUID])
				if err != nil {
					return compiler.Tasks{}, err
				}
				return c.write(uuid, header, ctx, did, ps, counterPs, next.Index, counterEnv != nil)
			},
		}},
	}, nil
}

func (c CreatePrivateChild) write(uuid string, header compiler.Header, ctx *compiler.Ctx, did string, parent, counterPs key.PermissionSet, index uint64, counterExists bool) (compiler.Tasks, error) {
	itemPs, err := channelItemPerms(parent, index)
	if err != nil {
		return compiler.Tasks{}, err
	}
	itemProto, err := ctx.Mem.Protocols.Get(c.ChildProtocolID)
	if err != nil {
		return compiler.Tasks{}, err
	}
	itemEnv, _, err := encodeRecord(itemProto, c.ChildProtocolID, itemPs, c.Payload)
	if err != nil {
		return compiler.Tasks{}, err
	}

	usizeProto, usizeID, err := protoByName(ctx, protocol.Usize)
	if err != nil {
		return compiler.Tasks{}, err
	}
	counterEnv, counterTrimmed, err := encodeRecord(usizeProto, usizeID, counterPs, encodeUsize(index+1))
	if err != nil {
		return compiler.Tasks{}, err
	}
	var counterReq external.DwnRequest
	if counterExists {
		if counterReq, err = signedUpdateRequest(counterEnv, counterTrimmed.Create); err != nil {
			return compiler.Tasks{}, err
		}
	} else {
		counterReq = external.DwnRequest{Kind: external.KindCreatePrivate, Envelope: counterEnv}
	}

	itemUUID := ctx.NewUUID()
	counterUUID := ctx.NewUUID()
	counterHeader := header
	counterHeader.Order = int(index) // priority = new index: the furthest append wins
	return compiler.Tasks{
		MutableRequests: []compiler.MutableRequestItem{
			{
				UUID:      itemUUID,
				Header:    header,
				DID:       did,
				Request:   external.DwnRequest{Kind: external.KindCreatePrivate, Envelope: itemEnv},
				TargetKey: mutableTarget(did, itemEnv.Discover),
			},
			{
				UUID:      counterUUID,
				Header:    counterHeader,
				DID:       did,
				Request:   counterReq,
				TargetKey: mutableTarget(did, counterEnv.Discover),
			},
		},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{itemUUID, counterUUID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				return compiler.Complete(compiler.IndexResponse(index)), nil
			},
		}},
	}, nil
}

// NextIndex finds the next unused channel index under Parent: it starts at
// the counter record's watermark and probes forward in doubling batches
// until the first gap. The result is memoized per (node, path) for the
// rest of the run, so subsequent appends under the same parent are handed
// consecutive indices without re-scanning.
type NextIndex struct {
	DID    string
	Parent key.Path
	Perms  *key.PermissionSet
}

const nextIndexInitialBatch = 2

func (c NextIndex) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)
	ps, err := permsFor(ctx, did, c.Perms != nil, c.Parent, c.Perms)
	if err != nil {
		return compiler.Tasks{}, err
	}
	pathKey := indexPathKey(did, c.Parent)
	if cur, ok := ctx.Mem.PeekCreateIndex(pathKey); ok {
		return compiler.Complete(compiler.IndexResponse(ctx.Mem.NextCreateIndex(pathKey, cur))), nil
	}

	counterPs, err := counterPerms(ps)
	if err != nil {
		return compiler.Tasks{}, err
	}
	counterRead, err := readRequestFor(counterPs)
	if err != nil {
		return compiler.Tasks{}, err
	}
	counterUUID := ctx.NewUUID()
	return compiler.Tasks{
		Requests: []compiler.RequestItem{{UUID: counterUUID, Header: header, DID: did, Request: counterRead}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{counterUUID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				start := uint64(0)
				env, err := envelopeFrom(responses[counterUUID])
				if err != nil {
					return compiler.Tasks{}, err
				}
				if env != nil {
					rec, err := record.Decode(*env, counterPs, ctx.Mem.Protocols)
					if err != nil {
						return compiler.Tasks{}, err
					}
					if start, err = decodeUsize(rec.Payload); err != nil {
						return compiler.Tasks{}, err
					}
				}
				return c.probe(uuid, header, ctx, did, ps, pathKey, start, nextIndexInitialBatch)
			},
		}},
	}, nil
}

// probe reads the batch of slots [cursor, cursor+batch) and either settles
// on the first empty slot or doubles the batch and continues.
func (c NextIndex) probe(uuid string, header compiler.Header, ctx *compiler.Ctx, did string, ps key.PermissionSet, pathKey string, cursor, batch uint64) (compiler.Tasks, error) {
	slotUUIDs := make([]string, 0, batch)
	tasks := compiler.Tasks{}
	for i := uint64(0); i < batch; i++ {
		slotPs, err := channelItemReadPerms(ps, cursor+i)
		if err != nil {
			return compiler.Tasks{}, err
		}
		req, err := readRequestFor(slotPs)
		if err != nil {
			return compiler.Tasks{}, err
		}
		id := ctx.NewUUID()
		slotUUIDs = append(slotUUIDs, id)
		tasks.Requests = append(tasks.Requests, compiler.RequestItem{UUID: id, Header: header, DID: did, Request: req})
	}
	tasks.Waiting = []compiler.WaitingItem{{
		UUID:     uuid,
		Header:   header,
		DepUUIDs: slotUUIDs,
		Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
			for i, id := range slotUUIDs {
				env, err := envelopeFrom(responses[id])
				if err != nil {
					return compiler.Tasks{}, err
				}
				if env == nil {
					gap := cursor + uint64(i)
					return compiler.Complete(compiler.IndexResponse(ctx.Mem.NextCreateIndex(pathKey, gap))), nil
				}
			}
			return c.probe(uuid, header, ctx, did, ps, pathKey, cursor+batch, batch*2)
		},
	}}
	return tasks, nil
}
