package commands

import (
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/protocol"
	"github.com/veilmesh/pdn/record"
)

// Scan walks Path's channel from Start, batch-reading consecutive child
// slots and following pointer items to their targets. Reading continues
// past holes: only after emptyMargin consecutive empty slots does the scan
// conclude the channel has ended. Items that decode badly are skipped
// rather than failing the scan, so unknown or corrupt records from other
// writers don't hide the rest of the channel.
type Scan struct {
	DID   string
	Path  key.Path
	Start uint64
	Perms *key.PermissionSet
}

const (
	scanBatchThreshold = 5  // slots read singly before batches start doubling
	scanMaxBatch       = 64
	scanEmptyMargin    = 10 // consecutive empties that end the scan
)

// scanState accumulates across probe rounds. Slot order is preserved:
// records land in slots as they resolve and are flattened at completion.
type scanState struct {
	slots    []scanSlot
	emptyRun int
	done     bool
}

type scanSlot struct {
	rec     *record.Private
	pending string // uuid of an in-flight pointer follow-up
}

func (c Scan) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)
	ps, err := permsFor(ctx, did, c.Perms != nil, c.Path, c.Perms)
	if err != nil {
		return compiler.Tasks{}, err
	}
	if ps.Channel == nil {
		return compiler.Tasks{}, pdnerrors.New(pdnerrors.InsufficientPermission, "path %s has no channel to scan", c.Path)
	}
	return c.round(uuid, header, ctx, did, ps, &scanState{}, c.Start, 1, nil)
}

// round reads the next batch of slots. pendingDeps are pointer follow-ups
// spawned by earlier rounds; carrying them as dependencies keeps their
// responses alive until this command assembles its result.
func (c Scan) round(uuid string, header compiler.Header, ctx *compiler.Ctx, did string, ps key.PermissionSet, state *scanState, cursor, batch uint64, pendingDeps []string) (compiler.Tasks, error) {
	if uint64(len(state.slots)) >= scanBatchThreshold && batch < scanMaxBatch {
		batch *= 2
	}
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
		DepUUIDs: append(append([]string(nil), slotUUIDs...), pendingDeps...),
		Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
			c.settlePending(state, responses)

			follow := compiler.Tasks{}
			var newPending []string
			for i, id := range slotUUIDs {
				if state.done {
					break
				}
				env, err := envelopeFrom(responses[id])
				if err != nil {
					return compiler.Tasks{}, err
				}
				if env == nil {
					state.emptyRun++
					state.slots = append(state.slots, scanSlot{})
					if state.emptyRun >= scanEmptyMargin {
						state.done = true
					}
					continue
				}
				state.emptyRun = 0
				slotPs, err := channelItemReadPerms(ps, cursor+uint64(i))
				if err != nil {
					return compiler.Tasks{}, err
				}
				rec, err := record.Decode(*env, slotPs, ctx.Mem.Protocols)
				if err != nil {
					// A record we cannot decode is someone else's problem;
					// keep scanning.
					state.slots = append(state.slots, scanSlot{})
					continue
				}
				slot := scanSlot{}
				if pid, cmd := c.followPointer(ctx, rec); cmd != nil {
					slot.pending = pid
					newPending = append(newPending, pid)
					follow.Ready = append(follow.Ready, compiler.ReadyItem{UUID: pid, Header: header, Command: cmd})
				} else {
					r := rec
					slot.rec = &r
				}
				state.slots = append(state.slots, slot)
			}

			if state.done {
				fin, err := c.finish(uuid, header, state, newPending)
				if err != nil {
					return compiler.Tasks{}, err
				}
				return follow.Merge(fin), nil
			}
			next, err := c.round(uuid, header, ctx, did, ps, state, cursor+batch, batch, newPending)
			if err != nil {
				return compiler.Tasks{}, err
			}
			return follow.Merge(next), nil
		},
	}}
	return tasks, nil
}

// settlePending folds completed pointer follow-ups into their slots.
func (c Scan) settlePending(state *scanState, responses map[string]compiler.Response) {
	for i := range state.slots {
		pid := state.slots[i].pending
		if pid == "" {
			continue
		}
		r, ok := responses[pid]
		if !ok {
			continue
		}
		state.slots[i].pending = ""
		if r.Kind == compiler.RespPrivateRecord && r.PrivateRecord != nil {
			state.slots[i].rec = r.PrivateRecord
		}
	}
}

// followPointer maps a pointer or perm-pointer item to the read that
// resolves it; other items resolve in place.
func (c Scan) followPointer(ctx *compiler.Ctx, rec record.Private) (string, compiler.Command) {
	proto, err := ctx.Mem.Protocols.Get(rec.ProtocolID)
	if err != nil {
		return "", nil
	}
	switch proto.Name {
	case protocol.Pointer:
		target, err := record.BytesToPath(rec.Payload)
		if err != nil {
			return "", nil
		}
		return ctx.NewUUID(), ReadPrivate{DID: c.DID, Path: target, IsComms: c.Perms != nil}
	case protocol.PermPointer:
		target, err := record.BytesToPerms(rec.Payload)
		if err != nil {
			return "", nil
		}
		return ctx.NewUUID(), ReadPrivate{DID: c.DID, Path: target.Path, Perms: &target, IsComms: true}
	}
	return "", nil
}

// finish waits for any follow-ups spawned in the final round, then
// flattens the slots into the ordered record list.
func (c Scan) finish(uuid string, header compiler.Header, state *scanState, deps []string) (compiler.Tasks, error) {
	assemble := func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
		c.settlePending(state, responses)
		out := make([]record.Private, 0, len(state.slots))
		for _, s := range state.slots {
			if s.rec != nil {
				out = append(out, *s.rec)
			}
		}
		return compiler.Complete(compiler.PrivateRecordsResponse(out)), nil
	}
	if len(deps) == 0 {
		return assemble(nil, nil)
	}
	return compiler.Tasks{
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: deps,
			Next:     assemble,
		}},
	}, nil
}
