package commands

import (
	"github.com/veilmesh/pdn/compiler"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// Addressable is implemented by every verb that can be retargeted at
// another node, which is what lets Send fan one command out to a set of
// recipients.
type Addressable interface {
	compiler.Command
	WithDestination(did string) compiler.Command
}

// Send fans Command out to every recipient. A recipient that resolves to
// no endpoint fails only its own copy; the sibling copies still run, and
// Send's response aggregates any per-recipient failures. Send completes
// with Unit when every copy succeeded.
type Send struct {
	Command    Addressable
	Recipients []string
}

// unresolvable stands in for a fan-out copy whose recipient had no
// endpoint: it completes immediately with that recipient's failure,
// leaving its siblings untouched.
type unresolvable struct {
	did string
}

func (c unresolvable) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	return compiler.Complete(compiler.ErrorResponse(
		pdnerrors.New(pdnerrors.NotFound, "no endpoint resolved for %q", c.did),
	)), nil
}

func (c Send) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	if len(c.Recipients) == 0 {
		return compiler.Complete(compiler.Unit()), nil
	}
	if ctx.Mem.Resolver == nil {
		return compiler.Tasks{}, pdnerrors.New(pdnerrors.DependencyDown, "no identity resolver configured")
	}
	endpoints, err := ctx.Mem.Resolver.GetEndpoints(ctx.Context, c.Recipients)
	if err != nil {
		return compiler.Tasks{}, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}

	tasks := compiler.Tasks{}
	var deps []string
	for _, did := range c.Recipients {
		id := ctx.NewUUID()
		deps = append(deps, id)
		var cmd compiler.Command
		if len(endpoints[did]) == 0 {
			cmd = unresolvable{did: did}
		} else {
			cmd = c.Command.WithDestination(did)
		}
		tasks.Ready = append(tasks.Ready, compiler.ReadyItem{UUID: id, Header: header, Command: cmd})
	}
	tasks.Waiting = []compiler.WaitingItem{{
		UUID:     uuid,
		Header:   header,
		DepUUIDs: deps,
		Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
			return compiler.Complete(compiler.Unit()), nil
		},
	}}
	return tasks, nil
}
