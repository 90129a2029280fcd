// Package transport carries requests between a client compiler run and
// the nodes it addresses. The Facade groups outbound requests by resolved
// destination endpoint, dispatches the grouped batch through the wire
// transport collaborator, and fans replies back out keyed by the caller's
// per-request UUID. The package also provides the boundary codec and
// concrete wire surfaces: HTTP, websocket, and an in-process loopback.
package transport

import (
	"context"
	"sort"

	"github.com/veilmesh/pdn/external"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// Request is one outbound call the compiler wants dispatched: a
// correlation UUID, the destination DID, and the request payload.
type Request struct {
	UUID    string
	DID     string
	Request external.DwnRequest
}

// Result is the outcome of dispatching one Request: either a typed
// response or an error, never both.
type Result struct {
	Response external.DwnResponse
	Err      error
}

// Facade is the client transport façade. It holds no state beyond its
// collaborators and is safe to reuse across compiler runs.
type Facade struct {
	Resolver  external.IdentityResolver
	Transport external.WireTransport
}

// NewFacade builds a Facade over the given collaborators.
func NewFacade(resolver external.IdentityResolver, wire external.WireTransport) *Facade {
	return &Facade{Resolver: resolver, Transport: wire}
}

// Dispatch groups reqs by resolved destination endpoint, sends the grouped
// batch, and returns one Result per request UUID. A DID with no resolved
// endpoint fails only the requests addressed to it; a resolver error or a
// transport-level failure fails every request in the call. Dispatch never
// retries.
func (f *Facade) Dispatch(ctx context.Context, reqs []Request) (map[string]Result, error) {
	out := make(map[string]Result, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}

	dids := distinctDIDs(reqs)
	endpoints, err := f.Resolver.GetEndpoints(ctx, dids)
	if err != nil {
		resErr := pdnerrors.Wrap(pdnerrors.DependencyDown, err)
		for _, r := range reqs {
			out[r.UUID] = Result{Err: resErr}
		}
		return out, nil
	}

	batch := make(map[external.Endpoint][]external.PendingRequest)
	uuidToEndpoint := make(map[string]external.Endpoint, len(reqs))
	for _, r := range reqs {
		eps := endpoints[r.DID]
		if len(eps) == 0 {
			out[r.UUID] = Result{Err: pdnerrors.New(pdnerrors.NotFound, "no endpoint resolved for did %q", r.DID)}
			continue
		}
		ep := external.Endpoint(eps[0])
		batch[ep] = append(batch[ep], external.PendingRequest{UUID: r.UUID, Recipient: r.DID, Request: r.Request})
		uuidToEndpoint[r.UUID] = ep
	}
	if len(batch) == 0 {
		return out, nil
	}

	replies, err := f.Transport.Send(ctx, batch)
	if err != nil {
		sendErr := pdnerrors.Wrap(pdnerrors.JsonRpc, err)
		for uuid := range uuidToEndpoint {
			out[uuid] = Result{Err: sendErr}
		}
		return out, nil
	}

	for uuid, ep := range uuidToEndpoint {
		perEndpoint, ok := replies[ep]
		if !ok {
			out[uuid] = Result{Err: pdnerrors.New(pdnerrors.JsonRpc, "no reply batch for endpoint %q", ep)}
			continue
		}
		resp, ok := perEndpoint[uuid]
		if !ok {
			out[uuid] = Result{Err: pdnerrors.New(pdnerrors.JsonRpc, "no reply for request %s", uuid)}
			continue
		}
		out[uuid] = Result{Response: resp}
	}
	return out, nil
}

func distinctDIDs(reqs []Request) []string {
	seen := make(map[string]struct{}, len(reqs))
	var out []string
	for _, r := range reqs {
		if _, ok := seen[r.DID]; ok {
			continue
		}
		seen[r.DID] = struct{}{}
		out = append(out, r.DID)
	}
	sort.Strings(out)
	return out
}
