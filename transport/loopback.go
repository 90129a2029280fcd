package transport

import (
	"context"

	"github.com/veilmesh/pdn/external"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/store"
)

// Loopback is an in-process WireTransport: every endpoint maps directly to
// a store.Node in the same process. Used by single-node agents that are
// their own server, and by the end-to-end tests.
type Loopback struct {
	Nodes map[external.Endpoint]*store.Node
}

// NewLoopback builds an empty loopback fabric.
func NewLoopback() *Loopback {
	return &Loopback{Nodes: make(map[external.Endpoint]*store.Node)}
}

// Attach registers node as the handler for endpoint.
func (l *Loopback) Attach(endpoint external.Endpoint, node *store.Node) {
	l.Nodes[endpoint] = node
}

func (l *Loopback) Send(ctx context.Context, batch map[external.Endpoint][]external.PendingRequest) (map[external.Endpoint]map[string]external.DwnResponse, error) {
	out := make(map[external.Endpoint]map[string]external.DwnResponse, len(batch))
	for ep, reqs := range batch {
		node, ok := l.Nodes[ep]
		if !ok {
			return nil, pdnerrors.New(pdnerrors.DependencyDown, "no node attached at endpoint %q", ep)
		}
		replies := make(map[string]external.DwnResponse, len(reqs))
		for _, pr := range reqs {
			resp, err := node.Handle(ctx, pr.Request)
			if err != nil {
				return nil, err
			}
			replies[pr.UUID] = resp
		}
		out[ep] = replies
	}
	return out, nil
}
