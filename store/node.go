package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/external"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/telemetry"
)

// Node is one personal data node's server side: the three record stores
// behind a single request dispatcher. The transport layer (HTTP, websocket,
// or in-process loopback) hands it decoded DwnRequests and relays whatever
// DwnResponse comes back; all authorization lives in the stores themselves.
type Node struct {
	Private *PrivateStore
	Public  *PublicStore
	DM      *DMStore

	log *telemetry.Logger
}

// NewNode partitions kv into the three collections and wires them up.
func NewNode(kv external.KVStore, log *telemetry.Logger) *Node {
	if log == nil {
		log = telemetry.NewDefaultLogger(nil, "store.node")
	}
	return &Node{
		Private: NewPrivateStore(kv.Partition("private"), log),
		Public:  NewPublicStore(kv.Partition("public"), log),
		DM:      NewDMStore(kv.Partition("dm"), log),
		log:     log,
	}
}

// Handle dispatches one request to the store that owns its record class.
// Store-level protocol outcomes (Conflict, InvalidAuth) come back as
// first-class response variants; only infrastructure faults are errors.
func (n *Node) Handle(ctx context.Context, req external.DwnRequest) (external.DwnResponse, error) {
	switch req.Kind {
	case external.KindCreatePrivate:
		return n.Private.Create(ctx, req.Envelope)
	case external.KindReadPrivate:
		return n.Private.Read(ctx, req.DiscoverKey, req.Signature)
	case external.KindUpdatePrivate:
		resp, err := n.Private.Update(ctx, req.Envelope, req.OuterSigner, req.OuterSignature)
		if err != nil && pdnerrors.CodeOf(err) == pdnerrors.NotFound {
			// An update racing a delete is not an infrastructure fault; the
			// client's command layer decides whether to fall back to create.
			return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "no record to update"}, nil
		}
		return resp, err
	case external.KindDeletePrivate:
		return n.Private.Delete(ctx, req.DiscoverKey, req.Signature)
	case external.KindCreatePublic:
		return n.Public.Create(ctx, req.PublicRecord)
	case external.KindReadPublic:
		return n.Public.Read(ctx, req.Filters, req.SortKey)
	case external.KindUpdatePublic:
		resp, err := n.Public.Update(ctx, req.PublicRecord)
		if err != nil && pdnerrors.CodeOf(err) == pdnerrors.NotFound {
			return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "no record to update"}, nil
		}
		return resp, err
	case external.KindDeletePublic:
		id, err := uuid.Parse(req.RecordID)
		if err != nil {
			return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.BadRequest, err)
		}
		return n.Public.Delete(ctx, id, req.Signature)
	case external.KindCreateDM:
		return n.DM.Create(ctx, req.DM)
	case external.KindReadDM:
		return n.DM.Read(ctx, req.ComKey, req.SinceUnix, req.Signature)
	default:
		return external.DwnResponse{}, pdnerrors.New(pdnerrors.BadRequest, "unknown request kind %d", req.Kind)
	}
}
