package commands

import (
	guuid "github.com/google/uuid"
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/protocol"
	"github.com/veilmesh/pdn/record"
)

// CreatePublic publishes a signed, queryable record. Set Update to replace
// an existing record instead; the server enforces that the new signer
// matches the original.
type CreatePublic struct {
	DID            string
	RecordID       guuid.UUID
	ProtocolID     guuid.UUID
	Payload        []byte
	SecondaryIndex map[string]any
	Update         bool
}

func (c CreatePublic) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)
	proto, err := ctx.Mem.Protocols.Get(c.ProtocolID)
	if err != nil {
		return compiler.Tasks{}, err
	}
	if err := protocol.ValidatePayload(proto, c.Payload); err != nil {
		return compiler.Tasks{}, err
	}
	rec, err := record.SignPublic(c.RecordID, c.ProtocolID, c.Payload, c.SecondaryIndex, ctx.Mem.SigningKey)
	if err != nil {
		return compiler.Tasks{}, err
	}

	kind := external.KindCreatePublic
	if c.Update {
		kind = external.KindUpdatePublic
	}
	writeID := ctx.NewUUID()
	return compiler.Tasks{
		MutableRequests: []compiler.MutableRequestItem{{
			UUID:      writeID,
			Header:    header,
			DID:       did,
			Request:   external.DwnRequest{Kind: kind, PublicRecord: rec},
			TargetKey: mutableTargetPublic(did, c.RecordID),
		}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{writeID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				return compiler.Complete(responses[writeID]), nil
			},
		}},
	}, nil
}

// ReadPublic queries a node's public records by filters, optionally sorted
// by a secondary-index key.
type ReadPublic struct {
	DID     string
	Filters map[string]any
	SortKey string
}

func (c ReadPublic) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)
	readID := ctx.NewUUID()
	return compiler.Tasks{
		Requests: []compiler.RequestItem{{
			UUID:   readID,
			Header: header,
			DID:    did,
			Request: external.DwnRequest{
				Kind:    external.KindReadPublic,
				Filters: c.Filters,
				SortKey: c.SortKey,
			},
		}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{readID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				return compiler.Complete(responses[readID]), nil
			},
		}},
	}, nil
}

// UpdatePublic is CreatePublic with update semantics, provided as its own
// verb for parity with the private side.
type UpdatePublic struct {
	DID            string
	RecordID       guuid.UUID
	ProtocolID     guuid.UUID
	Payload        []byte
	SecondaryIndex map[string]any
}

func (c UpdatePublic) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	return CreatePublic{
		DID:            c.DID,
		RecordID:       c.RecordID,
		ProtocolID:     c.ProtocolID,
		Payload:        c.Payload,
		SecondaryIndex: c.SecondaryIndex,
		Update:         true,
	}.Process(uuid, header, ctx)
}

// DeletePublic removes a public record this agent originally signed.
type DeletePublic struct {
	DID      string
	RecordID guuid.UUID
}

func (c DeletePublic) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	did := destination(ctx, c.DID)
	if ctx.Mem.SigningKey == nil || ctx.Mem.SigningKey.IsPublic() {
		return compiler.Tasks{}, pdnerrors.New(pdnerrors.InvalidAuth, "agent holds no signing secret")
	}
	sig, err := ctx.Mem.SigningKey.Sign([]byte(c.RecordID.String()))
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
				Kind:      external.KindDeletePublic,
				RecordID:  c.RecordID.String(),
				Signature: sig,
			},
			TargetKey: mutableTargetPublic(did, c.RecordID),
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
