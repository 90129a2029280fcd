package commands

import (
	"bytes"
	"encoding/json"

	guuid "github.com/google/uuid"
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/protocol"
)

// AgentKeysRecordID is the deterministic public record id under which a
// tenant publishes its agent-key map, so peers can find it by filter and
// updates always target the same record.
func AgentKeysRecordID(tenant string) guuid.UUID {
	return guuid.NewSHA1(dmsNamespace, []byte("agent_keys/"+tenant))
}

// Init registers the agent's derived public keys for Paths in the tenant's
// published agent-keys record, creating or updating it as needed. Peers
// use the map to pick which keys a share should be encrypted to.
type Init struct {
	Paths []key.Path
}

func (c Init) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	_, agentKeysID, err := protoByName(ctx, protocol.AgentKeys)
	if err != nil {
		return compiler.Tasks{}, err
	}
	readID := ctx.NewUUID()
	return compiler.Tasks{
		Requests: []compiler.RequestItem{{
			UUID:   readID,
			Header: header,
			DID:    ctx.Mem.Tenant,
			Request: external.DwnRequest{
				Kind:    external.KindReadPublic,
				Filters: agentKeysFilters(agentKeysID),
			},
		}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{readID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				dwn, err := firstDwn(responses[readID])
				if err != nil {
					return compiler.Tasks{}, err
				}
				existing := make(map[string]agentKeyEntry)
				exists := false
				if dwn.Kind == external.RespReadPublic && len(dwn.PublicRecord) > 0 {
					exists = true
					if existing, err = parseAgentKeys(dwn.PublicRecord[0].Payload); err != nil {
						return compiler.Tasks{}, err
					}
				}
				return c.publish(uuid, header, ctx, agentKeysID, existing, exists)
			},
		}},
	}, nil
}

func (c Init) publish(uuid string, header compiler.Header, ctx *compiler.Ctx, agentKeysID guuid.UUID, existing map[string]agentKeyEntry, exists bool) (compiler.Tasks, error) {
	changed := false
	for _, p := range c.Paths {
		pk, err := key.DerivePath(ctx.Mem.RootKey, p)
		if err != nil {
			return compiler.Tasks{}, err
		}
		pub := pk.Secret.Public()
		entry := agentKeyEntry{SignPub: pub.SigningPublicBytes(), EncPub: pub.EncryptionPublicBytes()}
		if cur, ok := existing[p.String()]; ok &&
			bytes.Equal(cur.SignPub, entry.SignPub) && bytes.Equal(cur.EncPub, entry.EncPub) {
			continue
		}
		existing[p.String()] = entry
		changed = true
	}
	if !changed && exists {
		return compiler.Complete(compiler.Unit()), nil
	}

	payload, err := json.Marshal(existing)
	if err != nil {
		return compiler.Tasks{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	writeID := ctx.NewUUID()
	return compiler.Tasks{
		Ready: []compiler.ReadyItem{{
			UUID:   writeID,
			Header: header,
			Command: CreatePublic{
				RecordID:   AgentKeysRecordID(ctx.Mem.Tenant),
				ProtocolID: agentKeysID,
				Payload:    payload,
				SecondaryIndex: map[string]any{
					"name": "agent_keys",
				},
				Update: exists,
			},
		}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{writeID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				return compiler.Complete(compiler.Unit()), nil
			},
		}},
	}, nil
}
