package commands

import (
	"encoding/json"

	guuid "github.com/google/uuid"
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/protocol"
	"github.com/veilmesh/pdn/record"
)

// dmsNamespace roots the deterministic path segments of per-peer DMS
// channels, so both sides of a pairing agree on where the channel lives
// without negotiation.
var dmsNamespace = guuid.MustParse("6e7f1a44-2b9c-49e3-8f25-c0d1b2a39f10")

// DMSChannelPath is the deterministic location of the DMS channel an agent
// maintains toward recipient: a single root-level segment, so the channel
// record needs no intermediate ancestors.
func DMSChannelPath(recipient string) key.Path {
	return key.Path{guuid.NewSHA1(dmsNamespace, []byte("dms_channel/"+recipient))}
}

// EstablishChannel ensures a DMS channel toward Recipient exists: the
// channel record on our own node, a mirror on the recipient's node, and a
// one-time DM granting the recipient read access to the channel. Completes
// with the channel's permission set.
type EstablishChannel struct {
	Recipient string
}

func (c EstablishChannel) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	if c.Recipient == "" {
		return compiler.Tasks{}, pdnerrors.New(pdnerrors.BadRequest, "no recipient for channel")
	}
	channelPath := DMSChannelPath(c.Recipient)
	dmsProto, dmsID, err := protoByName(ctx, protocol.DMSChannel)
	if err != nil {
		return compiler.Tasks{}, err
	}
	ps, err := permsFor(ctx, ctx.Mem.Tenant, false, channelPath, nil)
	if err != nil {
		return compiler.Tasks{}, err
	}
	trimmed := protocol.Trim(dmsProto, ps)

	readReq, err := readRequestFor(trimmed)
	if err != nil {
		return compiler.Tasks{}, err
	}
	readID := ctx.NewUUID()
	return compiler.Tasks{
		Requests: []compiler.RequestItem{{UUID: readID, Header: header, DID: ctx.Mem.Tenant, Request: readReq}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{readID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				existing, err := envelopeFrom(responses[readID])
				if err != nil {
					return compiler.Tasks{}, err
				}
				if existing != nil {
					ctx.Cache.Put(
						compiler.CacheKey{DID: ctx.Mem.Tenant, IsComms: false, Path: channelPath.String()},
						compiler.CacheEntry{Protocol: dmsProto, Perms: trimmed},
					)
					return compiler.Complete(compiler.PermsResponse(trimmed)), nil
				}
				return c.create(uuid, header, ctx, channelPath, dmsID, trimmed)
			},
		}},
	}, nil
}

func (c EstablishChannel) create(uuid string, header compiler.Header, ctx *compiler.Ctx, channelPath key.Path, dmsID guuid.UUID, ps key.PermissionSet) (compiler.Tasks, error) {
	grant, err := key.Subset(ps, key.PermissionOptions{CanRead: true, CanReadChild: true})
	if err != nil {
		return compiler.Tasks{}, err
	}

	localID := ctx.NewUUID()
	mirrorID := ctx.NewUUID()
	dmID := ctx.NewUUID()
	return compiler.Tasks{
		Ready: []compiler.ReadyItem{
			{UUID: localID, Header: header, Command: CreatePrivate{
				Path: channelPath, ProtocolID: dmsID,
			}},
			{UUID: mirrorID, Header: header, Command: CreatePrivate{
				DID: c.Recipient, Path: channelPath, ProtocolID: dmsID, SkipParentLink: true,
			}},
			{UUID: dmID, Header: header, Command: CreateDM{
				Recipient: c.Recipient, Perms: grant,
			}},
		},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{localID, mirrorID, dmID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				return compiler.Complete(compiler.PermsResponse(ps)), nil
			},
		}},
	}, nil
}

// Share grants Recipient the capabilities selected by Options over Path:
// it ensures the DMS channel exists, reads the recipient's published
// agent-key map, encrypts the subsetted permission set to every
// recipient-agent key whose registered path covers the shared path, and
// publishes the bundle as one channel item. Recipients discover it by
// scanning the channel.
type Share struct {
	Path      key.Path
	Options   key.PermissionOptions
	Recipient string
}

// sharePayload is the channel-item body: one ciphertext per recipient
// agent key that may open the grant, keyed by the agent key's registered
// path.
type sharePayload map[string][]byte

func (c Share) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	// Drain the DM inbox first so a channel the peer already established
	// toward us is visible, then ensure our side of the channel.
	dmScanID := ctx.NewUUID()
	chanID := ctx.NewUUID()
	return compiler.Tasks{
		Ready: []compiler.ReadyItem{
			{UUID: dmScanID, Header: header, Command: ReadDM{}},
			{UUID: chanID, Header: header, Command: EstablishChannel{Recipient: c.Recipient}},
		},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{dmScanID, chanID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				chanResp := responses[chanID]
				if chanResp.Perms == nil {
					return compiler.Tasks{}, pdnerrors.New(pdnerrors.BadResponse, "channel establishment returned no permission set")
				}
				return c.readAgentKeys(uuid, header, ctx, *chanResp.Perms)
			},
		}},
	}, nil
}

func (c Share) readAgentKeys(uuid string, header compiler.Header, ctx *compiler.Ctx, channelPerms key.PermissionSet) (compiler.Tasks, error) {
	_, agentKeysID, err := protoByName(ctx, protocol.AgentKeys)
	if err != nil {
		return compiler.Tasks{}, err
	}
	readID := ctx.NewUUID()
	return compiler.Tasks{
		Requests: []compiler.RequestItem{{
			UUID:   readID,
			Header: header,
			DID:    c.Recipient,
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
				if dwn.Kind != external.RespReadPublic || len(dwn.PublicRecord) == 0 {
					return compiler.Tasks{}, pdnerrors.New(pdnerrors.NotFound,
						"recipient %s has not published agent keys", c.Recipient)
				}
				agentKeys, err := parseAgentKeys(dwn.PublicRecord[0].Payload)
				if err != nil {
					return compiler.Tasks{}, err
				}
				return c.publish(uuid, header, ctx, channelPerms, agentKeys)
			},
		}},
	}, nil
}

func (c Share) publish(uuid string, header compiler.Header, ctx *compiler.Ctx, channelPerms key.PermissionSet, agentKeys map[string]agentKeyEntry) (compiler.Tasks, error) {
	pk, err := key.DerivePath(ctx.Mem.RootKey, c.Path)
	if err != nil {
		return compiler.Tasks{}, err
	}
	full, err := key.ToPermission(pk)
	if err != nil {
		return compiler.Tasks{}, err
	}
	grant, err := key.Subset(full, c.Options)
	if err != nil {
		return compiler.Tasks{}, err
	}
	grantBytes, err := record.PermsToBytes(grant)
	if err != nil {
		return compiler.Tasks{}, err
	}

	// Encrypt the grant to every recipient agent key whose registered path
	// is an ancestor of (or equal to) the shared path.
	payload := make(sharePayload)
	for pathStr, entry := range agentKeys {
		keyPath, err := parsePathString(pathStr)
		if err != nil {
			continue
		}
		if !keyPath.Extends(c.Path) {
			continue
		}
		agentPub, err := key.FromPublicBytes(entry.SignPub, entry.EncPub)
		if err != nil {
			continue
		}
		sealed, err := agentPub.Encrypt(grantBytes)
		if err != nil {
			return compiler.Tasks{}, err
		}
		payload[pathStr] = sealed
	}
	if len(payload) == 0 {
		return compiler.Tasks{}, pdnerrors.New(pdnerrors.NotFound,
			"none of %s's agent keys cover path %s", c.Recipient, c.Path)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return compiler.Tasks{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}

	_, sharedPointerID, err := protoByName(ctx, protocol.SharedPointer)
	if err != nil {
		return compiler.Tasks{}, err
	}
	_, dmsID, err := protoByName(ctx, protocol.DMSChannel)
	if err != nil {
		return compiler.Tasks{}, err
	}
	itemID := ctx.NewUUID()
	return compiler.Tasks{
		Ready: []compiler.ReadyItem{{
			UUID:   itemID,
			Header: header,
			Command: CreatePrivateChild{
				Parent:           channelPerms.Path,
				ParentPerms:      &channelPerms,
				ParentProtocolID: dmsID,
				ChildProtocolID:  sharedPointerID,
				Payload:          body,
			},
		}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{itemID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				return compiler.Complete(compiler.Unit()), nil
			},
		}},
	}, nil
}
