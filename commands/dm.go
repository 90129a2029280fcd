package commands

import (
	"strconv"

	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/idempotency"
	"github.com/veilmesh/pdn/record"
)

// lastSeenKey is where the agent's local partition stores the DM polling
// watermark.
const lastSeenKey = "dm/last_seen"

// CreateDM sends Perms to Recipient as a direct message: signed by the
// agent's signing key and sealed to the recipient's communication key.
type CreateDM struct {
	Recipient string
	Perms     key.PermissionSet
}

func (c CreateDM) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	if ctx.Mem.Resolver == nil {
		return compiler.Tasks{}, pdnerrors.New(pdnerrors.DependencyDown, "no identity resolver configured")
	}
	_, comPub, err := ctx.Mem.Resolver.ResolveDWNKeys(ctx.Context, c.Recipient)
	if err != nil {
		return compiler.Tasks{}, pdnerrors.Wrap(pdnerrors.DependencyDown, err)
	}
	if comPub == nil {
		return compiler.Tasks{}, pdnerrors.New(pdnerrors.NotFound, "no communication key for %s", c.Recipient)
	}
	dm, err := record.EncodeDM(c.Perms, ctx.Mem.SigningKey, comPub)
	if err != nil {
		return compiler.Tasks{}, err
	}

	target, err := idempotency.BuildKey(c.Recipient, "dm", c.Recipient, string(dm.Payload[:32]))
	if err != nil {
		target = c.Recipient + "|dm"
	}
	dmID := ctx.NewUUID()
	return compiler.Tasks{
		MutableRequests: []compiler.MutableRequestItem{{
			UUID:      dmID,
			Header:    header,
			DID:       c.Recipient,
			Request:   external.DwnRequest{Kind: external.KindCreateDM, DM: dm},
			TargetKey: target,
		}},
		Waiting: []compiler.WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{dmID},
			Next: func(ctx *compiler.Ctx, responses map[string]compiler.Response) (compiler.Tasks, error) {
				dwn, err := firstDwn(responses[dmID])
				if err != nil {
					return compiler.Tasks{}, err
				}
				// A duplicate DM means the grant already arrived; idempotent.
				if dwn.Kind == external.RespConflict {
					return compiler.Complete(compiler.Unit()), nil
				}
				return compiler.Complete(responses[dmID]), nil
			},
		}},
	}, nil
}

// ReadDM fetches every DM addressed to the agent that arrived after the
// local watermark, advances the watermark, and completes with the raw
// server response. Callers decode individual grants with record.DecodeDM.
type ReadDM struct {
	// Since overrides the stored watermark when non-zero (unix nanos).
	Since int64
}

func (c ReadDM) Process(uuid string, header compiler.Header, ctx *compiler.Ctx) (compiler.Tasks, error) {
	if ctx.Mem.ComKey == nil || ctx.Mem.ComKey.IsPublic() {
		return compiler.Tasks{}, pdnerrors.New(pdnerrors.InvalidAuth, "agent holds no communication secret")
	}
	since := c.Since
	if since == 0 {
		since = c.loadWatermark(ctx)
	}
	sig, err := ctx.Mem.ComKey.Sign(external.SinceMarker(since))
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
				Kind:      external.KindReadDM,
				ComKey:    ctx.Mem.ComKey.Public(),
				SinceUnix: since,
				Signature: sig,
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
				if dwn.Kind == external.RespInvalidAuth {
					return compiler.Tasks{}, pdnerrors.New(pdnerrors.InvalidAuth, "server rejected dm read: %s", dwn.Message)
				}
				c.advanceWatermark(ctx, dwn.DMs)
				return compiler.Complete(compiler.DwnResponsesResponse(dwn)), nil
			},
		}},
	}, nil
}

func (c ReadDM) loadWatermark(ctx *compiler.Ctx) int64 {
	if ctx.Mem.Local == nil {
		return 0
	}
	raw, ok, err := ctx.Mem.Local.Get(ctx.Context, lastSeenKey)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (c ReadDM) advanceWatermark(ctx *compiler.Ctx, dms []record.DM) {
	if ctx.Mem.Local == nil || len(dms) == 0 {
		return
	}
	max := int64(0)
	for _, dm := range dms {
		if t := dm.Arrived.UnixNano(); t > max {
			max = t
		}
	}
	if max > 0 {
		_ = ctx.Mem.Local.Set(ctx.Context, lastSeenKey, []byte(strconv.FormatInt(max, 10)))
	}
}
