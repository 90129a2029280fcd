// Package commands implements the command library: the verbs the agent
// submits to the compiler, each expressed as a state machine whose phases
// advance as the compiler completes the sub-tasks they spawn. The library
// is closed; nothing outside this package implements compiler.Command
// against a live node.
package commands

import (
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/idempotency"
	"github.com/veilmesh/pdn/protocol"
	"github.com/veilmesh/pdn/record"
)

// destination defaults an empty DID to the agent's own tenant.
func destination(ctx *compiler.Ctx, did string) string {
	if did == "" {
		return ctx.Mem.Tenant
	}
	return did
}

// permsFor resolves the permission set governing path on did: an explicit
// grant wins, then the run cache, then derivation from the agent's root
// pathed key. Derivation outside the root's scope surfaces as
// InsufficientPermission, which for a foreign path is exactly right: the
// caller holds no capability for it.
func permsFor(ctx *compiler.Ctx, did string, isComms bool, path key.Path, explicit *key.PermissionSet) (key.PermissionSet, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if e, ok := ctx.Cache.Get(compiler.CacheKey{DID: did, IsComms: isComms, Path: path.String()}); ok {
		return e.Perms, nil
	}
	pk, err := key.DerivePath(ctx.Mem.RootKey, path)
	if err != nil {
		return key.PermissionSet{}, err
	}
	return key.ToPermission(pk)
}

// readRequestFor builds the signed ReadPrivate request for ps. The discover
// slot must be held as a secret; a public-only discover key can match an
// envelope but cannot authorize fetching it.
func readRequestFor(ps key.PermissionSet) (external.DwnRequest, error) {
	if ps.Discover == nil || ps.Discover.IsPublic() {
		return external.DwnRequest{}, pdnerrors.New(pdnerrors.InvalidAuth, "no discover secret for path %s", ps.Path)
	}
	sig, err := ps.Discover.Sign(external.ReadMarker())
	if err != nil {
		return external.DwnRequest{}, err
	}
	return external.DwnRequest{
		Kind:        external.KindReadPrivate,
		DiscoverKey: ps.Discover.Public(),
		Signature:   sig,
	}, nil
}

// mutableTarget computes the (endpoint, target-record) collision key for a
// private-record write: the compiler collapses all mutable requests
// sharing one of these down to a single survivor per run.
func mutableTarget(did string, discover *key.Key) string {
	pub := discover.Public()
	id := hex.EncodeToString(pub.SigningPublicBytes()) + hex.EncodeToString(pub.EncryptionPublicBytes())
	k, err := idempotency.BuildKey(did, "private", did, id)
	if err != nil {
		// BuildKey only fails on oversize/invalid scope; fall back to the
		// raw concatenation so collisions still collapse.
		return did + "|" + id
	}
	return k
}

func mutableTargetPublic(did string, recordID uuid.UUID) string {
	k, err := idempotency.BuildKey(did, "public", did, recordID.String())
	if err != nil {
		return did + "|" + recordID.String()
	}
	return k
}

// firstDwn unwraps the single DwnResponse a dispatched request completes
// with.
func firstDwn(resp compiler.Response) (external.DwnResponse, error) {
	if resp.IsError() {
		return external.DwnResponse{}, resp.AsError()
	}
	if resp.Kind != compiler.RespDwnResponses || len(resp.DwnResponses) == 0 {
		return external.DwnResponse{}, pdnerrors.New(pdnerrors.BadResponse, "expected a server response, got kind %d", resp.Kind)
	}
	return resp.DwnResponses[0], nil
}

// envelopeFrom unwraps a ReadPrivate reply into its (possibly absent)
// envelope. Server-side InvalidAuth is a hard failure here: the caller
// proved the wrong discover key.
func envelopeFrom(resp compiler.Response) (*record.Envelope, error) {
	dwn, err := firstDwn(resp)
	if err != nil {
		return nil, err
	}
	switch dwn.Kind {
	case external.RespReadPrivate:
		return dwn.Envelope, nil
	case external.RespEmpty:
		return nil, nil
	case external.RespInvalidAuth:
		return nil, pdnerrors.New(pdnerrors.InvalidAuth, "server rejected read: %s", dwn.Message)
	default:
		return nil, pdnerrors.New(pdnerrors.BadResponse, "unexpected response kind %d to a read", dwn.Kind)
	}
}

// channelItemPerms derives the permission set for the channel item at
// index under parent: each of the three channel keys derived by the index.
// Channel items carry no delete slot and no channel of their own.
func channelItemPerms(parent key.PermissionSet, index uint64) (key.PermissionSet, error) {
	if parent.Channel == nil {
		return key.PermissionSet{}, pdnerrors.New(pdnerrors.InsufficientPermission, "path %s has no channel", parent.Path)
	}
	discover, err := parent.Channel.DiscoverChild.DeriveFromInt(index)
	if err != nil {
		return key.PermissionSet{}, err
	}
	create, err := parent.Channel.CreateChild.DeriveFromInt(index)
	if err != nil {
		return key.PermissionSet{}, err
	}
	read, err := parent.Channel.ReadChild.DeriveFromInt(index)
	if err != nil {
		return key.PermissionSet{}, err
	}
	return key.PermissionSet{Path: parent.Path, Discover: discover, Create: create, Read: read}, nil
}

// channelItemReadPerms is channelItemPerms for scanning: it only needs the
// discover and read child keys, so a read-only channel grant suffices.
func channelItemReadPerms(parent key.PermissionSet, index uint64) (key.PermissionSet, error) {
	if parent.Channel == nil {
		return key.PermissionSet{}, pdnerrors.New(pdnerrors.InsufficientPermission, "path %s has no channel", parent.Path)
	}
	discover, err := parent.Channel.DiscoverChild.DeriveFromInt(index)
	if err != nil {
		return key.PermissionSet{}, err
	}
	read, err := parent.Channel.ReadChild.DeriveFromInt(index)
	if err != nil {
		return key.PermissionSet{}, err
	}
	var create *key.Key
	if parent.Channel.CreateChild != nil {
		if parent.Channel.CreateChild.IsPublic() {
			// Cannot derive a child from a public projection; the signature
			// check inside Decode runs against the embedded create key.
			create = nil
		} else if create, err = parent.Channel.CreateChild.DeriveFromInt(index); err != nil {
			return key.PermissionSet{}, err
		}
	}
	return key.PermissionSet{Path: parent.Path, Discover: discover, Create: create, Read: read}, nil
}

// counterPerms derives the permission set of the per-path child-index
// counter record: the channel keys derived by the reserved index-sibling
// sentinel rather than an ordinary index.
func counterPerms(parent key.PermissionSet) (key.PermissionSet, error) {
	if parent.Channel == nil {
		return key.PermissionSet{}, pdnerrors.New(pdnerrors.InsufficientPermission, "path %s has no channel", parent.Path)
	}
	sentinel := make([]byte, 16) // uuid.Nil
	discover, err := parent.Channel.DiscoverChild.DeriveFromBytes(sentinel)
	if err != nil {
		return key.PermissionSet{}, err
	}
	create, err := parent.Channel.CreateChild.DeriveFromBytes(sentinel)
	if err != nil {
		return key.PermissionSet{}, err
	}
	read, err := parent.Channel.ReadChild.DeriveFromBytes(sentinel)
	if err != nil {
		return key.PermissionSet{}, err
	}
	return key.PermissionSet{Path: parent.Path.IndexSibling(), Discover: discover, Create: create, Read: read}, nil
}

// encodeUsize and decodeUsize are the payload codec of the usize protocol.
func encodeUsize(n uint64) []byte {
	return []byte(strconv.FormatUint(n, 10))
}

func decodeUsize(b []byte) (uint64, error) {
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
	return n, nil
}

// indexPathKey scopes the per-run create-index memo to one channel on one
// node.
func indexPathKey(did string, path key.Path) string {
	return did + "|" + path.String()
}

// protoByName is a shorthand over the registry for the fixed system
// protocols every command references.
func protoByName(ctx *compiler.Ctx, name string) (protocol.Protocol, uuid.UUID, error) {
	return ctx.Mem.Protocols.ByName(name)
}

// encodeRecord trims ps to what proto authorizes, validates payload, and
// seals the envelope with the trimmed create secret.
func encodeRecord(proto protocol.Protocol, protoID uuid.UUID, ps key.PermissionSet, payload []byte) (record.Envelope, key.PermissionSet, error) {
	trimmed := protocol.Trim(proto, ps)
	if err := protocol.ValidatePayload(proto, payload); err != nil {
		return record.Envelope{}, key.PermissionSet{}, err
	}
	if trimmed.Create == nil || trimmed.Create.IsPublic() {
		return record.Envelope{}, key.PermissionSet{}, pdnerrors.New(pdnerrors.InvalidAuth, "no create secret for path %s", ps.Path)
	}
	env, err := record.Encode(record.Private{Perms: trimmed, ProtocolID: protoID, Payload: payload}, trimmed.Create)
	if err != nil {
		return record.Envelope{}, key.PermissionSet{}, err
	}
	return env, trimmed, nil
}

// signedUpdateRequest wraps env as an UpdatePrivate signed by signer (the
// delete key when the record carries one, otherwise the create key).
func signedUpdateRequest(env record.Envelope, signer *key.Key) (external.DwnRequest, error) {
	if signer == nil || signer.IsPublic() {
		return external.DwnRequest{}, pdnerrors.New(pdnerrors.InvalidAuth, "no secret to sign an update with")
	}
	inner, err := record.EnvelopeToBytes(env)
	if err != nil {
		return external.DwnRequest{}, err
	}
	sig, err := signer.Sign(inner)
	if err != nil {
		return external.DwnRequest{}, err
	}
	return external.DwnRequest{
		Kind:           external.KindUpdatePrivate,
		Envelope:       env,
		OuterSignature: sig,
		OuterSigner:    signer.Public(),
	}, nil
}

// agentKeysFilters is the ReadPublic filter for a tenant's published
// agent-keys record.
func agentKeysFilters(agentKeysID uuid.UUID) map[string]any {
	return map[string]any{"protocol_id": agentKeysID.String()}
}

// agentKeyEntry is one row of the published agent-keys map: the public
// halves of the key an agent holds for a given path.
type agentKeyEntry struct {
	SignPub []byte `json:"sign_pub"`
	EncPub  []byte `json:"enc_pub"`
}

func parseAgentKeys(payload []byte) (map[string]agentKeyEntry, error) {
	out := make(map[string]agentKeyEntry)
	if len(payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
	return out, nil
}

func parsePathString(s string) (key.Path, error) {
	if s == "" {
		return key.Path{}, nil
	}
	var p key.Path
	for _, seg := range splitPath(s) {
		id, err := uuid.Parse(seg)
		if err != nil {
			return nil, pdnerrors.Wrap(pdnerrors.BadResponse, err)
		}
		p = append(p, id)
	}
	return p, nil
}

func splitPath(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
