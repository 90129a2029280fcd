// Package store implements the server side of a personal data node: three
// indexed collections (private, public, direct-message) layered over the
// external.KVStore collaborator, each enforcing its own mutation
// authorization discipline. Authorization is always checked before any
// mutation is applied; the stores never see key secrets, only public
// projections and signatures.
package store

import (
	"context"

	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/telemetry"
	"github.com/veilmesh/pdn/record"
)

// PrivateStore is the discover-keyed collection of private record
// envelopes.
type PrivateStore struct {
	kv  external.KVStore
	log *telemetry.Logger
}

// NewPrivateStore wraps kv (expected to already be Partition-scoped to
// "private") as a PrivateStore.
func NewPrivateStore(kv external.KVStore, log *telemetry.Logger) *PrivateStore {
	if log == nil {
		log = telemetry.NewDefaultLogger(nil, "store.private")
	}
	return &PrivateStore{kv: kv, log: log}
}

// Create stores env keyed by its discover public key. Fails Conflict if an
// envelope is already stored under that key.
func (s *PrivateStore) Create(ctx context.Context, env record.Envelope) (external.DwnResponse, error) {
	id := publicKeyID(env.Discover)
	if id == "" {
		return external.DwnResponse{}, pdnerrors.New(pdnerrors.BadRequest, "envelope has no discover key")
	}
	if _, ok, err := s.kv.Get(ctx, id); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	} else if ok {
		s.log.Debug(ctx, "create_private conflict", map[string]any{"discover": id})
		return external.DwnResponse{Kind: external.RespConflict, Message: "record already exists"}, nil
	}
	raw, err := record.EnvelopeToBytes(env)
	if err != nil {
		return external.DwnResponse{}, err
	}
	if err := s.kv.Set(ctx, id, raw); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	s.log.Debug(ctx, "create_private ok", map[string]any{"discover": id})
	return external.DwnResponse{Kind: external.RespEmpty}, nil
}

// Read returns the envelope stored under discoverPub, authorized by a
// signature over the empty marker message by discoverPub's secret
// counterpart. An absent record is not an error: it is a successful
// ReadPrivate response carrying a nil envelope.
func (s *PrivateStore) Read(ctx context.Context, discoverPub *key.Key, sig []byte) (external.DwnResponse, error) {
	if discoverPub == nil || !discoverPub.Verify(external.ReadMarker(), sig) {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "discover signature does not verify"}, nil
	}
	id := publicKeyID(discoverPub)
	raw, ok, err := s.kv.Get(ctx, id)
	if err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	if !ok {
		return external.DwnResponse{Kind: external.RespReadPrivate, Envelope: nil}, nil
	}
	env, err := record.BytesToEnvelope(raw)
	if err != nil {
		return external.DwnResponse{}, err
	}
	return external.DwnResponse{Kind: external.RespReadPrivate, Envelope: &env}, nil
}

// Update replaces the envelope stored under inner.Discover. outerSigner
// must sign inner's canonical bytes; if the stored envelope carries a
// Delete key, outerSigner must equal it. Fails NotFound if nothing is
// stored yet — the client command layer decides whether to fall through
// to a create.
func (s *PrivateStore) Update(ctx context.Context, inner record.Envelope, outerSigner *key.Key, outerSig []byte) (external.DwnResponse, error) {
	id := publicKeyID(inner.Discover)
	raw, ok, err := s.kv.Get(ctx, id)
	if err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	if !ok {
		return external.DwnResponse{}, pdnerrors.New(pdnerrors.NotFound, "no private record stored under this discover key")
	}
	stored, err := record.BytesToEnvelope(raw)
	if err != nil {
		return external.DwnResponse{}, err
	}
	toSign, err := record.EnvelopeToBytes(inner)
	if err != nil {
		return external.DwnResponse{}, err
	}
	if outerSigner == nil || !outerSigner.Verify(toSign, outerSig) {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "outer signature does not verify"}, nil
	}
	if stored.Delete != nil && !outerSigner.Public().Equal(stored.Delete) {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "outer signer is not the record's delete key"}, nil
	}
	if err := s.kv.Set(ctx, id, toSign); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return external.DwnResponse{Kind: external.RespEmpty}, nil
}

// Delete removes the envelope stored under discoverPub, authorized by a
// signature over discoverPub's public key bytes by the stored record's
// delete key.
func (s *PrivateStore) Delete(ctx context.Context, discoverPub *key.Key, sig []byte) (external.DwnResponse, error) {
	id := publicKeyID(discoverPub)
	raw, ok, err := s.kv.Get(ctx, id)
	if err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	if !ok {
		return external.DwnResponse{Kind: external.RespEmpty}, nil
	}
	stored, err := record.BytesToEnvelope(raw)
	if err != nil {
		return external.DwnResponse{}, err
	}
	if stored.Delete == nil {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "record has no delete capability"}, nil
	}
	if !stored.Delete.Verify(external.DeleteMarker(discoverPub), sig) {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "delete signature does not verify"}, nil
	}
	if err := s.kv.Delete(ctx, id); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return external.DwnResponse{Kind: external.RespEmpty}, nil
}
