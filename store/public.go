package store

import (
	"context"
	"reflect"
	"sort"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/external"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/telemetry"
	"github.com/veilmesh/pdn/record"
)

// PublicStore is the record-id-keyed collection of signed, queryable
// public records.
type PublicStore struct {
	kv  external.KVStore
	log *telemetry.Logger
}

// NewPublicStore wraps kv (expected Partition-scoped to "public").
func NewPublicStore(kv external.KVStore, log *telemetry.Logger) *PublicStore {
	if log == nil {
		log = telemetry.NewDefaultLogger(nil, "store.public")
	}
	return &PublicStore{kv: kv, log: log}
}

// Create verifies rec's self-signature and stores it keyed by RecordID.
// Fails Conflict if a record already exists under that id.
func (s *PublicStore) Create(ctx context.Context, rec record.Public) (external.DwnResponse, error) {
	if err := record.VerifyPublic(rec); err != nil {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: err.Error()}, nil
	}
	id := rec.RecordID.String()
	if _, ok, err := s.kv.Get(ctx, id); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	} else if ok {
		return external.DwnResponse{Kind: external.RespConflict, Message: "public record already exists"}, nil
	}
	raw, err := record.PublicToBytes(rec)
	if err != nil {
		return external.DwnResponse{}, err
	}
	if err := s.kv.Set(ctx, id, raw); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return external.DwnResponse{Kind: external.RespEmpty}, nil
}

// Update verifies rec's self-signature, then that rec.Signer matches the
// existing record's signer before replacing it.
func (s *PublicStore) Update(ctx context.Context, rec record.Public) (external.DwnResponse, error) {
	if err := record.VerifyPublic(rec); err != nil {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: err.Error()}, nil
	}
	id := rec.RecordID.String()
	raw, ok, err := s.kv.Get(ctx, id)
	if err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	if !ok {
		return external.DwnResponse{}, pdnerrors.New(pdnerrors.NotFound, "no public record %s", id)
	}
	existing, err := record.BytesToPublic(raw)
	if err != nil {
		return external.DwnResponse{}, err
	}
	if !rec.Signer.Equal(existing.Signer) {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "new signer does not match existing record's signer"}, nil
	}
	out, err := record.PublicToBytes(rec)
	if err != nil {
		return external.DwnResponse{}, err
	}
	if err := s.kv.Set(ctx, id, out); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return external.DwnResponse{Kind: external.RespEmpty}, nil
}

// Read returns every stored public record whose ProtocolID and
// SecondaryIndex entries match filters, optionally sorted by a
// SecondaryIndex key.
func (s *PublicStore) Read(ctx context.Context, filters map[string]any, sortKey string) (external.DwnResponse, error) {
	raws, err := s.kv.Values(ctx)
	if err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	out := make([]record.Public, 0, len(raws))
	for _, raw := range raws {
		rec, err := record.BytesToPublic(raw)
		if err != nil {
			s.log.Warn(ctx, "skipping unreadable public record", map[string]any{"error": err.Error()})
			continue
		}
		if matchesFilters(rec, filters) {
			out = append(out, rec)
		}
	}
	if sortKey != "" {
		sort.SliceStable(out, func(i, j int) bool {
			return compareIndexValue(out[i].SecondaryIndex[sortKey], out[j].SecondaryIndex[sortKey])
		})
	}
	return external.DwnResponse{Kind: external.RespReadPublic, PublicRecord: out}, nil
}

func matchesFilters(rec record.Public, filters map[string]any) bool {
	for k, v := range filters {
		if k == "protocol_id" {
			if idStr, ok := v.(string); ok {
				if id, err := uuid.Parse(idStr); err != nil || id != rec.ProtocolID {
					return false
				}
				continue
			}
		}
		got, ok := rec.SecondaryIndex[k]
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}

// compareIndexValue is a permissive "a < b" ordering over JSON-decoded
// secondary-index scalars (numbers, strings, bools); mismatched or missing
// types sort as equal so Read never panics on heterogeneous data.
func compareIndexValue(a, b any) bool {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	}
	return false
}

// Delete removes the record stored under recordID, authorized by a
// signature from the record's original signer over the record id's bytes.
func (s *PublicStore) Delete(ctx context.Context, recordID uuid.UUID, sig []byte) (external.DwnResponse, error) {
	id := recordID.String()
	raw, ok, err := s.kv.Get(ctx, id)
	if err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	if !ok {
		return external.DwnResponse{Kind: external.RespEmpty}, nil
	}
	existing, err := record.BytesToPublic(raw)
	if err != nil {
		return external.DwnResponse{}, err
	}
	idBytes := []byte(id)
	if existing.Signer == nil || !existing.Signer.Verify(idBytes, sig) {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "delete signature does not match original signer"}, nil
	}
	if err := s.kv.Delete(ctx, id); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return external.DwnResponse{Kind: external.RespEmpty}, nil
}
