package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/telemetry"
	"github.com/veilmesh/pdn/record"
)

// DMStore is the timestamp-indexed collection of direct messages. Every DM
// addressed to the same recipient shares the same Discover key, so entries
// are keyed by a hash of (discover, payload) rather than by Discover alone;
// reads filter the full collection down to one recipient's inbox.
type DMStore struct {
	kv  external.KVStore
	log *telemetry.Logger

	now func() time.Time
}

// NewDMStore wraps kv (expected Partition-scoped to "dm").
func NewDMStore(kv external.KVStore, log *telemetry.Logger) *DMStore {
	if log == nil {
		log = telemetry.NewDefaultLogger(nil, "store.dm")
	}
	return &DMStore{kv: kv, log: log, now: time.Now}
}

func dmID(discover *key.Key, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(publicKeyID(discover)))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Create stamps dm with the server's arrival time and stores it, keyed by a
// hash of its recipient and payload. Fails Conflict if that exact envelope
// was already stored (a replayed duplicate).
func (s *DMStore) Create(ctx context.Context, dm record.DM) (external.DwnResponse, error) {
	id := dmID(dm.Discover, dm.Payload)
	if _, ok, err := s.kv.Get(ctx, id); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	} else if ok {
		return external.DwnResponse{Kind: external.RespConflict, Message: "duplicate direct message"}, nil
	}
	dm.Arrived = s.now().UTC()
	raw, err := record.DMToBytes(dm)
	if err != nil {
		return external.DwnResponse{}, err
	}
	if err := s.kv.Set(ctx, id, raw); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return external.DwnResponse{Kind: external.RespEmpty}, nil
}

// Read returns every DM addressed to comPub (verified by a signature over
// the since-timestamp) whose arrival time is strictly after since, sorted
// oldest-first.
func (s *DMStore) Read(ctx context.Context, comPub *key.Key, sinceUnixNano int64, sig []byte) (external.DwnResponse, error) {
	marker := external.SinceMarker(sinceUnixNano)
	if comPub == nil || !comPub.Verify(marker, sig) {
		return external.DwnResponse{Kind: external.RespInvalidAuth, Message: "since-timestamp signature does not verify"}, nil
	}
	raws, err := s.kv.Values(ctx)
	if err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	out := make([]record.DM, 0, len(raws))
	for _, raw := range raws {
		dm, err := record.BytesToDM(raw)
		if err != nil {
			s.log.Warn(ctx, "skipping unreadable dm", map[string]any{"error": err.Error()})
			continue
		}
		if !dm.Discover.Equal(comPub.Public()) {
			continue
		}
		if dm.Arrived.UnixNano() <= sinceUnixNano {
			continue
		}
		out = append(out, dm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Arrived.Before(out[j].Arrived) })
	return external.DwnResponse{Kind: external.RespReadDM, DMs: out}, nil
}
