package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// The server store never touches key secrets or signed bodies directly; it
// only needs to get an Envelope/Public/DM to and from bytes so it can hand
// them to a KVStore partition. These wire forms reuse the keyWire helpers
// already used to encode records on the write path.

type envelopeWire struct {
	Discover *keyWire `json:"discover"`
	Delete   *keyWire `json:"delete,omitempty"`
	Payload  []byte   `json:"payload"`
}

// EnvelopeToBytes serializes env for storage.
func EnvelopeToBytes(env Envelope) ([]byte, error) {
	w := envelopeWire{Discover: encodeKey(env.Discover), Delete: encodeKey(env.Delete), Payload: env.Payload}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return b, nil
}

// BytesToEnvelope deserializes a stored Envelope.
func BytesToEnvelope(b []byte) (Envelope, error) {
	var w envelopeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	discover, err := decodeKey(w.Discover)
	if err != nil {
		return Envelope{}, err
	}
	del, err := decodeKey(w.Delete)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Discover: discover, Delete: del, Payload: w.Payload}, nil
}

type publicWire struct {
	RecordID       string         `json:"record_id"`
	ProtocolID     string         `json:"protocol_id"`
	Payload        []byte         `json:"payload"`
	SecondaryIndex map[string]any `json:"secondary_index,omitempty"`
	Signer         *keyWire       `json:"signer"`
	Signature      []byte         `json:"signature"`
}

// PublicToBytes serializes p for storage.
func PublicToBytes(p Public) ([]byte, error) {
	w := publicWire{
		RecordID:       p.RecordID.String(),
		ProtocolID:     p.ProtocolID.String(),
		Payload:        p.Payload,
		SecondaryIndex: p.SecondaryIndex,
		Signer:         encodeKey(p.Signer),
		Signature:      p.Signature,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return b, nil
}

// BytesToPublic deserializes a stored Public record.
func BytesToPublic(b []byte) (Public, error) {
	var w publicWire
	if err := json.Unmarshal(b, &w); err != nil {
		return Public{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	recordID, err := uuid.Parse(w.RecordID)
	if err != nil {
		return Public{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	protocolID, err := uuid.Parse(w.ProtocolID)
	if err != nil {
		return Public{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	signer, err := decodeKey(w.Signer)
	if err != nil {
		return Public{}, err
	}
	return Public{
		RecordID:       recordID,
		ProtocolID:     protocolID,
		Payload:        w.Payload,
		SecondaryIndex: w.SecondaryIndex,
		Signer:         signer,
		Signature:      w.Signature,
	}, nil
}

type dmWire struct {
	Discover *keyWire `json:"discover"`
	Payload  []byte   `json:"payload"`
	Arrived  int64    `json:"arrived_unix_nano"`
}

// DMToBytes serializes dm for storage.
func DMToBytes(dm DM) ([]byte, error) {
	w := dmWire{Discover: encodeKey(dm.Discover), Payload: dm.Payload, Arrived: dm.Arrived.UnixNano()}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return b, nil
}

// BytesToDM deserializes a stored DM.
func BytesToDM(b []byte) (DM, error) {
	var w dmWire
	if err := json.Unmarshal(b, &w); err != nil {
		return DM{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	discover, err := decodeKey(w.Discover)
	if err != nil {
		return DM{}, err
	}
	return DM{Discover: discover, Payload: w.Payload, Arrived: time.Unix(0, w.Arrived).UTC()}, nil
}
