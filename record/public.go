package record

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// Public is a DID-signed, queryable record: unlike Private it is not
// encrypted, only authenticated.
type Public struct {
	RecordID       uuid.UUID
	ProtocolID     uuid.UUID
	Payload        []byte
	SecondaryIndex map[string]any
	Signer         *key.Key // public signing key of the DID that authored it
	Signature      []byte
}

type publicSignedBody struct {
	RecordID       string         `json:"record_id"`
	ProtocolID     string         `json:"protocol_id"`
	Payload        []byte         `json:"payload"`
	SecondaryIndex map[string]any `json:"secondary_index,omitempty"`
}

func canonicalPublicBodyBytes(b publicSignedBody) []byte {
	// SecondaryIndex is the one map field; json.Marshal does not guarantee
	// key order for map[string]any, so encode it through a sorted-key
	// buffer and splice it back in.
	idx, _ := canonicalMap(b.SecondaryIndex)
	type alias struct {
		RecordID   string `json:"record_id"`
		ProtocolID string `json:"protocol_id"`
		Payload    []byte `json:"payload"`
	}
	head, _ := json.Marshal(alias{RecordID: b.RecordID, ProtocolID: b.ProtocolID, Payload: b.Payload})
	var out bytes.Buffer
	out.Write(head[:len(head)-1]) // drop trailing '}'
	out.WriteString(`,"secondary_index":`)
	out.Write(idx)
	out.WriteByte('}')
	return out.Bytes()
}

func canonicalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SignPublic signs a Public record body with signer, returning the record
// with its Signer and Signature populated.
func SignPublic(recordID, protocolID uuid.UUID, payload []byte, secondaryIndex map[string]any, signer *key.Key) (Public, error) {
	body := publicSignedBody{
		RecordID:       recordID.String(),
		ProtocolID:     protocolID.String(),
		Payload:        payload,
		SecondaryIndex: secondaryIndex,
	}
	sig, err := signer.Sign(canonicalPublicBodyBytes(body))
	if err != nil {
		return Public{}, err
	}
	return Public{
		RecordID:       recordID,
		ProtocolID:     protocolID,
		Payload:        payload,
		SecondaryIndex: secondaryIndex,
		Signer:         signer.Public(),
		Signature:      sig,
	}, nil
}

// VerifyPublic checks p's signature against its declared Signer.
func VerifyPublic(p Public) error {
	if p.Signer == nil {
		return pdnerrors.New(pdnerrors.InvalidAuth, "public record has no signer")
	}
	body := publicSignedBody{
		RecordID:       p.RecordID.String(),
		ProtocolID:     p.ProtocolID.String(),
		Payload:        p.Payload,
		SecondaryIndex: p.SecondaryIndex,
	}
	if !p.Signer.Verify(canonicalPublicBodyBytes(body), p.Signature) {
		return pdnerrors.New(pdnerrors.InvalidAuth, "public record signature does not verify")
	}
	return nil
}
