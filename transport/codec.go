package transport

import (
	"encoding/json"

	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/record"
)

// Wire codec for DwnRequest/DwnResponse, shared by the HTTP and websocket
// transports and their server counterparts. Record bodies reuse the
// storage wire forms; keys cross only as public projections.

type keyJSON struct {
	SignPub []byte `json:"sign_pub"`
	EncPub  []byte `json:"enc_pub"`
}

func keyToJSON(k *key.Key) *keyJSON {
	if k == nil {
		return nil
	}
	pub := k.Public()
	return &keyJSON{SignPub: pub.SigningPublicBytes(), EncPub: pub.EncryptionPublicBytes()}
}

func keyFromJSON(w *keyJSON) (*key.Key, error) {
	if w == nil {
		return nil, nil
	}
	return key.FromPublicBytes(w.SignPub, w.EncPub)
}

type requestJSON struct {
	Kind           int             `json:"kind"`
	Envelope       json.RawMessage `json:"envelope,omitempty"`
	OuterSignature []byte          `json:"outer_signature,omitempty"`
	OuterSigner    *keyJSON        `json:"outer_signer,omitempty"`
	DiscoverKey    *keyJSON        `json:"discover_key,omitempty"`
	Signature      []byte          `json:"signature,omitempty"`
	PublicRecord   json.RawMessage `json:"public_record,omitempty"`
	Filters        map[string]any  `json:"filters,omitempty"`
	SortKey        string          `json:"sort_key,omitempty"`
	RecordID       string          `json:"record_id,omitempty"`
	DM             json.RawMessage `json:"dm,omitempty"`
	SinceUnix      int64           `json:"since_unix,omitempty"`
	ComKey         *keyJSON        `json:"com_key,omitempty"`
}

// EncodeRequest renders req as its boundary JSON.
func EncodeRequest(req external.DwnRequest) ([]byte, error) {
	w := requestJSON{
		Kind:           int(req.Kind),
		OuterSignature: req.OuterSignature,
		OuterSigner:    keyToJSON(req.OuterSigner),
		DiscoverKey:    keyToJSON(req.DiscoverKey),
		Signature:      req.Signature,
		Filters:        req.Filters,
		SortKey:        req.SortKey,
		RecordID:       req.RecordID,
		SinceUnix:      req.SinceUnix,
		ComKey:         keyToJSON(req.ComKey),
	}
	var err error
	switch req.Kind {
	case external.KindCreatePrivate, external.KindUpdatePrivate:
		if w.Envelope, err = record.EnvelopeToBytes(req.Envelope); err != nil {
			return nil, err
		}
	case external.KindCreatePublic, external.KindUpdatePublic:
		if w.PublicRecord, err = record.PublicToBytes(req.PublicRecord); err != nil {
			return nil, err
		}
	case external.KindCreateDM:
		if w.DM, err = record.DMToBytes(req.DM); err != nil {
			return nil, err
		}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return b, nil
}

// DecodeRequest parses boundary JSON back into a DwnRequest.
func DecodeRequest(b []byte) (external.DwnRequest, error) {
	var w requestJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return external.DwnRequest{}, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	req := external.DwnRequest{
		Kind:           external.RequestKind(w.Kind),
		OuterSignature: w.OuterSignature,
		Signature:      w.Signature,
		Filters:        w.Filters,
		SortKey:        w.SortKey,
		RecordID:       w.RecordID,
		SinceUnix:      w.SinceUnix,
	}
	var err error
	if req.OuterSigner, err = keyFromJSON(w.OuterSigner); err != nil {
		return external.DwnRequest{}, err
	}
	if req.DiscoverKey, err = keyFromJSON(w.DiscoverKey); err != nil {
		return external.DwnRequest{}, err
	}
	if req.ComKey, err = keyFromJSON(w.ComKey); err != nil {
		return external.DwnRequest{}, err
	}
	if len(w.Envelope) > 0 {
		if req.Envelope, err = record.BytesToEnvelope(w.Envelope); err != nil {
			return external.DwnRequest{}, err
		}
	}
	if len(w.PublicRecord) > 0 {
		if req.PublicRecord, err = record.BytesToPublic(w.PublicRecord); err != nil {
			return external.DwnRequest{}, err
		}
	}
	if len(w.DM) > 0 {
		if req.DM, err = record.BytesToDM(w.DM); err != nil {
			return external.DwnRequest{}, err
		}
	}
	return req, nil
}

type responseJSON struct {
	Kind         int               `json:"kind"`
	Message      string            `json:"message,omitempty"`
	Envelope     json.RawMessage   `json:"envelope,omitempty"`
	PublicRecord []json.RawMessage `json:"public_record,omitempty"`
	DMs          []json.RawMessage `json:"dms,omitempty"`
}

// EncodeResponse renders resp as its boundary JSON.
func EncodeResponse(resp external.DwnResponse) ([]byte, error) {
	w := responseJSON{Kind: int(resp.Kind), Message: resp.Message}
	if resp.Envelope != nil {
		b, err := record.EnvelopeToBytes(*resp.Envelope)
		if err != nil {
			return nil, err
		}
		w.Envelope = b
	}
	for _, p := range resp.PublicRecord {
		b, err := record.PublicToBytes(p)
		if err != nil {
			return nil, err
		}
		w.PublicRecord = append(w.PublicRecord, b)
	}
	for _, dm := range resp.DMs {
		b, err := record.DMToBytes(dm)
		if err != nil {
			return nil, err
		}
		w.DMs = append(w.DMs, b)
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return b, nil
}

// DecodeResponse parses boundary JSON back into a DwnResponse.
func DecodeResponse(b []byte) (external.DwnResponse, error) {
	var w responseJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return external.DwnResponse{}, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
	resp := external.DwnResponse{Kind: external.ResponseKind(w.Kind), Message: w.Message}
	if len(w.Envelope) > 0 {
		env, err := record.BytesToEnvelope(w.Envelope)
		if err != nil {
			return external.DwnResponse{}, err
		}
		resp.Envelope = &env
	}
	for _, raw := range w.PublicRecord {
		p, err := record.BytesToPublic(raw)
		if err != nil {
			return external.DwnResponse{}, err
		}
		resp.PublicRecord = append(resp.PublicRecord, p)
	}
	for _, raw := range w.DMs {
		dm, err := record.BytesToDM(raw)
		if err != nil {
			return external.DwnResponse{}, err
		}
		resp.DMs = append(resp.DMs, dm)
	}
	return resp, nil
}

// packet is the boundary frame: the destination DID plus the bundle of
// correlated requests, sealed to the destination's communication key.
type packet struct {
	Recipient string `json:"recipient"`
	Payload   []byte `json:"payload"`
}

type packetBody struct {
	Requests map[string]json.RawMessage `json:"requests"` // uuid -> requestJSON
}

type replyBody struct {
	Responses map[string]json.RawMessage `json:"responses"` // uuid -> responseJSON
}

// sealPacket bundles reqs, seals the bundle to comPub, and frames it.
func sealPacket(recipient string, comPub *key.Key, reqs []external.PendingRequest) ([]byte, error) {
	body := packetBody{Requests: make(map[string]json.RawMessage, len(reqs))}
	for _, pr := range reqs {
		raw, err := EncodeRequest(pr.Request)
		if err != nil {
			return nil, err
		}
		body.Requests[pr.UUID] = raw
	}
	plain, err := json.Marshal(body)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	sealed, err := comPub.Public().Encrypt(plain)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(packet{Recipient: recipient, Payload: sealed})
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return b, nil
}

// openPacket unseals a boundary frame with the node's communication secret.
func openPacket(frame []byte, comSecret *key.Key) (string, map[string]external.DwnRequest, error) {
	var p packet
	if err := json.Unmarshal(frame, &p); err != nil {
		return "", nil, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	plain, err := comSecret.Decrypt(p.Payload)
	if err != nil {
		return "", nil, pdnerrors.Wrap(pdnerrors.InvalidAuth, err)
	}
	var body packetBody
	if err := json.Unmarshal(plain, &body); err != nil {
		return "", nil, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	out := make(map[string]external.DwnRequest, len(body.Requests))
	for uuid, raw := range body.Requests {
		req, err := DecodeRequest(raw)
		if err != nil {
			return "", nil, err
		}
		out[uuid] = req
	}
	return p.Recipient, out, nil
}

func encodeReply(responses map[string]external.DwnResponse) ([]byte, error) {
	body := replyBody{Responses: make(map[string]json.RawMessage, len(responses))}
	for uuid, resp := range responses {
		raw, err := EncodeResponse(resp)
		if err != nil {
			return nil, err
		}
		body.Responses[uuid] = raw
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return b, nil
}

func decodeReply(b []byte) (map[string]external.DwnResponse, error) {
	var body replyBody
	if err := json.Unmarshal(b, &body); err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
	out := make(map[string]external.DwnResponse, len(body.Responses))
	for uuid, raw := range body.Responses {
		resp, err := DecodeResponse(raw)
		if err != nil {
			return nil, err
		}
		out[uuid] = resp
	}
	return out, nil
}
