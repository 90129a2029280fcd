package transport

import (
	"bytes"
	"testing"

	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
)

func testKey(t *testing.T) *key.Key {
	t.Helper()
	k, err := key.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	return k
}

func TestRequestCodecRoundTrip(t *testing.T) {
	discover := testKey(t)
	sig := []byte("signature-bytes")
	req := external.DwnRequest{
		Kind:        external.KindReadPrivate,
		DiscoverKey: discover.Public(),
		Signature:   sig,
	}
	raw, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	got, err := DecodeRequest(raw)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if got.Kind != external.KindReadPrivate {
		t.Fatalf("kind = %d", got.Kind)
	}
	if !got.DiscoverKey.Equal(discover.Public()) {
		t.Fatalf("discover key did not survive the codec")
	}
	if !bytes.Equal(got.Signature, sig) {
		t.Fatalf("signature did not survive the codec")
	}
}

func TestPacketSealOpen(t *testing.T) {
	com := testKey(t)
	discover := testKey(t)
	reqs := []external.PendingRequest{
		{UUID: "req-1", Recipient: "did:ex:alice", Request: external.DwnRequest{
			Kind:        external.KindReadPrivate,
			DiscoverKey: discover.Public(),
			Signature:   []byte("s"),
		}},
	}
	frame, err := sealPacket("did:ex:alice", com.Public(), reqs)
	if err != nil {
		t.Fatalf("sealPacket: %v", err)
	}

	recipient, decoded, err := openPacket(frame, com)
	if err != nil {
		t.Fatalf("openPacket: %v", err)
	}
	if recipient != "did:ex:alice" {
		t.Fatalf("recipient = %q", recipient)
	}
	if len(decoded) != 1 {
		t.Fatalf("decoded %d requests, want 1", len(decoded))
	}
	if decoded["req-1"].Kind != external.KindReadPrivate {
		t.Fatalf("request kind lost in transit")
	}

	// The wrong communication key cannot open the packet.
	other := testKey(t)
	if _, _, err := openPacket(frame, other); err == nil {
		t.Fatalf("packet opened with the wrong key")
	}
}

func TestReplyCodecRoundTrip(t *testing.T) {
	in := map[string]external.DwnResponse{
		"a": {Kind: external.RespEmpty},
		"b": {Kind: external.RespConflict, Message: "record already exists"},
	}
	raw, err := encodeReply(in)
	if err != nil {
		t.Fatalf("encodeReply: %v", err)
	}
	out, err := decodeReply(raw)
	if err != nil {
		t.Fatalf("decodeReply: %v", err)
	}
	if out["a"].Kind != external.RespEmpty {
		t.Fatalf("reply a mangled: %+v", out["a"])
	}
	if out["b"].Kind != external.RespConflict || out["b"].Message != "record already exists" {
		t.Fatalf("reply b mangled: %+v", out["b"])
	}
}
