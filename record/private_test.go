package record

import (
	"testing"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/protocol"
)

func mustPS(t *testing.T) key.PermissionSet {
	t.Helper()
	root, err := key.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	pk, err := key.DerivePath(key.NewRootPathedKey(root), key.Path{key.NewSegment()})
	if err != nil {
		t.Fatalf("DerivePath: %v", err)
	}
	ps, err := key.ToPermission(pk)
	if err != nil {
		t.Fatalf("ToPermission: %v", err)
	}
	return ps
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	reg := protocol.NewRegistry()
	proto, protoID, err := reg.ByName(protocol.PermPointer)
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	_ = proto

	ps := mustPS(t)
	rec := Private{Perms: ps, ProtocolID: protoID, Payload: []byte("hello")}

	env, err := Encode(rec, ps.Create)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(env, ps, reg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded.Payload) != "hello" {
		t.Fatalf("payload mismatch: got %q", decoded.Payload)
	}
}

func TestDecodeRejectsDiscoverMismatch(t *testing.T) {
	reg := protocol.NewRegistry()
	_, protoID, err := reg.ByName(protocol.PermPointer)
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	ps := mustPS(t)
	rec := Private{Perms: ps, ProtocolID: protoID, Payload: []byte("x")}
	env, err := Encode(rec, ps.Create)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	other := mustPS(t)
	outer := ps
	outer.Discover = other.Discover
	if _, err := Decode(env, outer, reg); err == nil {
		t.Fatalf("expected BadResponse for mismatched discover key")
	}
}

func TestPublicSignVerify(t *testing.T) {
	signer, err := key.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	rec, err := SignPublic(uuid.New(), uuid.New(), []byte("payload"), map[string]any{"b": 1, "a": "x"}, signer)
	if err != nil {
		t.Fatalf("SignPublic: %v", err)
	}
	if err := VerifyPublic(rec); err != nil {
		t.Fatalf("VerifyPublic: %v", err)
	}
}

func TestDMRoundTrip(t *testing.T) {
	sender, err := key.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	recipient, err := key.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	ps := mustPS(t)

	dm, err := EncodeDM(ps, sender, recipient.Public())
	if err != nil {
		t.Fatalf("EncodeDM: %v", err)
	}
	got, gotSender, err := DecodeDM(dm, recipient)
	if err != nil {
		t.Fatalf("DecodeDM: %v", err)
	}
	if !gotSender.Equal(sender.Public()) {
		t.Fatalf("sender mismatch")
	}
	if !got.Path.Equal(ps.Path) {
		t.Fatalf("path mismatch")
	}
}
