package commands

import (
	"testing"

	"github.com/veilmesh/pdn/key"
)

func TestFingerprintIdentity(t *testing.T) {
	path := key.Path{key.NewSegment()}

	a, err := Fingerprint(ReadPrivate{DID: "did:ex:alice", Path: path})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	b, err := Fingerprint(ReadPrivate{DID: "did:ex:alice", Path: path})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a != b {
		t.Fatalf("equal commands fingerprint differently: %s vs %s", a, b)
	}

	c, err := Fingerprint(ReadPrivate{DID: "did:ex:bob", Path: path})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a == c {
		t.Fatalf("different destinations share a fingerprint")
	}

	d, err := Fingerprint(UpdatePrivate{DID: "did:ex:alice", Path: path})
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if a == d {
		t.Fatalf("different verbs share a fingerprint")
	}
}

func TestDMSChannelPathDeterministic(t *testing.T) {
	a := DMSChannelPath("did:ex:bob")
	b := DMSChannelPath("did:ex:bob")
	if !a.Equal(b) {
		t.Fatalf("channel path is not deterministic")
	}
	if a.Equal(DMSChannelPath("did:ex:carol")) {
		t.Fatalf("distinct recipients share a channel path")
	}
}
