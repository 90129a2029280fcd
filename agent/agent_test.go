package agent

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/pkg/telemetry"
)

func testAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(Config{
		Tenant:    "did:ex:alice",
		AgentSeed: sha256.Sum256([]byte("alice")),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewDerivesDeterministicKeys(t *testing.T) {
	a := testAgent(t)
	b := testAgent(t)
	if !a.SigningPublic().Equal(b.SigningPublic()) {
		t.Fatalf("same seed produced different signing keys")
	}
	if !a.ComsPublic().Equal(b.ComsPublic()) {
		t.Fatalf("same seed produced different comms keys")
	}
	if a.SigningPublic().Equal(a.ComsPublic()) {
		t.Fatalf("signing and comms keys should be independent derivations")
	}
}

func TestNewRequiresTenant(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("agent without a tenant accepted")
	}
}

func TestAgentKeyScopesToPath(t *testing.T) {
	a := testAgent(t)
	root, err := a.AgentKey(key.Path{})
	if err != nil {
		t.Fatalf("AgentKey(root): %v", err)
	}
	seg := key.NewSegment()
	child, err := a.AgentKey(key.Path{seg})
	if err != nil {
		t.Fatalf("AgentKey(child): %v", err)
	}
	if root.Equal(child) {
		t.Fatalf("distinct paths produced the same agent key")
	}
	again, err := a.AgentKey(key.Path{seg})
	if err != nil {
		t.Fatalf("AgentKey(child again): %v", err)
	}
	if !child.Equal(again) {
		t.Fatalf("agent key derivation is not deterministic")
	}
}

func TestHealthReportsMissingCollaborators(t *testing.T) {
	a := testAgent(t)
	snap, err := a.Health(time.Now().UTC())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if snap.Overall == telemetry.StatusOK {
		t.Fatalf("agent without a resolver or local store should not report ok")
	}
}
