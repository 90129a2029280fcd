package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/key"
)

func testPerms(t *testing.T) key.PermissionSet {
	t.Helper()
	root, err := key.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	ps, err := key.ToPermission(key.NewRootPathedKey(root))
	if err != nil {
		t.Fatalf("ToPermission: %v", err)
	}
	return ps
}

func TestProtocolIDStable(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()
	pa, ida, err := a.ByName(DMSChannel)
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	_, idb, err := b.ByName(DMSChannel)
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if ida != idb {
		t.Fatalf("two registries disagree on %s: %s vs %s", DMSChannel, ida, idb)
	}
	if pa.ID() != ida {
		t.Fatalf("ID() differs from registered id")
	}
}

func TestTrimRemovesUnauthorizedSlots(t *testing.T) {
	ps := testPerms(t)
	p := Protocol{Name: "flat", Deletable: false} // no channel
	out := Trim(p, ps)
	if out.Delete != nil {
		t.Fatalf("trim kept delete on a non-deletable protocol")
	}
	if out.Channel != nil {
		t.Fatalf("trim kept a channel the protocol does not declare")
	}
	if out.Discover == nil || out.Create == nil || out.Read == nil {
		t.Fatalf("trim dropped a mandatory slot")
	}
}

func TestValidateChild(t *testing.T) {
	child := uuid.New()
	other := uuid.New()

	anyChild := Protocol{Name: "open", Channel: &ChannelSpec{AllowedChildren: nil}}
	if err := ValidateChild(anyChild, child); err != nil {
		t.Fatalf("open channel rejected a child: %v", err)
	}

	closed := Protocol{Name: "closed", Channel: &ChannelSpec{AllowedChildren: []uuid.UUID{child}}}
	if err := ValidateChild(closed, child); err != nil {
		t.Fatalf("allow-listed child rejected: %v", err)
	}
	if err := ValidateChild(closed, other); err == nil {
		t.Fatalf("non-listed child accepted")
	}

	leaf := Protocol{Name: "leaf"}
	if err := ValidateChild(leaf, child); err == nil {
		t.Fatalf("channel-less protocol accepted a child")
	}
}

func TestValidatePayloadSchema(t *testing.T) {
	schema := `{"type":"object","required":["title"],"properties":{"title":{"type":"string"}}}`
	p := Protocol{Name: "note", Schema: schema}

	if err := ValidatePayload(p, []byte(`{"title":"x"}`)); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
	if err := ValidatePayload(p, []byte(`{"nope":1}`)); err == nil {
		t.Fatalf("schema-violating payload accepted")
	}
	if err := ValidatePayload(p, nil); err == nil {
		t.Fatalf("empty payload accepted despite a schema")
	}

	free := Protocol{Name: "free"}
	if err := ValidatePayload(free, nil); err != nil {
		t.Fatalf("empty payload rejected without a schema: %v", err)
	}
	if err := ValidatePayload(free, []byte("anything")); err != nil {
		t.Fatalf("schema-less payload rejected: %v", err)
	}
}

func TestSubsetPermissionUsesTemplateByDefault(t *testing.T) {
	ps := testPerms(t)
	p := Protocol{
		Name:      "readable",
		Deletable: true,
		Template:  key.PermissionOptions{CanRead: true},
	}
	out, err := SubsetPermission(p, ps, nil)
	if err != nil {
		t.Fatalf("SubsetPermission: %v", err)
	}
	if out.Read.IsPublic() {
		t.Fatalf("template grants read; subset downgraded it")
	}
	if !out.Create.IsPublic() {
		t.Fatalf("template withholds create; subset kept the secret")
	}
}
