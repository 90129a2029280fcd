package commands_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/agent"
	"github.com/veilmesh/pdn/commands"
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/protocol"
	"github.com/veilmesh/pdn/record"
	"github.com/veilmesh/pdn/store"
	"github.com/veilmesh/pdn/store/memkv"
	"github.com/veilmesh/pdn/transport"
)

// fixtureResolver resolves the fixture's in-process DIDs.
type fixtureResolver struct {
	docs map[string]*external.Document
}

func (r *fixtureResolver) Resolve(ctx context.Context, did string) (*external.Document, error) {
	return r.docs[did], nil
}

func (r *fixtureResolver) GetEndpoints(ctx context.Context, dids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(dids))
	for _, did := range dids {
		if doc, ok := r.docs[did]; ok {
			out[did] = doc.Endpoints
		}
	}
	return out, nil
}

func (r *fixtureResolver) ResolveDWNKeys(ctx context.Context, did string) (*key.Key, *key.Key, error) {
	doc, ok := r.docs[did]
	if !ok {
		return nil, nil, nil
	}
	return doc.SigningPub, doc.CommsPub, nil
}

// countingWire counts request kinds crossing the wire, so tests can assert
// dedup and write-collapse behavior without poking at server internals.
type countingWire struct {
	inner external.WireTransport
	kinds map[external.RequestKind]int
}

func (c *countingWire) Send(ctx context.Context, batch map[external.Endpoint][]external.PendingRequest) (map[external.Endpoint]map[string]external.DwnResponse, error) {
	for _, reqs := range batch {
		for _, pr := range reqs {
			c.kinds[pr.Request.Kind]++
		}
	}
	return c.inner.Send(ctx, batch)
}

func (c *countingWire) reset() { c.kinds = make(map[external.RequestKind]int) }

type fixture struct {
	t        *testing.T
	loop     *transport.Loopback
	wire     *countingWire
	resolver *fixtureResolver
	protos   []protocol.Protocol
}

func newFixture(t *testing.T, protos ...protocol.Protocol) *fixture {
	loop := transport.NewLoopback()
	return &fixture{
		t:        t,
		loop:     loop,
		wire:     &countingWire{inner: loop, kinds: make(map[external.RequestKind]int)},
		resolver: &fixtureResolver{docs: make(map[string]*external.Document)},
		protos:   protos,
	}
}

func (f *fixture) addAgent(name string) *agent.Agent {
	did := "did:ex:" + name
	endpoint := external.Endpoint("mem://" + name)
	f.loop.Attach(endpoint, store.NewNode(memkv.New(), nil))

	a, err := agent.New(agent.Config{
		Tenant:        did,
		AgentSeed:     sha256.Sum256([]byte(name)),
		UserProtocols: f.protos,
		Resolver:      f.resolver,
		Wire:          f.wire,
		Local:         memkv.New(),
	})
	if err != nil {
		f.t.Fatalf("agent.New(%s): %v", name, err)
	}
	f.resolver.docs[did] = &external.Document{
		DID:        did,
		Endpoints:  []string{string(endpoint)},
		SigningPub: a.SigningPublic(),
		CommsPub:   a.ComsPublic(),
	}
	return a
}

func channelItemID(t *testing.T, a *agent.Agent) (protocol.Protocol, uuid.UUID) {
	t.Helper()
	proto, id, err := a.Registry().ByName(protocol.ChannelItem)
	if err != nil {
		t.Fatalf("ByName(channel_item): %v", err)
	}
	return proto, id
}

func TestCreateReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addAgent("alice")
	_, itemID := channelItemID(t, alice)
	path := key.Path{key.NewSegment()}

	if _, err := alice.CreatePrivate(ctx, path, itemID, []byte("hello")); err != nil {
		t.Fatalf("CreatePrivate: %v", err)
	}
	resp, err := alice.ReadPrivate(ctx, path)
	if err != nil {
		t.Fatalf("ReadPrivate: %v", err)
	}
	if resp.Kind != compiler.RespPrivateRecord || resp.PrivateRecord == nil {
		t.Fatalf("expected a private record, got %+v", resp)
	}
	if string(resp.PrivateRecord.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", resp.PrivateRecord.Payload)
	}
	if resp.PrivateRecord.ProtocolID != itemID {
		t.Fatalf("protocol = %s, want %s", resp.PrivateRecord.ProtocolID, itemID)
	}
}

func TestIdempotentCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addAgent("alice")
	_, itemID := channelItemID(t, alice)
	path := key.Path{key.NewSegment()}

	if _, err := alice.CreatePrivate(ctx, path, itemID, []byte("hello")); err != nil {
		t.Fatalf("first CreatePrivate: %v", err)
	}

	f.wire.reset()
	resp, err := alice.CreatePrivate(ctx, path, itemID, []byte("hello"))
	if err != nil {
		t.Fatalf("second CreatePrivate: %v", err)
	}
	dwn := resp.DwnResponses[0]
	if dwn.Kind != external.RespEmpty {
		t.Fatalf("expected Empty for idempotent create, got %+v", dwn)
	}
	if n := f.wire.kinds[external.KindCreatePrivate]; n != 0 {
		t.Fatalf("idempotent create reached the server %d times", n)
	}
}

func TestConflictingCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addAgent("alice")
	_, itemID := channelItemID(t, alice)
	path := key.Path{key.NewSegment()}

	if _, err := alice.CreatePrivate(ctx, path, itemID, []byte("hello")); err != nil {
		t.Fatalf("CreatePrivate: %v", err)
	}
	resp, err := alice.CreatePrivate(ctx, path, itemID, []byte("world"))
	if err != nil {
		t.Fatalf("conflicting CreatePrivate errored instead of reporting: %v", err)
	}
	dwn := resp.DwnResponses[0]
	if dwn.Kind != external.RespConflict || dwn.Message != "Conflict" {
		t.Fatalf("expected the Conflict sentinel, got %+v", dwn)
	}
}

func TestUpdateCollapsesToLatest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addAgent("alice")
	_, itemID := channelItemID(t, alice)
	path := key.Path{key.NewSegment()}

	if _, err := alice.CreatePrivate(ctx, path, itemID, []byte("hello")); err != nil {
		t.Fatalf("CreatePrivate: %v", err)
	}

	f.wire.reset()
	resps, err := alice.Execute(ctx,
		commands.UpdatePrivate{Path: path, ProtocolID: itemID, Payload: []byte("a")},
		commands.UpdatePrivate{Path: path, ProtocolID: itemID, Payload: []byte("b")},
	)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for i, r := range resps {
		if r.IsError() {
			t.Fatalf("update %d failed: %v", i, r.AsError())
		}
	}
	if n := f.wire.kinds[external.KindUpdatePrivate]; n != 1 {
		t.Fatalf("server saw %d updates, want exactly 1", n)
	}

	read, err := alice.ReadPrivate(ctx, path)
	if err != nil {
		t.Fatalf("ReadPrivate: %v", err)
	}
	if string(read.PrivateRecord.Payload) != "b" {
		t.Fatalf("payload = %q, want the later-submitted %q", read.PrivateRecord.Payload, "b")
	}
}

// notesFolder is a user protocol whose records carry a channel accepting
// any child, for the channel scan scenarios.
func notesFolder() protocol.Protocol {
	return protocol.Protocol{
		Name:      "notes_folder",
		Deletable: true,
		Template: key.PermissionOptions{
			CanCreate: true, CanRead: true, CanDelete: true,
			CanCreateChild: true, CanReadChild: true,
		},
		Channel: &protocol.ChannelSpec{AllowedChildren: nil},
	}
}

func TestChannelScan(t *testing.T) {
	ctx := context.Background()
	folder := notesFolder()
	f := newFixture(t, folder)
	alice := f.addAgent("alice")
	_, itemID := channelItemID(t, alice)
	parent := key.Path{key.NewSegment()}

	if _, err := alice.CreatePrivate(ctx, parent, folder.ID(), nil); err != nil {
		t.Fatalf("create parent: %v", err)
	}

	want := make(map[string]bool)
	cmds := make([]compiler.Command, 0, 7)
	for i := 0; i < 7; i++ {
		payload := []byte{'n', byte('0' + i)}
		want[string(payload)] = true
		cmds = append(cmds, commands.CreatePrivate{
			Path:       parent.Extend(key.NewSegment()),
			ProtocolID: itemID,
			Payload:    payload,
		})
	}
	resps, err := alice.Execute(ctx, cmds...)
	if err != nil {
		t.Fatalf("create children: %v", err)
	}
	for i, r := range resps {
		if r.IsError() {
			t.Fatalf("child %d failed: %v", i, r.AsError())
		}
	}

	scan, err := alice.Scan(ctx, parent, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scan.Kind != compiler.RespPrivateRecords {
		t.Fatalf("expected a record list, got %+v", scan)
	}
	if len(scan.PrivateRecords) != 7 {
		t.Fatalf("scan returned %d records, want 7", len(scan.PrivateRecords))
	}
	for _, rec := range scan.PrivateRecords {
		if !want[string(rec.Payload)] {
			t.Fatalf("unexpected scanned payload %q", rec.Payload)
		}
		delete(want, string(rec.Payload))
	}
}

func TestShareEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := f.addAgent("alice")
	bob := f.addAgent("bob")
	_, itemID := channelItemID(t, alice)
	path := key.Path{key.NewSegment()}

	// Bob advertises his agent keys so shares can be encrypted to them.
	if _, err := bob.Init(ctx, key.Path{}); err != nil {
		t.Fatalf("bob Init: %v", err)
	}

	if _, err := alice.CreatePrivate(ctx, path, itemID, []byte("hello")); err != nil {
		t.Fatalf("alice CreatePrivate: %v", err)
	}
	if _, err := alice.Share(ctx, path, key.PermissionOptions{CanRead: true}, bob.Tenant); err != nil {
		t.Fatalf("alice Share: %v", err)
	}

	// Bob drains his inbox and finds the channel grant.
	dmResp, err := bob.ReadDM(ctx)
	if err != nil {
		t.Fatalf("bob ReadDM: %v", err)
	}
	dms := dmResp.DwnResponses[0].DMs
	if len(dms) != 1 {
		t.Fatalf("bob has %d DMs, want 1", len(dms))
	}
	channelPerms, _, err := record.DecodeDM(dms[0], bob.ComSecret())
	if err != nil {
		t.Fatalf("DecodeDM: %v", err)
	}

	// Bob scans Alice's channel for share items.
	scanResps, err := bob.Execute(ctx, commands.Scan{
		DID: alice.Tenant, Path: channelPerms.Path, Perms: &channelPerms,
	})
	if err != nil {
		t.Fatalf("bob Scan: %v", err)
	}
	items := scanResps[0].PrivateRecords
	if len(items) != 1 {
		t.Fatalf("channel has %d items, want 1", len(items))
	}

	var bundle map[string][]byte
	if err := json.Unmarshal(items[0].Payload, &bundle); err != nil {
		t.Fatalf("share bundle: %v", err)
	}
	sealed, ok := bundle[key.Path{}.String()]
	if !ok {
		t.Fatalf("no ciphertext for bob's root agent key; bundle keys: %v", keysOf(bundle))
	}
	rootKey, err := bob.AgentKey(key.Path{})
	if err != nil {
		t.Fatalf("AgentKey: %v", err)
	}
	plain, err := rootKey.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	shared, err := record.BytesToPerms(plain)
	if err != nil {
		t.Fatalf("BytesToPerms: %v", err)
	}
	if !shared.Path.Equal(path) {
		t.Fatalf("granted path = %s, want %s", shared.Path, path)
	}

	// The grant lets Bob read Alice's record, create-capability public only.
	readResps, err := bob.Execute(ctx, commands.ReadPrivate{
		DID: alice.Tenant, Path: path, Perms: &shared, IsComms: true,
	})
	if err != nil {
		t.Fatalf("bob ReadPrivate: %v", err)
	}
	rec := readResps[0].PrivateRecord
	if rec == nil || !bytes.Equal(rec.Payload, []byte("hello")) {
		t.Fatalf("bob read %+v, want payload hello", readResps[0])
	}
	if rec.Perms.Create == nil || !rec.Perms.Create.IsPublic() {
		t.Fatalf("bob's create capability should be public-only")
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
