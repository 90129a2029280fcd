package store

import (
	"context"
	"testing"

	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/record"
	"github.com/veilmesh/pdn/store/memkv"
)

func nodePerms(t *testing.T) key.PermissionSet {
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

func TestNodeDispatchPrivateLifecycle(t *testing.T) {
	ctx := context.Background()
	node := NewNode(memkv.New(), nil)
	ps := nodePerms(t)

	env, err := record.Encode(record.Private{Perms: ps, Payload: []byte("x")}, ps.Create)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	resp, err := node.Handle(ctx, external.DwnRequest{Kind: external.KindCreatePrivate, Envelope: env})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.Kind != external.RespEmpty {
		t.Fatalf("create = %+v", resp)
	}

	sig, err := ps.Discover.Sign(external.ReadMarker())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	resp, err = node.Handle(ctx, external.DwnRequest{
		Kind:        external.KindReadPrivate,
		DiscoverKey: ps.Discover.Public(),
		Signature:   sig,
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Kind != external.RespReadPrivate || resp.Envelope == nil {
		t.Fatalf("read = %+v", resp)
	}

	delSig, err := ps.Delete.Sign(external.DeleteMarker(ps.Discover))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	resp, err = node.Handle(ctx, external.DwnRequest{
		Kind:        external.KindDeletePrivate,
		DiscoverKey: ps.Discover.Public(),
		Signature:   delSig,
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.Kind != external.RespEmpty {
		t.Fatalf("delete = %+v", resp)
	}

	resp, err = node.Handle(ctx, external.DwnRequest{
		Kind:        external.KindReadPrivate,
		DiscoverKey: ps.Discover.Public(),
		Signature:   sig,
	})
	if err != nil {
		t.Fatalf("read after delete: %v", err)
	}
	if resp.Kind != external.RespReadPrivate || resp.Envelope != nil {
		t.Fatalf("read after delete should be None, got %+v", resp)
	}
}

func TestNodeRejectsUnknownKind(t *testing.T) {
	node := NewNode(memkv.New(), nil)
	if _, err := node.Handle(context.Background(), external.DwnRequest{Kind: external.RequestKind(99)}); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}
