package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/record"
	"github.com/veilmesh/pdn/store/memkv"
)

func mustEnvelope(t *testing.T, discover, read, create, del *key.Key, payload []byte) record.Envelope {
	t.Helper()
	ps := key.PermissionSet{Discover: discover, Read: read, Create: create, Delete: del}
	env, err := record.Encode(record.Private{Perms: ps, ProtocolID: uuid.New(), Payload: payload}, create)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return env
}

func TestPrivateCreateConflict(t *testing.T) {
	ctx := context.Background()
	s := NewPrivateStore(memkv.New(), nil)
	discover := mustRandom(t)
	read := mustRandom(t)
	create := mustRandom(t)

	env := mustEnvelope(t, discover.Public(), read.Public(), create, nil, []byte("a"))
	resp, err := s.Create(ctx, env)
	if err != nil || resp.Kind != external.RespEmpty {
		t.Fatalf("first create: resp=%v err=%v", resp, err)
	}

	env2 := mustEnvelope(t, discover.Public(), read.Public(), create, nil, []byte("b"))
	resp2, err := s.Create(ctx, env2)
	if err != nil || resp2.Kind != external.RespConflict {
		t.Fatalf("second create: expected Conflict, got resp=%v err=%v", resp2, err)
	}
}

func TestPrivateDeleteThenReadIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewPrivateStore(memkv.New(), nil)
	discover := mustRandom(t)
	read := mustRandom(t)
	create := mustRandom(t)
	del := mustRandom(t)

	env := mustEnvelope(t, discover.Public(), read.Public(), create, del, []byte("a"))
	if _, err := s.Create(ctx, env); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sig, err := del.Sign(discover.Public().SigningPublicBytes())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if resp, err := s.Delete(ctx, discover.Public(), sig); err != nil || resp.Kind != external.RespEmpty {
		t.Fatalf("Delete: resp=%v err=%v", resp, err)
	}

	readSig, err := discover.Sign(external.ReadMarker())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	resp, err := s.Read(ctx, discover.Public(), readSig)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if resp.Kind != external.RespReadPrivate || resp.Envelope != nil {
		t.Fatalf("expected ReadPrivate(None), got %+v", resp)
	}
}

func TestPrivateUpdateWrongDeleteSignerFails(t *testing.T) {
	ctx := context.Background()
	s := NewPrivateStore(memkv.New(), nil)
	discover := mustRandom(t)
	read := mustRandom(t)
	create := mustRandom(t)
	del := mustRandom(t)
	wrongDel := mustRandom(t)

	env := mustEnvelope(t, discover.Public(), read.Public(), create, del, []byte("a"))
	if _, err := s.Create(ctx, env); err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated := mustEnvelope(t, discover.Public(), read.Public(), create, del, []byte("b"))
	toSign, err := record.EnvelopeToBytes(updated)
	if err != nil {
		t.Fatalf("EnvelopeToBytes: %v", err)
	}
	sig, err := wrongDel.Sign(toSign)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	resp, err := s.Update(ctx, updated, wrongDel.Public(), sig)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if resp.Kind != external.RespInvalidAuth {
		t.Fatalf("expected InvalidAuth, got %+v", resp)
	}
}

func TestDMReadSinceFiltersByArrival(t *testing.T) {
	ctx := context.Background()
	s := NewDMStore(memkv.New(), nil)
	recipient := mustRandom(t)
	sender := mustRandom(t)

	ps := key.PermissionSet{Discover: mustRandom(t).Public()}
	dm1, err := record.EncodeDM(ps, sender, recipient.Public())
	if err != nil {
		t.Fatalf("EncodeDM: %v", err)
	}
	var t0 int64
	ticks := []time.Time{time.Unix(0, 1000), time.Unix(0, 2000)}
	s.now = func() time.Time {
		tm := ticks[0]
		ticks = ticks[1:]
		return tm
	}

	if _, err := s.Create(ctx, dm1); err != nil {
		t.Fatalf("Create dm1: %v", err)
	}
	dm2, err := record.EncodeDM(ps, sender, recipient.Public())
	if err != nil {
		t.Fatalf("EncodeDM: %v", err)
	}
	dm2.Payload = append(dm2.Payload, 0x01) // ensure distinct id from dm1
	if _, err := s.Create(ctx, dm2); err != nil {
		t.Fatalf("Create dm2: %v", err)
	}

	sig, err := recipient.Sign(external.SinceMarker(t0))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	resp, err := s.Read(ctx, recipient.Public(), t0, sig)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if resp.Kind != external.RespReadDM || len(resp.DMs) != 2 {
		t.Fatalf("expected 2 DMs since 0, got %+v", resp)
	}
}

func mustRandom(t *testing.T) *key.Key {
	t.Helper()
	k, err := key.Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}
	return k
}
