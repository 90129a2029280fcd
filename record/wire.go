// Package record implements the private-record envelope (sign-then-encrypt
// on write, decrypt-then-verify on read), public records, and direct
// messages described by the data model.
package record

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// keyWire carries the public projection of a key.Key across the wire.
type keyWire struct {
	SignPub []byte `json:"sign_pub"`
	EncPub  []byte `json:"enc_pub"`
}

func encodeKey(k *key.Key) *keyWire {
	if k == nil {
		return nil
	}
	pub := k.Public()
	return &keyWire{SignPub: pub.SigningPublicBytes(), EncPub: pub.EncryptionPublicBytes()}
}

func decodeKey(w *keyWire) (*key.Key, error) {
	if w == nil {
		return nil, nil
	}
	return key.FromPublicBytes(w.SignPub, w.EncPub)
}

type channelWire struct {
	DiscoverChild *keyWire `json:"discover_child"`
	CreateChild   *keyWire `json:"create_child"`
	ReadChild     *keyWire `json:"read_child"`
}

// permissionSetWire is the public-projection encoding of a PermissionSet
// carried inside a signed record body. Secrets never cross the wire;
// readers who hold them supply their own outer PermissionSet and the
// result is reassembled with key.Combine.
type permissionSetWire struct {
	Path     []string     `json:"path"`
	Discover *keyWire     `json:"discover"`
	Create   *keyWire     `json:"create"`
	Read     *keyWire     `json:"read"`
	Delete   *keyWire     `json:"delete,omitempty"`
	Channel  *channelWire `json:"channel,omitempty"`
}

func encodePermissionSet(ps key.PermissionSet) permissionSetWire {
	segs := make([]string, len(ps.Path))
	for i, s := range ps.Path {
		segs[i] = s.String()
	}
	w := permissionSetWire{
		Path:     segs,
		Discover: encodeKey(ps.Discover),
		Create:   encodeKey(ps.Create),
		Read:     encodeKey(ps.Read),
		Delete:   encodeKey(ps.Delete),
	}
	if ps.Channel != nil {
		w.Channel = &channelWire{
			DiscoverChild: encodeKey(ps.Channel.DiscoverChild),
			CreateChild:   encodeKey(ps.Channel.CreateChild),
			ReadChild:     encodeKey(ps.Channel.ReadChild),
		}
	}
	return w
}

func decodePermissionSet(w permissionSetWire) (key.PermissionSet, error) {
	path := make(key.Path, len(w.Path))
	for i, s := range w.Path {
		id, err := uuid.Parse(s)
		if err != nil {
			return key.PermissionSet{}, pdnerrors.Wrap(pdnerrors.BadResponse, err)
		}
		path[i] = id
	}
	ps := key.PermissionSet{Path: path}
	var err error
	if ps.Discover, err = decodeKey(w.Discover); err != nil {
		return key.PermissionSet{}, err
	}
	if ps.Create, err = decodeKey(w.Create); err != nil {
		return key.PermissionSet{}, err
	}
	if ps.Read, err = decodeKey(w.Read); err != nil {
		return key.PermissionSet{}, err
	}
	if ps.Delete, err = decodeKey(w.Delete); err != nil {
		return key.PermissionSet{}, err
	}
	if w.Channel != nil {
		ch := &key.Channel{}
		if ch.DiscoverChild, err = decodeKey(w.Channel.DiscoverChild); err != nil {
			return key.PermissionSet{}, err
		}
		if ch.CreateChild, err = decodeKey(w.Channel.CreateChild); err != nil {
			return key.PermissionSet{}, err
		}
		if ch.ReadChild, err = decodeKey(w.Channel.ReadChild); err != nil {
			return key.PermissionSet{}, err
		}
		ps.Channel = ch
	}
	return ps, nil
}

// signedBody is the canonical, signable encoding of {perms, protocol_id,
// payload}. Canonicalization sorts every map's keys so that two equal
// records always sign identical bytes.
type signedBody struct {
	Perms      permissionSetWire `json:"perms"`
	ProtocolID string            `json:"protocol_id"`
	Payload    []byte            `json:"payload"`
}

func canonicalSignedBodyBytes(b signedBody) []byte {
	// signedBody has no map fields, so json.Marshal's struct-field order
	// (declaration order) is already deterministic.
	raw, err := json.Marshal(b)
	if err != nil {
		panic("record: canonical body encoding failed: " + err.Error())
	}
	var out bytes.Buffer
	out.Write(raw)
	return out.Bytes()
}
