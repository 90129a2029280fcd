package record

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// A PermissionSet travelling inside a pointer payload, a share ciphertext,
// or a DM grants capabilities, so unlike the public-projection wire used
// inside signed envelope bodies it must be able to carry secrets. Producers
// are responsible for only ever placing these bytes inside material
// encrypted to the grantee.

type secretKeyWire struct {
	Seed    []byte `json:"seed,omitempty"` // present iff the slot is granted as a secret
	SignPub []byte `json:"sign_pub,omitempty"`
	EncPub  []byte `json:"enc_pub,omitempty"`
}

func encodeSecretKey(k *key.Key) (*secretKeyWire, error) {
	if k == nil {
		return nil, nil
	}
	if k.IsPublic() {
		pub := k.Public()
		return &secretKeyWire{SignPub: pub.SigningPublicBytes(), EncPub: pub.EncryptionPublicBytes()}, nil
	}
	seed, err := k.SeedBytes()
	if err != nil {
		return nil, err
	}
	return &secretKeyWire{Seed: seed}, nil
}

func decodeSecretKey(w *secretKeyWire) (*key.Key, error) {
	if w == nil {
		return nil, nil
	}
	if len(w.Seed) > 0 {
		return key.FromSeedBytes(w.Seed)
	}
	return key.FromPublicBytes(w.SignPub, w.EncPub)
}

type secretChannelWire struct {
	DiscoverChild *secretKeyWire `json:"discover_child"`
	CreateChild   *secretKeyWire `json:"create_child"`
	ReadChild     *secretKeyWire `json:"read_child"`
}

type secretPermsWire struct {
	Path     []string           `json:"path"`
	Discover *secretKeyWire     `json:"discover"`
	Create   *secretKeyWire     `json:"create"`
	Read     *secretKeyWire     `json:"read"`
	Delete   *secretKeyWire     `json:"delete,omitempty"`
	Channel  *secretChannelWire `json:"channel,omitempty"`
}

// PermsToBytes serializes ps preserving whichever slots are held as
// secrets. Used for perm-pointer payloads, share ciphertexts, and DM
// bodies; never for anything stored or transmitted in the clear.
func PermsToBytes(ps key.PermissionSet) ([]byte, error) {
	segs := make([]string, len(ps.Path))
	for i, s := range ps.Path {
		segs[i] = s.String()
	}
	w := secretPermsWire{Path: segs}
	var err error
	if w.Discover, err = encodeSecretKey(ps.Discover); err != nil {
		return nil, err
	}
	if w.Create, err = encodeSecretKey(ps.Create); err != nil {
		return nil, err
	}
	if w.Read, err = encodeSecretKey(ps.Read); err != nil {
		return nil, err
	}
	if w.Delete, err = encodeSecretKey(ps.Delete); err != nil {
		return nil, err
	}
	if ps.Channel != nil {
		ch := &secretChannelWire{}
		if ch.DiscoverChild, err = encodeSecretKey(ps.Channel.DiscoverChild); err != nil {
			return nil, err
		}
		if ch.CreateChild, err = encodeSecretKey(ps.Channel.CreateChild); err != nil {
			return nil, err
		}
		if ch.ReadChild, err = encodeSecretKey(ps.Channel.ReadChild); err != nil {
			return nil, err
		}
		w.Channel = ch
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return b, nil
}

// BytesToPerms deserializes a PermissionSet produced by PermsToBytes,
// rebuilding secret keys from their seeds where granted.
func BytesToPerms(b []byte) (key.PermissionSet, error) {
	var w secretPermsWire
	if err := json.Unmarshal(b, &w); err != nil {
		return key.PermissionSet{}, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
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
	if ps.Discover, err = decodeSecretKey(w.Discover); err != nil {
		return key.PermissionSet{}, err
	}
	if ps.Create, err = decodeSecretKey(w.Create); err != nil {
		return key.PermissionSet{}, err
	}
	if ps.Read, err = decodeSecretKey(w.Read); err != nil {
		return key.PermissionSet{}, err
	}
	if ps.Delete, err = decodeSecretKey(w.Delete); err != nil {
		return key.PermissionSet{}, err
	}
	if w.Channel != nil {
		ch := &key.Channel{}
		if ch.DiscoverChild, err = decodeSecretKey(w.Channel.DiscoverChild); err != nil {
			return key.PermissionSet{}, err
		}
		if ch.CreateChild, err = decodeSecretKey(w.Channel.CreateChild); err != nil {
			return key.PermissionSet{}, err
		}
		if ch.ReadChild, err = decodeSecretKey(w.Channel.ReadChild); err != nil {
			return key.PermissionSet{}, err
		}
		ps.Channel = ch
	}
	return ps, nil
}

// PathToBytes serializes a record path for pointer payloads.
func PathToBytes(p key.Path) ([]byte, error) {
	segs := make([]string, len(p))
	for i, s := range p {
		segs[i] = s.String()
	}
	b, err := json.Marshal(segs)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return b, nil
}

// BytesToPath deserializes a pointer payload back into a record path.
func BytesToPath(b []byte) (key.Path, error) {
	var segs []string
	if err := json.Unmarshal(b, &segs); err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
	p := make(key.Path, len(segs))
	for i, s := range segs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, pdnerrors.Wrap(pdnerrors.BadResponse, err)
		}
		p[i] = id
	}
	return p, nil
}
