package key

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

const seedSize = 32

// Key is a capability: either a secret (able to derive, sign, decrypt) or a
// public projection of one (able to verify and encrypt only). Downgrading a
// secret Key to its public projection is one-way; there is no path back.
//
// A Key derives two deterministic sub-keypairs from its seed via HKDF-SHA256:
// an ed25519 signing pair and an X25519 encryption pair. Two Keys built from
// the same seed always derive to the same sub-keypairs, which is what makes
// PermissionSet derivation reproducible across agents that share a root key.
type Key struct {
	seed []byte // nil for a public-only Key

	signPub ed25519.PublicKey
	signSec ed25519.PrivateKey // nil for a public-only Key

	encPub [32]byte
	encSec [32]byte // zero for a public-only Key
}

// FromSeed builds a secret Key deterministically from a 32-byte seed.
func FromSeed(seed [seedSize]byte) *Key {
	k := &Key{seed: append([]byte(nil), seed[:]...)}
	k.deriveSubkeys()
	return k
}

// Random builds a fresh secret Key from a cryptographically random seed.
// Used only to mint new root keys; all derived keys are deterministic.
func Random() (*Key, error) {
	var seed [seedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return FromSeed(seed), nil
}

func (k *Key) deriveSubkeys() {
	signSeed := hkdfExpand(k.seed, []byte("pdn/key/sign"), 32)
	k.signSec = ed25519.NewKeyFromSeed(signSeed)
	k.signPub = k.signSec.Public().(ed25519.PublicKey)

	encSeed := hkdfExpand(k.seed, []byte("pdn/key/enc"), 32)
	copy(k.encSec[:], encSeed)
	curve25519.ScalarBaseMult(&k.encPub, &k.encSec)
}

func hkdfExpand(seed, info []byte, n int) []byte {
	r := hkdf.New(sha256.New, seed, nil, info)
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		panic("key: hkdf expand failed: " + err.Error())
	}
	return out
}

// FromPublicBytes reconstructs a public-only Key from its raw ed25519
// signing public key and X25519 encryption public key, as carried over the
// wire inside a record's permission-set projection.
func FromPublicBytes(signPub, encPub []byte) (*Key, error) {
	if len(signPub) != ed25519.PublicKeySize {
		return nil, pdnerrors.New(pdnerrors.BadResponse, "invalid signing public key length %d", len(signPub))
	}
	if len(encPub) != 32 {
		return nil, pdnerrors.New(pdnerrors.BadResponse, "invalid encryption public key length %d", len(encPub))
	}
	k := &Key{signPub: append(ed25519.PublicKey(nil), signPub...)}
	copy(k.encPub[:], encPub)
	return k, nil
}

// SeedBytes returns a copy of the 32-byte seed backing this secret Key.
// This is how a granted capability travels inside an encrypted share or DM
// payload; it must never be placed anywhere that is not encrypted to the
// grantee. Fails with InsufficientPermission if k is public.
func (k *Key) SeedBytes() ([]byte, error) {
	if k.IsPublic() {
		return nil, pdnerrors.New(pdnerrors.InsufficientPermission, "public key has no seed")
	}
	return append([]byte(nil), k.seed...), nil
}

// FromSeedBytes rebuilds a secret Key from seed bytes produced by SeedBytes.
func FromSeedBytes(seed []byte) (*Key, error) {
	if len(seed) != seedSize {
		return nil, pdnerrors.New(pdnerrors.BadResponse, "invalid seed length %d", len(seed))
	}
	var s [seedSize]byte
	copy(s[:], seed)
	return FromSeed(s), nil
}

// IsPublic reports whether this Key holds only a public projection.
func (k *Key) IsPublic() bool { return k.seed == nil }

// Public returns the public projection of k. If k is already public, it is
// returned as-is.
func (k *Key) Public() *Key {
	if k.IsPublic() {
		return k
	}
	pub := &Key{
		signPub: append(ed25519.PublicKey(nil), k.signPub...),
		encPub:  k.encPub,
	}
	return pub
}

// Equal reports whether the public projections of two keys match. This is
// the only comparison that is ever valid between an arbitrary pair of Keys:
// secret material is never compared.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}
	return ed25519.PublicKey(k.signPub).Equal(ed25519.PublicKey(other.signPub)) &&
		subtle.ConstantTimeCompare(k.encPub[:], other.encPub[:]) == 1
}

// DeriveFromBytes derives a child secret Key by HKDF-expanding this key's
// seed with info. Fails with InsufficientPermission if k is public.
func (k *Key) DeriveFromBytes(info []byte) (*Key, error) {
	if k.IsPublic() {
		return nil, pdnerrors.New(pdnerrors.InsufficientPermission, "cannot derive from a public key")
	}
	child := hkdfExpand(k.seed, info, seedSize)
	var seed [seedSize]byte
	copy(seed[:], child)
	return FromSeed(seed), nil
}

// DeriveFromInt derives a child secret Key using the big-endian encoding of
// i as the HKDF info parameter. This is the integer-indexed derivation used
// to build PermissionSet slots and channel/index positions.
func (k *Key) DeriveFromInt(i uint64) (*Key, error) {
	var info [8]byte
	binary.BigEndian.PutUint64(info[:], i)
	return k.DeriveFromBytes(info[:])
}

// Sign signs msg. Fails with InvalidAuth if k is public.
func (k *Key) Sign(msg []byte) ([]byte, error) {
	if k.IsPublic() {
		return nil, pdnerrors.New(pdnerrors.InvalidAuth, "cannot sign with a public key")
	}
	return ed25519.Sign(k.signSec, msg), nil
}

// Verify reports whether sig is a valid signature over msg by k's signing
// public key.
func (k *Key) Verify(msg, sig []byte) bool {
	return ed25519.Verify(k.signPub, msg, sig)
}

// Encrypt anonymously seals msg to k's public encryption key, in the style
// of libsodium's crypto_box_seal: an ephemeral X25519 keypair is generated,
// the nonce is derived deterministically from the two public keys (so it
// never needs to be transmitted), and the ephemeral public key is
// prepended to the ciphertext.
func (k *Key) Encrypt(msg []byte) ([]byte, error) {
	ephPub, ephSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	nonce := sealNonce(ephPub, &k.encPub)
	sealed := box.Seal(nil, msg, &nonce, &k.encPub, ephSec)
	out := make([]byte, 0, 32+len(sealed))
	out = append(out, ephPub[:]...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt opens a message produced by Encrypt. Fails with InvalidAuth if k
// is public or the ciphertext does not verify.
func (k *Key) Decrypt(ciphertext []byte) ([]byte, error) {
	if k.IsPublic() {
		return nil, pdnerrors.New(pdnerrors.InvalidAuth, "cannot decrypt with a public key")
	}
	if len(ciphertext) < 32 {
		return nil, pdnerrors.New(pdnerrors.BadResponse, "ciphertext shorter than ephemeral key header")
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])
	nonce := sealNonce(&ephPub, &k.encPub)
	out, ok := box.Open(nil, ciphertext[32:], &nonce, &ephPub, &k.encSec)
	if !ok {
		return nil, pdnerrors.New(pdnerrors.InvalidAuth, "decryption failed")
	}
	return out, nil
}

func sealNonce(ephPub, recipientPub *[32]byte) [24]byte {
	h := sha256.New()
	h.Write(ephPub[:])
	h.Write(recipientPub[:])
	sum := h.Sum(nil)
	var nonce [24]byte
	copy(nonce[:], sum[:24])
	return nonce
}

// SigningPublicBytes returns the raw ed25519 public key bytes, used as the
// DID-facing "comms/signing key" surface for external collaborators.
func (k *Key) SigningPublicBytes() []byte {
	return append([]byte(nil), k.signPub...)
}

// EncryptionPublicBytes returns the raw X25519 public key bytes.
func (k *Key) EncryptionPublicBytes() []byte {
	return append([]byte(nil), k.encPub[:]...)
}
