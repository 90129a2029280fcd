package record

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/protocol"
)

// Private is the decoded form of a private record: the permission set it
// was written under, the protocol governing its shape, and its payload.
type Private struct {
	Perms      key.PermissionSet
	ProtocolID uuid.UUID
	Payload    []byte
}

// Envelope is the server-visible form of a private record:
// {discover_pk, delete_pk?, ciphertext}. The ciphertext, once decrypted,
// contains a signed signedBody.
type Envelope struct {
	Discover *key.Key // public
	Delete   *key.Key // public, optional
	Payload  []byte   // ciphertext
}

type signedEnvelopePayload struct {
	Body      signedBody `json:"body"`
	Signature []byte     `json:"signature"`
}

// Encode builds the wire Envelope for rec, signed by createSecret and
// encrypted to rec.Perms.Read's public key. createSecret's public
// projection must match rec.Perms.Create's, since the record asserts that
// PermissionSet as its own.
func Encode(rec Private, createSecret *key.Key) (Envelope, error) {
	if rec.Perms.Create == nil || !createSecret.Public().Equal(rec.Perms.Create.Public()) {
		return Envelope{}, pdnerrors.New(pdnerrors.InvalidAuth, "create key does not match permission set's create slot")
	}
	if rec.Perms.Read == nil {
		return Envelope{}, pdnerrors.New(pdnerrors.InvalidAuth, "permission set has no read key to encrypt under")
	}

	body := signedBody{
		Perms:      encodePermissionSet(rec.Perms),
		ProtocolID: rec.ProtocolID.String(),
		Payload:    rec.Payload,
	}
	toSign := canonicalSignedBodyBytes(body)
	sig, err := createSecret.Sign(toSign)
	if err != nil {
		return Envelope{}, err
	}

	plain, err := json.Marshal(signedEnvelopePayload{Body: body, Signature: sig})
	if err != nil {
		return Envelope{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	ciphertext, err := rec.Perms.Read.Public().Encrypt(plain)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Discover: rec.Perms.Discover.Public(),
		Payload:  ciphertext,
	}
	if rec.Perms.Delete != nil {
		env.Delete = rec.Perms.Delete.Public()
	}
	return env, nil
}

// Decode opens env under the caller's outer PermissionSet: decrypts with
// outer.Read, verifies the embedded signature with the embedded
// (protocol-trimmed) create key, confirms the embedded discover/delete
// match the envelope's, trims the embedded permission set by its declared
// protocol, combines it with the caller's outer permission set (so the
// caller keeps whatever secrets it already held), and validates the
// payload against the protocol's schema.
func Decode(env Envelope, outer key.PermissionSet, registry *protocol.Registry) (Private, error) {
	if outer.Read == nil {
		return Private{}, pdnerrors.New(pdnerrors.InvalidAuth, "caller has no read key")
	}
	if outer.Discover == nil || !outer.Discover.Public().Equal(env.Discover) {
		return Private{}, pdnerrors.New(pdnerrors.BadResponse, "Internal and External Key Mismatch")
	}

	plain, err := outer.Read.Decrypt(env.Payload)
	if err != nil {
		return Private{}, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}

	var sealed signedEnvelopePayload
	if err := json.Unmarshal(plain, &sealed); err != nil {
		return Private{}, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}

	inner, err := decodePermissionSet(sealed.Body.Perms)
	if err != nil {
		return Private{}, err
	}
	if inner.Create == nil {
		return Private{}, pdnerrors.New(pdnerrors.BadResponse, "Internal and External Key Mismatch")
	}
	toSign := canonicalSignedBodyBytes(sealed.Body)
	if !inner.Create.Public().Verify(toSign, sealed.Signature) {
		return Private{}, pdnerrors.New(pdnerrors.BadResponse, "Internal and External Key Mismatch")
	}

	if (inner.Delete == nil) != (env.Delete == nil) {
		return Private{}, pdnerrors.New(pdnerrors.BadResponse, "Internal and External Key Mismatch")
	}
	if inner.Delete != nil && !inner.Delete.Public().Equal(env.Delete) {
		return Private{}, pdnerrors.New(pdnerrors.BadResponse, "Internal and External Key Mismatch")
	}

	protocolID, err := uuid.Parse(sealed.Body.ProtocolID)
	if err != nil {
		return Private{}, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
	proto, err := registry.Get(protocolID)
	if err != nil {
		return Private{}, err
	}
	trimmedInner := protocol.Trim(proto, inner)

	combined, err := key.Combine(trimmedInner, outer)
	if err != nil {
		return Private{}, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}

	if err := protocol.ValidatePayload(proto, sealed.Body.Payload); err != nil {
		return Private{}, err
	}

	return Private{Perms: combined, ProtocolID: protocolID, Payload: sealed.Body.Payload}, nil
}
