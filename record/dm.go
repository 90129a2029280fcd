package record

import (
	"encoding/json"
	"time"

	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

// DM is a direct message: a PermissionSet signed by its sender and
// encrypted to the recipient's communication public key, stored under a
// timestamp index so peers can fetch "everything since t".
type DM struct {
	Discover  *key.Key // recipient's communication public key
	Payload   []byte   // enc(recipient_com_pk, sign(sender, PermissionSet))
	Arrived   time.Time
}

type signedDMBody struct {
	Perms json.RawMessage `json:"perms"` // secret-capable wire, see PermsToBytes
}

// EncodeDM signs ps with sender and encrypts the result to recipientComPub.
// The permission set keeps its secret slots: a DM is a capability grant,
// and the whole body is sealed to the recipient before it leaves the agent.
func EncodeDM(ps key.PermissionSet, sender *key.Key, recipientComPub *key.Key) (DM, error) {
	permBytes, err := PermsToBytes(ps)
	if err != nil {
		return DM{}, err
	}
	raw, err := json.Marshal(signedDMBody{Perms: permBytes})
	if err != nil {
		return DM{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	sig, err := sender.Sign(raw)
	if err != nil {
		return DM{}, err
	}
	plain, err := json.Marshal(signedEnvelopePayloadDM{Body: raw, Signature: sig, SignerSignPub: sender.Public().SigningPublicBytes(), SignerEncPub: sender.Public().EncryptionPublicBytes()})
	if err != nil {
		return DM{}, pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	ciphertext, err := recipientComPub.Public().Encrypt(plain)
	if err != nil {
		return DM{}, err
	}
	return DM{Discover: recipientComPub.Public(), Payload: ciphertext}, nil
}

type signedEnvelopePayloadDM struct {
	Body          json.RawMessage `json:"body"`
	Signature     []byte          `json:"signature"`
	SignerSignPub []byte          `json:"signer_sign_pub"`
	SignerEncPub  []byte          `json:"signer_enc_pub"`
}

// DecodeDM decrypts dm with the recipient's communication secret key,
// verifies the sender's signature, and returns the shared PermissionSet
// plus the sender's public key.
func DecodeDM(dm DM, recipientComSecret *key.Key) (key.PermissionSet, *key.Key, error) {
	plain, err := recipientComSecret.Decrypt(dm.Payload)
	if err != nil {
		return key.PermissionSet{}, nil, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
	var sealed signedEnvelopePayloadDM
	if err := json.Unmarshal(plain, &sealed); err != nil {
		return key.PermissionSet{}, nil, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
	sender, err := key.FromPublicBytes(sealed.SignerSignPub, sealed.SignerEncPub)
	if err != nil {
		return key.PermissionSet{}, nil, err
	}
	if !sender.Verify(sealed.Body, sealed.Signature) {
		return key.PermissionSet{}, nil, pdnerrors.New(pdnerrors.BadResponse, "Internal and External Key Mismatch")
	}
	var body signedDMBody
	if err := json.Unmarshal(sealed.Body, &body); err != nil {
		return key.PermissionSet{}, nil, pdnerrors.Wrap(pdnerrors.BadResponse, err)
	}
	ps, err := BytesToPerms(body.Perms)
	if err != nil {
		return key.PermissionSet{}, nil, err
	}
	return ps, sender, nil
}
