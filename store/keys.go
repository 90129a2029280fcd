package store

import (
	"encoding/hex"

	"github.com/veilmesh/pdn/key"
)

// publicKeyID renders a public key's signing+encryption bytes as a stable
// hex string, used as the storage key for the discover-indexed collections.
func publicKeyID(k *key.Key) string {
	if k == nil {
		return ""
	}
	pub := k.Public()
	return hex.EncodeToString(pub.SigningPublicBytes()) + hex.EncodeToString(pub.EncryptionPublicBytes())
}
