package external

import (
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/record"
)

// RequestKind tags the variant carried by a DwnRequest.
type RequestKind int

const (
	KindCreatePrivate RequestKind = iota
	KindReadPrivate
	KindUpdatePrivate
	KindDeletePrivate
	KindCreatePublic
	KindReadPublic
	KindUpdatePublic
	KindDeletePublic
	KindCreateDM
	KindReadDM
)

// DwnRequest is the tagged union of requests the transport boundary can
// carry to a node. Only the fields relevant to Kind are populated.
type DwnRequest struct {
	Kind RequestKind

	// CreatePrivate / UpdatePrivate (inner)
	Envelope record.Envelope

	// UpdatePrivate: outer signature by delete_sk over the inner envelope's
	// canonical bytes.
	OuterSignature []byte
	OuterSigner    *key.Key // public, delete key

	// ReadPrivate / DeletePrivate
	DiscoverKey *key.Key // public
	Signature   []byte   // signed marker (empty message for read, discover_pk bytes for delete)

	// Public records
	PublicRecord record.Public
	Filters      map[string]any
	SortKey      string

	// DeletePublic
	RecordID string

	// DM
	DM        record.DM
	SinceUnix int64
	ComKey    *key.Key // public, signed-over for ReadDM
}

// ResponseKind tags the variant carried by a DwnResponse.
type ResponseKind int

const (
	RespEmpty ResponseKind = iota
	RespConflict
	RespInvalidAuth
	RespReadPrivate
	RespReadPublic
	RespReadDM
)

// DwnResponse is the tagged union returned from the transport boundary.
type DwnResponse struct {
	Kind         ResponseKind
	Message      string
	Envelope     *record.Envelope // RespReadPrivate, nil means "not found"
	PublicRecord []record.Public  // RespReadPublic
	DMs          []record.DM      // RespReadDM
}

// ReadMarker is the fixed (empty) message a ReadPrivate request signs with
// discover_sk to authorize the read, shared by the command library (which
// produces the signature) and the server store (which verifies it).
func ReadMarker() []byte { return []byte{} }

// SinceMarker renders a ReadDM since-timestamp as the fixed message that
// request signs with com_sk, so a signed request can't be replayed against
// a different since value.
func SinceMarker(sinceUnixNano int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(sinceUnixNano >> (8 * i))
	}
	return b
}

// DeleteMarker renders discoverPub's public signing bytes as the fixed
// message a DeletePrivate request signs with delete_sk.
func DeleteMarker(discoverPub *key.Key) []byte {
	return discoverPub.Public().SigningPublicBytes()
}
