// Package idempotency derives the deterministic identity keys the command
// compiler's write-collapse and dedup rely on: a mutable request's
// (node, record) collision key, a direct message's send identity, a
// command's fingerprint. Two inputs that build the same key are treated
// as the same operation, so construction must be stable across processes
// and immune to field-ordering accidents.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

const (
	keyVersion = "v1"

	maxTenantLen = 64
	maxScopeLen  = 32
	maxParts     = 32
	maxPartBytes = 32 * 1024
)

// KeyParts is the parsed form of a key.
type KeyParts struct {
	Version string `json:"version"`
	Tenant  string `json:"tenant"`
	Scope   string `json:"scope"`
	Hash    string `json:"hash"` // lowercase hex sha256
}

// BuildKey computes `v1:<tenant>:<scope>:<hash>` over the ordered parts.
// Tenant is normalized (a DID's colons and case disappear); scope names
// the record class ("private", "public", "dm", "command"). Parts may be
// strings, byte slices, integers, or booleans — each is written with a
// type tag and length prefix, so ("ab","c") and ("a","bc") never collide.
func BuildKey(tenant, scope string, parts ...any) (string, error) {
	scope, err := normalizeScope(scope)
	if err != nil {
		return "", err
	}
	if len(parts) > maxParts {
		return "", pdnerrors.New(pdnerrors.BadRequest, "too many key parts (%d)", len(parts))
	}

	var buf bytes.Buffer
	for _, p := range parts {
		if err := encodePart(&buf, p); err != nil {
			return "", err
		}
		if buf.Len() > maxPartBytes {
			return "", pdnerrors.New(pdnerrors.BadRequest, "key parts exceed %d bytes", maxPartBytes)
		}
	}
	sum := sha256.Sum256(buf.Bytes())
	return keyVersion + ":" + normalizeTenant(tenant) + ":" + scope + ":" + hex.EncodeToString(sum[:]), nil
}

func encodePart(buf *bytes.Buffer, p any) error {
	var tag byte
	var raw []byte
	switch v := p.(type) {
	case string:
		tag, raw = 's', []byte(v)
	case []byte:
		tag, raw = 'b', v
	case int:
		tag, raw = 'i', []byte(fmt.Sprintf("%d", v))
	case int64:
		tag, raw = 'i', []byte(fmt.Sprintf("%d", v))
	case uint64:
		tag, raw = 'u', []byte(fmt.Sprintf("%d", v))
	case bool:
		tag = 't'
		if v {
			raw = []byte{1}
		} else {
			raw = []byte{0}
		}
	default:
		// No maps or structs: their encodings are not ordering-stable, and
		// a key that changes between runs is worse than no key.
		return pdnerrors.New(pdnerrors.BadRequest, "unsupported key part type %T", p)
	}
	buf.WriteByte(tag)
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(raw)))
	buf.Write(n[:])
	buf.Write(raw)
	return nil
}

// ParseKey splits and validates a key produced by BuildKey.
func ParseKey(key string) (KeyParts, error) {
	segs := strings.Split(key, ":")
	if len(segs) != 4 || segs[0] != keyVersion {
		return KeyParts{}, pdnerrors.New(pdnerrors.BadRequest, "malformed idempotency key")
	}
	out := KeyParts{Version: segs[0], Tenant: segs[1], Scope: segs[2], Hash: segs[3]}
	if out.Tenant == "" || len(out.Tenant) > maxTenantLen {
		return KeyParts{}, pdnerrors.New(pdnerrors.BadRequest, "malformed idempotency key tenant")
	}
	if _, err := normalizeScope(out.Scope); err != nil {
		return KeyParts{}, err
	}
	if len(out.Hash) != sha256.Size*2 || !isLowerHex(out.Hash) {
		return KeyParts{}, pdnerrors.New(pdnerrors.BadRequest, "malformed idempotency key hash")
	}
	return out, nil
}

// ValidateKey reports whether key parses.
func ValidateKey(key string) error {
	_, err := ParseKey(key)
	return err
}

// normalizeTenant lowercases and strips everything outside [a-z0-9_-], so
// "did:ex:Alice" and "DID:EX:alice" land in the same bucket. Callers
// that must distinguish exact tenants include the raw value as a part.
func normalizeTenant(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	var b strings.Builder
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
		if b.Len() == maxTenantLen {
			break
		}
	}
	if b.Len() == 0 {
		return "local"
	}
	return b.String()
}

func normalizeScope(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || len(s) > maxScopeLen {
		return "", pdnerrors.New(pdnerrors.BadRequest, "idempotency scope %q out of bounds", s)
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return "", pdnerrors.New(pdnerrors.BadRequest, "idempotency scope %q has invalid characters", s)
	}
	return s, nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			continue
		}
		return false
	}
	return true
}
