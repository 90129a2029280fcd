// Package envelope provides the deterministic normalization and hashing
// contract the compiler's task pools fingerprint requests with. A value is
// only ever compared by its StableHash, never by pointer identity or
// arrival order; StableHash runs NormalizeEnvelope on its input itself.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	MaxHeaderPairs  = 64
	MaxHeaderKeyLen = 64
	MaxHeaderValLen = 256

	DefaultMaxPayloadBytes = 4 * 1024 * 1024 // 4 MiB
)

var (
	ErrOversize = errors.New("envelope: oversize")
	ErrInvalid  = errors.New("envelope: invalid")
)

// Lane groups envelopes by subject: a record path, a channel id, a task kind.
type Lane string

// ID is a stable identifier for the enveloped value, when the producer has one.
type ID string

// Envelope is the unit normalized and hashed across this module: a command's
// sub-task request, a protocol-validated payload, or a channel item.
type Envelope struct {
	Lane Lane `json:"lane,omitempty"`
	ID   ID   `json:"id,omitempty"`

	// Type is a producer-defined classification (e.g. "command.create_private",
	// "channel.item").
	Type string `json:"type"`

	// Subject is optional routing metadata: an agent DID, a record path.
	Subject string `json:"subject,omitempty"`

	ProducedAt time.Time `json:"produced_at,omitempty"`

	// DedupKey is an optional producer-supplied idempotency key.
	DedupKey string `json:"dedup_key,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`

	PayloadBytes int64  `json:"payload_bytes,omitempty"`
	Payload      []byte `json:"payload,omitempty"`
}

// Validate is a convenience method enforcing normalization + bounds.
func (env Envelope) Validate() error {
	_, err := NormalizeEnvelope(env)
	return err
}

// NormalizeEnvelope applies deterministic normalization and validates bounds.
// It does not mutate payload bytes content, only trims strings and
// normalizes header keys.
func NormalizeEnvelope(env Envelope) (Envelope, error) {
	env.Type = strings.TrimSpace(env.Type)
	env.Subject = strings.TrimSpace(env.Subject)
	env.DedupKey = strings.TrimSpace(env.DedupKey)

	if env.PayloadBytes < 0 {
		return Envelope{}, fmt.Errorf("%w: payload_bytes cannot be negative", ErrInvalid)
	}
	if env.PayloadBytes == 0 && len(env.Payload) > 0 {
		env.PayloadBytes = int64(len(env.Payload))
	}

	if env.Headers != nil {
		clean := make(map[string]string, len(env.Headers))
		keys := make([]string, 0, len(env.Headers))
		for k := range env.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			k2 := strings.ToLower(strings.TrimSpace(k))
			if k2 == "" || len(k2) > MaxHeaderKeyLen {
				continue
			}
			v := strings.TrimSpace(env.Headers[k])
			if len(v) > MaxHeaderValLen {
				v = v[:MaxHeaderValLen]
			}
			clean[k2] = v
			if len(clean) >= MaxHeaderPairs {
				break
			}
		}
		if len(clean) == 0 {
			env.Headers = nil
		} else {
			env.Headers = clean
		}
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrInvalid)
	}
	if len(env.Type) > 128 {
		return Envelope{}, fmt.Errorf("%w: type too long", ErrInvalid)
	}
	if env.DedupKey != "" && len(env.DedupKey) > 256 {
		return Envelope{}, fmt.Errorf("%w: dedup_key too long", ErrInvalid)
	}
	if env.PayloadBytes > int64(DefaultMaxPayloadBytes) {
		return Envelope{}, fmt.Errorf("%w: payload_bytes exceeds default max (%d)", ErrOversize, DefaultMaxPayloadBytes)
	}
	if len(env.Payload) > 0 && int64(len(env.Payload)) != env.PayloadBytes {
		return Envelope{}, fmt.Errorf("%w: payload_bytes mismatch (declared=%d actual=%d)", ErrInvalid, env.PayloadBytes, len(env.Payload))
	}

	return env, nil
}

// StableHash returns a deterministic sha256 over envelope metadata + payload
// bytes. The compiler uses this to dedup sub-task requests across pools;
// record encoding uses it to fingerprint a canonical record body.
func StableHash(env Envelope) (string, error) {
	n, err := NormalizeEnvelope(env)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	write(string(n.Lane))
	write(string(n.ID))
	write(n.Type)
	write(n.Subject)
	write(n.DedupKey)
	write(fmt.Sprintf("%d", n.PayloadBytes))

	if n.Headers != nil {
		keys := make([]string, 0, len(n.Headers))
		for k := range n.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			write("h:" + k)
			write(n.Headers[k])
		}
	}
	if len(n.Payload) > 0 {
		_, _ = h.Write(n.Payload)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
