package compiler

import (
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/protocol"
)

// Memory is the run-scoped command memory: read-mostly collaborators plus
// the one piece of mutable state a run's commands share, the per-path
// create-index memo that serializes concurrent create-child operations
// under the same parent. It is owned exclusively by a single Run for the
// run's lifetime; nothing about it is shared across runs.
type Memory struct {
	Protocols  *protocol.Registry
	Resolver   external.IdentityResolver
	SigningKey *key.Key
	RootKey    key.PathedKey

	// ComKey is the agent's communication secret key, used to open DMs
	// addressed to it and to sign ReadDM since-markers.
	ComKey *key.Key

	// Local is the agent's own KV partition for client-side state that never
	// leaves the device (the DM last-seen watermark).
	Local external.KVStore

	// Tenant is this agent's own DID, used as the destination for requests
	// addressed to its own node.
	Tenant string

	createIndex map[string]uint64
}

// NewMemory builds run-scoped CompilerMemory.
func NewMemory(protocols *protocol.Registry, resolver external.IdentityResolver, signingKey *key.Key, rootKey key.PathedKey, tenant string) *Memory {
	return &Memory{
		Protocols:   protocols,
		Resolver:    resolver,
		SigningKey:  signingKey,
		RootKey:     rootKey,
		Tenant:      tenant,
		createIndex: make(map[string]uint64),
	}
}

// PeekCreateIndex reports the memoized next index for pathKey without
// advancing it, so NextIndex can skip a server scan entirely when an
// earlier create in the same run already established the frontier.
func (m *Memory) PeekCreateIndex(pathKey string) (uint64, bool) {
	cur, ok := m.createIndex[pathKey]
	return cur, ok
}

// NextCreateIndex hands out the next unused channel index for pathKey (a
// caller-chosen stable string; the commands use the node DID plus the
// channel path): the larger of the memoized value and scanned, storing
// that value plus one for the next call. This is what lets several
// CreatePrivate commands against the same parent in one run hand out
// distinct indices without re-scanning the server between them.
func (m *Memory) NextCreateIndex(pathKey string, scanned uint64) uint64 {
	if cur, ok := m.createIndex[pathKey]; ok && cur > scanned {
		scanned = cur
	}
	m.createIndex[pathKey] = scanned + 1
	return scanned
}
