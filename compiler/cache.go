package compiler

import (
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/protocol"
)

// CacheKey identifies a record-info cache slot: a server endpoint (by
// destination DID), whether it was reached via a comms/DM channel rather
// than the tenant's own store, and the record path in question.
type CacheKey struct {
	DID     string
	IsComms bool
	Path    string
}

// CacheEntry is what ReadPrivate memoizes so ReadInfo-style lookups for the
// same path don't refetch.
type CacheEntry struct {
	Protocol protocol.Protocol
	Perms    key.PermissionSet
}

// Cache is the run-scoped record-info cache, owned mutable for one run
// only.
type Cache struct {
	entries map[CacheKey]CacheEntry
}

// NewCache returns an empty run-scoped Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[CacheKey]CacheEntry)}
}

// Get returns the cached (protocol, perms) for key, if present.
func (c *Cache) Get(k CacheKey) (CacheEntry, bool) {
	e, ok := c.entries[k]
	return e, ok
}

// Put memoizes entry for key.
func (c *Cache) Put(k CacheKey, entry CacheEntry) {
	c.entries[k] = entry
}
