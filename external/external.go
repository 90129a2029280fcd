// Package external defines the collaborator interfaces this module consumes
// but does not implement: DID-based identity resolution, the wire
// transport, and the key-value storage backend. It also defines the
// DwnRequest/DwnResponse tagged unions produced at the transport boundary.
package external

import (
	"context"
	"time"

	"github.com/veilmesh/pdn/key"
)

// Document is the minimal shape of a resolved DID document this module
// needs: a set of service endpoints and the DID's signing/communication
// public keys.
type Document struct {
	DID       string
	Endpoints []string
	SigningPub *key.Key
	CommsPub   *key.Key
}

// IdentityResolver resolves DIDs to documents and endpoints. A real
// implementation speaks to a DHT/registry; it is out of this module's
// scope, which only depends on this interface.
type IdentityResolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
	GetEndpoints(ctx context.Context, dids []string) (map[string][]string, error)
	ResolveDWNKeys(ctx context.Context, did string) (signPub, comPub *key.Key, err error)
}

// Endpoint identifies a destination node to dispatch requests to.
type Endpoint string

// WireTransport is the consumed transport collaborator: it accepts a batch
// of requests grouped by endpoint, keyed by the caller's correlation UUID,
// and returns the matching responses once available. It performs no
// retries; a failure is returned as the error of the whole call.
type WireTransport interface {
	Send(ctx context.Context, batch map[Endpoint][]PendingRequest) (map[Endpoint]map[string]DwnResponse, error)
}

// PendingRequest pairs a correlation UUID (as a string) with the request to
// dispatch to one endpoint. Recipient is the destination DID; wire
// transports that seal the bundle to the destination's communication key
// need it to build the boundary packet {recipient, payload}.
type PendingRequest struct {
	UUID      string
	Recipient string
	Request   DwnRequest
}

// KVStore is the consumed key-value storage collaborator. Partition
// scopes a logical namespace (e.g. "private", "public", "dm") without the
// caller needing to know the backend's physical layout.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Keys(ctx context.Context) ([]string, error)
	Values(ctx context.Context) ([][]byte, error)
	Partition(name string) KVStore
}

// CachingResolver decorates an IdentityResolver with a time-bounded cache.
// This cache is never read by the compiler core; it exists purely to
// reduce duplicate resolution round-trips across a single agent's
// lifetime.
type CachingResolver struct {
	Inner IdentityResolver
	TTL   time.Duration // default 15 minutes

	cache map[string]cacheEntry
}

type cacheEntry struct {
	doc       *Document
	expiresAt time.Time
}

// NewCachingResolver wraps inner with a 15-minute-default cache.
func NewCachingResolver(inner IdentityResolver) *CachingResolver {
	return &CachingResolver{Inner: inner, TTL: 15 * time.Minute, cache: make(map[string]cacheEntry)}
}

func (c *CachingResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	if e, ok := c.cache[did]; ok && time.Now().Before(e.expiresAt) {
		return e.doc, nil
	}
	doc, err := c.Inner.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if c.cache == nil {
		c.cache = make(map[string]cacheEntry)
	}
	c.cache[did] = cacheEntry{doc: doc, expiresAt: time.Now().Add(ttl)}
	return doc, nil
}

func (c *CachingResolver) GetEndpoints(ctx context.Context, dids []string) (map[string][]string, error) {
	return c.Inner.GetEndpoints(ctx, dids)
}

func (c *CachingResolver) ResolveDWNKeys(ctx context.Context, did string) (*key.Key, *key.Key, error) {
	return c.Inner.ResolveDWNKeys(ctx, did)
}
