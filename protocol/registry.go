package protocol

import (
	"sync"

	"github.com/google/uuid"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/key"
)

// Registry is a process-lifetime mapping from protocol ID to Protocol,
// seeded with the fixed system protocols and extended by agent
// configuration (user protocols).
type Registry struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]Protocol
	named map[string]uuid.UUID
}

// Well-known system protocol names.
const (
	Root          = "root"
	Pointer       = "pointer"
	PermPointer   = "perm_pointer"
	Usize         = "usize"
	AgentKeys     = "agent_keys"
	DMSChannel    = "dms_channel"
	ChannelItem   = "channel_item"
	SharedPointer = "shared_pointer"
)

// NewRegistry returns a Registry seeded with the system protocol set.
func NewRegistry() *Registry {
	r := &Registry{
		byID:  make(map[uuid.UUID]Protocol),
		named: make(map[string]uuid.UUID),
	}
	for _, p := range systemProtocols() {
		r.mustRegister(p)
	}
	return r
}

func systemProtocols() []Protocol {
	full := key.PermissionOptions{CanCreate: true, CanRead: true, CanDelete: true, CanCreateChild: true, CanReadChild: true}
	readOnly := key.PermissionOptions{CanRead: true}

	return []Protocol{
		{
			Name:      Root,
			Deletable: false,
			Template:  key.PermissionOptions{CanCreate: true, CanRead: true, CanCreateChild: true, CanReadChild: true},
			Channel:   &ChannelSpec{AllowedChildren: nil}, // any child under the tenant root
		},
		{
			// A pointer record's payload is itself a RecordPath; it has no
			// children and is not independently deletable.
			Name:      Pointer,
			Deletable: false,
			Template:  readOnly,
		},
		{
			// A perm-pointer record's payload is a serialized PermissionSet,
			// redirecting a reader to a different path without rewriting the
			// parent record.
			Name:      PermPointer,
			Deletable: true,
			Template:  full,
		},
		{
			// A usize record's payload is a monotonic counter, used as the
			// sibling index slot for channel scanning.
			Name:      Usize,
			Deletable: false,
			Template:  full,
		},
		{
			Name:      AgentKeys,
			Deletable: false,
			Template:  key.PermissionOptions{CanCreate: true, CanRead: true},
		},
		{
			// The DMS (direct-message-share) channel: a per-peer channel an
			// agent maintains to publish share events to a specific recipient.
			Name:      DMSChannel,
			Deletable: true,
			Template:  full,
			Channel:   &ChannelSpec{AllowedChildren: nil},
		},
		{
			// A single channel item; children of a DMS channel or any other
			// channel-bearing protocol's Channel slot.
			Name:      ChannelItem,
			Deletable: true,
			Template:  full,
		},
		{
			Name:      SharedPointer,
			Deletable: true,
			Template:  full,
		},
	}
}

// ProtocolFolder returns the parameterized "protocol_folder(id)" system
// protocol: a channel scoped to hold only records of the given child
// protocol id, used to keep an agent's per-protocol record trees separable
// under root.
func ProtocolFolder(childID uuid.UUID) Protocol {
	return Protocol{
		Name:      "protocol_folder",
		Deletable: false,
		Template:  key.PermissionOptions{CanCreate: true, CanRead: true, CanCreateChild: true, CanReadChild: true},
		Channel:   &ChannelSpec{AllowedChildren: []uuid.UUID{childID}},
	}
}

func (r *Registry) mustRegister(p Protocol) {
	id := p.ID()
	r.byID[id] = p
	if p.Name != "" {
		r.named[p.Name] = id
	}
}

// Register adds or replaces a user protocol in the registry, as happens
// when an agent is configured with additional application protocols.
func (r *Registry) Register(p Protocol) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	r.byID[id] = p
	return id
}

// Get looks up a protocol by ID.
func (r *Registry) Get(id uuid.UUID) (Protocol, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Protocol{}, pdnerrors.New(pdnerrors.NotFound, "protocol %s not registered", id)
	}
	return p, nil
}

// ByName looks up one of the fixed system protocols by its well-known name.
func (r *Registry) ByName(name string) (Protocol, uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.named[name]
	if !ok {
		return Protocol{}, uuid.Nil, pdnerrors.New(pdnerrors.NotFound, "no system protocol named %q", name)
	}
	return r.byID[id], id, nil
}
