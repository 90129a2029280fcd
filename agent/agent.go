// Package agent is the identity wrapper and façade over the command
// compiler: it holds the agent's root keys, owns the protocol registry and
// collaborator wiring, and turns high-level verbs into compiler runs.
package agent

import (
	"context"
	"time"

	guuid "github.com/google/uuid"
	"github.com/veilmesh/pdn/commands"
	"github.com/veilmesh/pdn/compiler"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/telemetry"
	"github.com/veilmesh/pdn/protocol"
	"github.com/veilmesh/pdn/transport"
)

// Config assembles an agent from its seed and collaborators. Everything
// but the seed and tenant is optional; omitted collaborators disable the
// features that need them (no resolver means no cross-node traffic).
type Config struct {
	Tenant        string
	AgentSeed     [32]byte
	UserProtocols []protocol.Protocol
	Resolver      external.IdentityResolver
	Wire          external.WireTransport
	Local         external.KVStore
	Logger        *telemetry.Logger
	Meter         telemetry.Meter
}

// Agent holds the three root keys (signing, communication, record tree)
// and the run-independent state every compile shares.
type Agent struct {
	Tenant string

	registry *protocol.Registry
	resolver external.IdentityResolver
	facade   *transport.Facade
	local    external.KVStore
	log      *telemetry.Logger
	meter    telemetry.Meter

	signing *key.Key
	com     *key.Key
	root    key.PathedKey
}

// New derives the agent's working keys from its seed and wires the façade.
func New(cfg Config) (*Agent, error) {
	if cfg.Tenant == "" {
		return nil, pdnerrors.New(pdnerrors.BadRequest, "agent requires a tenant DID")
	}
	base := key.FromSeed(cfg.AgentSeed)
	signing, err := base.DeriveFromBytes([]byte("pdn/agent/signing"))
	if err != nil {
		return nil, err
	}
	com, err := base.DeriveFromBytes([]byte("pdn/agent/comms"))
	if err != nil {
		return nil, err
	}
	recordRoot, err := base.DeriveFromBytes([]byte("pdn/agent/records"))
	if err != nil {
		return nil, err
	}

	registry := protocol.NewRegistry()
	for _, p := range cfg.UserProtocols {
		registry.Register(p)
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NewDefaultLogger(nil, "agent")
	}
	var meter telemetry.Meter = telemetry.NopMeter{}
	if cfg.Meter != nil {
		meter = cfg.Meter
	}

	return &Agent{
		Tenant:   cfg.Tenant,
		registry: registry,
		resolver: cfg.Resolver,
		facade:   transport.NewFacade(cfg.Resolver, cfg.Wire),
		local:    cfg.Local,
		log:      log,
		meter:    meter,
		signing:  signing,
		com:      com,
		root:     key.NewRootPathedKey(recordRoot),
	}, nil
}

// SigningPublic returns the agent's DID-facing signing key.
func (a *Agent) SigningPublic() *key.Key { return a.signing.Public() }

// ComsPublic returns the agent's communication key, the one DMs and wire
// packets are sealed to.
func (a *Agent) ComsPublic() *key.Key { return a.com.Public() }

// ComSecret hands the communication secret to the node server when the
// agent is its own server (single-process deployments).
func (a *Agent) ComSecret() *key.Key { return a.com }

// AgentKey returns the secret key this agent holds for path — the key a
// peer's share is encrypted to once Init has published its public half.
func (a *Agent) AgentKey(path key.Path) (*key.Key, error) {
	pk, err := key.DerivePath(a.root, path)
	if err != nil {
		return nil, err
	}
	return pk.Secret, nil
}

// Registry exposes the protocol registry (system plus user protocols).
func (a *Agent) Registry() *protocol.Registry { return a.registry }

// NewRun builds a fresh compiler run: its own Memory and Cache, nothing
// shared with any other run.
func (a *Agent) NewRun() *compiler.Run {
	mem := compiler.NewMemory(a.registry, a.resolver, a.signing, a.root, a.Tenant)
	mem.ComKey = a.com
	if a.local != nil {
		mem.Local = a.local.Partition("agent")
	}
	return compiler.NewRun(mem, compiler.NewCache(), a.facade)
}

// Execute submits cmds to one compiler run and returns their responses in
// submission order.
func (a *Agent) Execute(ctx context.Context, cmds ...compiler.Command) ([]compiler.Response, error) {
	run := a.NewRun()
	for _, cmd := range cmds {
		if v, ok := cmd.(commands.Verbed); ok {
			_ = telemetry.IncCounter(a.meter, ctx, "agent_commands_total", 1, telemetry.Labels{"verb": v.Verb()})
		}
		run.Submit(cmd)
	}
	started := time.Now()
	resps, err := run.Compile(ctx)
	if err != nil {
		a.log.Error(ctx, "compile failed", map[string]any{"error": err.Error()})
		return nil, err
	}
	a.log.Debug(ctx, "compile finished", map[string]any{
		"commands":    len(cmds),
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return resps, nil
}

// executeOne is the shape every convenience verb shares.
func (a *Agent) executeOne(ctx context.Context, cmd compiler.Command) (compiler.Response, error) {
	resps, err := a.Execute(ctx, cmd)
	if err != nil {
		return compiler.Response{}, err
	}
	resp := resps[0]
	if resp.IsError() {
		return resp, resp.AsError()
	}
	return resp, nil
}

// CreatePrivate writes a private record on the agent's own node.
func (a *Agent) CreatePrivate(ctx context.Context, path key.Path, protocolID guuid.UUID, payload []byte) (compiler.Response, error) {
	return a.executeOne(ctx, commands.CreatePrivate{Path: path, ProtocolID: protocolID, Payload: payload})
}

// ReadPrivate fetches and decodes the record at path.
func (a *Agent) ReadPrivate(ctx context.Context, path key.Path) (compiler.Response, error) {
	return a.executeOne(ctx, commands.ReadPrivate{Path: path})
}

// UpdatePrivate replaces the record at path, creating it if absent.
func (a *Agent) UpdatePrivate(ctx context.Context, path key.Path, protocolID guuid.UUID, payload []byte) (compiler.Response, error) {
	return a.executeOne(ctx, commands.UpdatePrivate{Path: path, ProtocolID: protocolID, Payload: payload})
}

// Scan walks path's channel from start.
func (a *Agent) Scan(ctx context.Context, path key.Path, start uint64) (compiler.Response, error) {
	return a.executeOne(ctx, commands.Scan{Path: path, Start: start})
}

// Share grants recipient the selected capabilities over path.
func (a *Agent) Share(ctx context.Context, path key.Path, options key.PermissionOptions, recipient string) (compiler.Response, error) {
	return a.executeOne(ctx, commands.Share{Path: path, Options: options, Recipient: recipient})
}

// Init publishes the agent's derived public keys for paths.
func (a *Agent) Init(ctx context.Context, paths ...key.Path) (compiler.Response, error) {
	return a.executeOne(ctx, commands.Init{Paths: paths})
}

// ReadDM drains the agent's DM inbox past the stored watermark.
func (a *Agent) ReadDM(ctx context.Context) (compiler.Response, error) {
	return a.executeOne(ctx, commands.ReadDM{})
}

// Health reports the agent's collaborator wiring as a health snapshot.
func (a *Agent) Health(now time.Time) (telemetry.HealthSnapshot, error) {
	status := func(ok bool) telemetry.Status {
		if ok {
			return telemetry.StatusOK
		}
		return telemetry.StatusDegraded
	}
	comps := []telemetry.ComponentStatus{
		{Name: "resolver", Status: status(a.resolver != nil), CheckedAt: now},
		{Name: "transport", Status: status(a.facade != nil), CheckedAt: now},
		{Name: "local_store", Status: status(a.local != nil), CheckedAt: now},
	}
	return telemetry.NewHealthSnapshot("pdn-agent", "", a.Tenant, comps, now)
}
