// Package config loads the layered file configuration an agent or node
// process starts from. Layers merge deterministically, later layers
// winning:
//
//	<root>/<service>.json
//	<root>/env/<env>/<service>.json
//	<root>/tenants/<tenant>/<service>.json
//	environment variables (SERVICE_SECTION__KEY=value)
//
// Only operator-tunable state belongs here (log levels, protocol file
// paths, database DSNs); key material and collaborator wiring stay in
// code. Files are strict JSON objects — the agent's YAML protocol
// definitions are a separate, schema-checked surface.
package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
)

const (
	maxFileBytes = 2 << 20 // 2 MiB per layer
	maxEnvVars   = 256
)

// Options selects which layers Load assembles.
type Options struct {
	Service string // required; also the env-override prefix (upper-cased)
	Env     string // optional deployment environment (e.g. "dev", "prod")
	Tenant  string // optional tenant DID or short name

	// EnvPrefix overrides the default UPPER(service)+"_" prefix for
	// environment-variable overrides. "__" separates nested path segments:
	// AGENT_TELEMETRY__LEVEL=info sets {"telemetry":{"level":"info"}}.
	EnvPrefix string
}

// Loader resolves layers under one root directory.
type Loader struct {
	root string
	opts Options
}

// Document is one loaded layer, kept for provenance reporting.
type Document struct {
	Path   string         `json:"path"` // root-relative, slash-separated
	Tier   string         `json:"tier"` // base | env | tenant
	SHA256 string         `json:"sha256"`
	Data   map[string]any `json:"data"`
}

// Bundle is the merged configuration plus the layers it came from.
type Bundle struct {
	Service  string         `json:"service"`
	Env      string         `json:"env,omitempty"`
	Tenant   string         `json:"tenant,omitempty"`
	Docs     []Document     `json:"docs"`
	Merged   map[string]any `json:"merged"`
	LoadedAt time.Time      `json:"loaded_at"`
}

// NewLoader validates the root directory and service name.
func NewLoader(root string, opts Options) (*Loader, error) {
	if strings.TrimSpace(opts.Service) == "" {
		return nil, pdnerrors.New(pdnerrors.BadRequest, "config loader requires a service name")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	if !info.IsDir() {
		return nil, pdnerrors.New(pdnerrors.BadRequest, "config root %q is not a directory", root)
	}
	return &Loader{root: abs, opts: opts}, nil
}

// Load reads every present layer in tier order and merges them. A missing
// layer file is not an error; a malformed one is.
func (l *Loader) Load(ctx context.Context) (*Bundle, error) {
	bundle := &Bundle{
		Service:  l.opts.Service,
		Env:      l.opts.Env,
		Tenant:   l.opts.Tenant,
		Merged:   map[string]any{},
		LoadedAt: time.Now().UTC(),
	}

	for _, tier := range l.tiers() {
		if err := ctx.Err(); err != nil {
			return nil, pdnerrors.Wrap(pdnerrors.InternalTimeout, err)
		}
		doc, ok, err := l.readLayer(tier.rel, tier.name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		bundle.Docs = append(bundle.Docs, doc)
		bundle.Merged = Merge(bundle.Merged, doc.Data)
	}

	overrides, err := l.envOverrides()
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		bundle.Merged = Merge(bundle.Merged, overrides)
	}
	return bundle, nil
}

type tier struct {
	name string
	rel  string
}

func (l *Loader) tiers() []tier {
	file := l.opts.Service + ".json"
	out := []tier{{name: "base", rel: file}}
	if l.opts.Env != "" {
		out = append(out, tier{name: "env", rel: filepath.Join("env", l.opts.Env, file)})
	}
	if l.opts.Tenant != "" {
		out = append(out, tier{name: "tenant", rel: filepath.Join("tenants", safeTenantDir(l.opts.Tenant), file)})
	}
	return out
}

// safeTenantDir maps a tenant DID to a directory name: DIDs carry colons,
// filesystems disagree about them.
func safeTenantDir(tenant string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, tenant)
}

func (l *Loader) readLayer(rel, tierName string) (Document, bool, error) {
	abs := filepath.Join(l.root, rel)
	if !strings.HasPrefix(abs, l.root+string(filepath.Separator)) && abs != l.root {
		return Document{}, false, pdnerrors.New(pdnerrors.BadRequest, "layer path %q escapes the config root", rel)
	}
	raw, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, pdnerrors.Wrap(pdnerrors.BadRequest, err)
	}
	if len(raw) > maxFileBytes {
		return Document{}, false, pdnerrors.New(pdnerrors.BadRequest, "layer %q exceeds %d bytes", rel, maxFileBytes)
	}

	var data map[string]any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return Document{}, false, pdnerrors.New(pdnerrors.Validation, "layer %q is not a JSON object: %v", rel, err)
	}

	sum := sha256.Sum256(raw)
	return Document{
		Path:   filepath.ToSlash(rel),
		Tier:   tierName,
		SHA256: hex.EncodeToString(sum[:]),
		Data:   data,
	}, true, nil
}

// envOverrides turns SERVICE_A__B=value pairs into a nested override map.
// Values parse as JSON when possible and fall back to plain strings.
func (l *Loader) envOverrides() (map[string]any, error) {
	prefix := l.opts.EnvPrefix
	if prefix == "" {
		prefix = strings.ToUpper(l.opts.Service) + "_"
	}
	out := map[string]any{}
	seen := 0
	for _, kv := range os.Environ() {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 || !strings.HasPrefix(kv[:eq], prefix) {
			continue
		}
		seen++
		if seen > maxEnvVars {
			return nil, pdnerrors.New(pdnerrors.BadRequest, "more than %d %s* overrides", maxEnvVars, prefix)
		}
		path := strings.Split(strings.TrimPrefix(kv[:eq], prefix), "__")
		if err := setPath(out, path, parseEnvValue(kv[eq+1:])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseEnvValue(s string) any {
	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil {
		return v
	}
	return s
}

func setPath(root map[string]any, segs []string, val any) error {
	cur := root
	for i, seg := range segs {
		seg = strings.ToLower(strings.TrimSpace(seg))
		if seg == "" {
			return pdnerrors.New(pdnerrors.BadRequest, "empty override path segment")
		}
		if i == len(segs)-1 {
			cur[seg] = val
			return nil
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return nil
}
