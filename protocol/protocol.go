// Package protocol implements the protocol registry: named record-type
// descriptors carrying a permission template, an optional JSON-schema for
// payload validation, and an optional channel spec restricting which child
// protocols may live under a record of this type.
package protocol

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/key"
	"github.com/xeipuuv/gojsonschema"
)

// ChannelSpec restricts which child protocols may be created under records
// of a protocol carrying one. A nil AllowedChildren means any child
// protocol is permitted; an empty (non-nil) slice means no children are
// permitted, matching the record's Channel permission slot being absent.
type ChannelSpec struct {
	AllowedChildren []uuid.UUID // nil = any, empty = none
}

// Protocol is a record-type descriptor.
type Protocol struct {
	Name      string
	Deletable bool
	Template  key.PermissionOptions
	Schema    string // JSON-schema text; empty means no payload validation
	Channel   *ChannelSpec
}

// namespace is the fixed UUID namespace protocol identifiers are derived
// under, so that two registries seeded with the same protocol definitions
// always agree on protocol IDs without any coordination.
var namespace = uuid.MustParse("8f3b6c1a-8d1e-4b7b-9f0f-3a2e9a9f8e21")

// ID returns the protocol's identifier: a UUIDv5 over the namespace and the
// protocol's canonical-JSON encoding, so it is stable across processes that
// define the same protocol and changes whenever the definition changes.
func (p Protocol) ID() uuid.UUID {
	return uuid.NewSHA1(namespace, canonicalProtocolJSON(p))
}

type canonicalChannelSpec struct {
	AllowedChildren []string `json:"allowed_children"`
	Any             bool     `json:"any"`
}

type canonicalProtocol struct {
	Name      string                `json:"name"`
	Deletable bool                  `json:"deletable"`
	Template  key.PermissionOptions `json:"template"`
	Schema    string                `json:"schema,omitempty"`
	Channel   *canonicalChannelSpec `json:"channel,omitempty"`
}

func canonicalProtocolJSON(p Protocol) []byte {
	cp := canonicalProtocol{
		Name:      p.Name,
		Deletable: p.Deletable,
		Template:  p.Template,
		Schema:    p.Schema,
	}
	if p.Channel != nil {
		cc := &canonicalChannelSpec{Any: p.Channel.AllowedChildren == nil}
		ids := make([]string, 0, len(p.Channel.AllowedChildren))
		for _, id := range p.Channel.AllowedChildren {
			ids = append(ids, id.String())
		}
		sort.Strings(ids)
		cc.AllowedChildren = ids
		cp.Channel = cc
	}
	b, err := json.Marshal(cp)
	if err != nil {
		// canonicalProtocol has no cyclic or unmarshalable fields.
		panic("protocol: canonical encoding failed: " + err.Error())
	}
	var out bytes.Buffer
	out.Write(b)
	return out.Bytes()
}

// Trim nulls out the slots p does not authorize: Delete when the protocol
// is not deletable, Channel when the protocol carries no ChannelSpec.
func Trim(p Protocol, ps key.PermissionSet) key.PermissionSet {
	out := ps
	if !p.Deletable {
		out.Delete = nil
	}
	if p.Channel == nil {
		out.Channel = nil
	}
	return out
}

// SubsetPermission trims ps to what p authorizes, then subsets by options
// (or by p.Template when options is nil).
func SubsetPermission(p Protocol, ps key.PermissionSet, options *key.PermissionOptions) (key.PermissionSet, error) {
	trimmed := Trim(p, ps)
	opts := p.Template
	if options != nil {
		opts = *options
	}
	return key.Subset(trimmed, opts)
}

// ValidateChild checks childProtocolID against parent's channel allow-list.
func ValidateChild(parent Protocol, childProtocolID uuid.UUID) error {
	if parent.Channel == nil {
		return pdnerrors.New(pdnerrors.Validation, "protocol %q has no channel; no children are permitted", parent.Name)
	}
	if parent.Channel.AllowedChildren == nil {
		return nil // any child protocol permitted
	}
	for _, id := range parent.Channel.AllowedChildren {
		if id == childProtocolID {
			return nil
		}
	}
	return pdnerrors.New(pdnerrors.Validation, "protocol %s is not an allowed child of %q", childProtocolID, parent.Name)
}

// ValidatePayload validates raw against p's JSON schema. An empty payload
// is valid iff p carries no schema.
func ValidatePayload(p Protocol, payload []byte) error {
	if p.Schema == "" {
		if len(payload) != 0 {
			return nil // no schema means no constraint on payload shape
		}
		return nil
	}
	if len(payload) == 0 {
		return pdnerrors.New(pdnerrors.Validation, "protocol %q requires a payload matching its schema", p.Name)
	}
	schemaLoader := gojsonschema.NewStringLoader(p.Schema)
	docLoader := gojsonschema.NewBytesLoader(payload)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return pdnerrors.Wrap(pdnerrors.Validation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return pdnerrors.New(pdnerrors.Validation, "payload failed schema validation: %v", msgs)
	}
	return nil
}

// ValidatePermission checks that ps is already trimmed for p (ps equals
// Trim(p, ps)) and that it subsets cleanly to p's template.
func ValidatePermission(p Protocol, ps key.PermissionSet) error {
	trimmed := Trim(p, ps)
	if err := key.Validate(trimmed, ps); err != nil {
		return pdnerrors.New(pdnerrors.Validation, "permission set is not trimmed for protocol %q: %v", p.Name, err)
	}
	if (trimmed.Delete == nil) != (ps.Delete == nil) {
		return pdnerrors.New(pdnerrors.Validation, "permission set carries a delete slot protocol %q does not authorize", p.Name)
	}
	if (trimmed.Channel == nil) != (ps.Channel == nil) {
		return pdnerrors.New(pdnerrors.Validation, "permission set carries a channel slot protocol %q does not authorize", p.Name)
	}
	if _, err := SubsetPermission(p, ps, nil); err != nil {
		return pdnerrors.Wrap(pdnerrors.Validation, err)
	}
	return nil
}
