package commands

import (
	"encoding/json"

	"github.com/veilmesh/pdn/compiler"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/pkg/idempotency"
)

// Verbed names a command for fingerprinting and metrics. Every verb in
// this package implements it.
type Verbed interface {
	Verb() string
}

func (ReadPrivate) Verb() string        { return "read_private" }
func (CreatePrivate) Verb() string      { return "create_private" }
func (CreatePrivateChild) Verb() string { return "create_private_child" }
func (NextIndex) Verb() string          { return "next_index" }
func (UpdatePrivate) Verb() string      { return "update_private" }
func (DeletePrivate) Verb() string      { return "delete_private" }
func (Scan) Verb() string               { return "scan" }
func (Share) Verb() string              { return "share" }
func (EstablishChannel) Verb() string   { return "establish_channel" }
func (CreateDM) Verb() string           { return "create_dm" }
func (ReadDM) Verb() string             { return "read_dm" }
func (Init) Verb() string               { return "init" }
func (Send) Verb() string               { return "send" }
func (CreatePublic) Verb() string       { return "create_public" }
func (ReadPublic) Verb() string         { return "read_public" }
func (UpdatePublic) Verb() string       { return "update_public" }
func (DeletePublic) Verb() string       { return "delete_public" }

// Fingerprint derives a command's identity key: verb plus the canonical
// JSON of its arguments. Two commands fingerprinting equal must behave
// identically, which is the whole contract the compiler's dedup relies on.
func Fingerprint(c compiler.Command) (string, error) {
	v, ok := c.(Verbed)
	if !ok {
		return "", pdnerrors.New(pdnerrors.BadRequest, "command does not name a verb")
	}
	args, err := json.Marshal(c)
	if err != nil {
		return "", pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	k, err := idempotency.BuildKey("local", "command", v.Verb(), string(args))
	if err != nil {
		return "", pdnerrors.Wrap(pdnerrors.Internal, err)
	}
	return k, nil
}

// WithDestination implementations let Send retarget a verb at a peer node.

func (c ReadPrivate) WithDestination(did string) compiler.Command {
	c.DID = did
	return c
}

func (c CreatePrivate) WithDestination(did string) compiler.Command {
	c.DID = did
	c.SkipParentLink = true // a mirrored record has no parent on the peer
	return c
}

func (c UpdatePrivate) WithDestination(did string) compiler.Command {
	c.DID = did
	return c
}

func (c DeletePrivate) WithDestination(did string) compiler.Command {
	c.DID = did
	return c
}

func (c Scan) WithDestination(did string) compiler.Command {
	c.DID = did
	return c
}

func (c CreatePublic) WithDestination(did string) compiler.Command {
	c.DID = did
	return c
}

func (c ReadPublic) WithDestination(did string) compiler.Command {
	c.DID = did
	return c
}

func (c DeletePublic) WithDestination(did string) compiler.Command {
	c.DID = did
	return c
}
