package errors

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Code is a stable error code shared across every package in this module.
// Once published, codes should be treated as API-stable.
type Code string

// CodeMeta provides metadata useful for HTTP mapping, retry decisions, and documentation.
type CodeMeta struct {
	HTTPStatus  int    `json:"http_status"`
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"` // client|server|security|dependency
	Description string `json:"description"`
}

// ---- REQUEST SHAPE ----
const (
	BadRequest  Code = "bad_request"
	BadResponse Code = "bad_response"
	JsonRpc     Code = "json_rpc"
)

// ---- AUTHORIZATION ----
const (
	InvalidAuth            Code = "invalid_auth"
	InsufficientPermission Code = "insufficient_permission"
)

// ---- RESOURCE STATE ----
const (
	NotFound Code = "not_found"
	Conflict Code = "conflict"
)

// ---- VALIDATION ----
const (
	Validation Code = "validation"
)

// ---- AGGREGATE ----
const (
	Multi Code = "multi"
)

// ---- INTERNAL ----
const (
	Internal        Code = "internal"
	InternalTimeout Code = "internal.timeout"
	DependencyDown  Code = "dependency.down"
)

var registry = map[Code]CodeMeta{
	BadRequest:  {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "request malformed or missing a required field"},
	BadResponse: {HTTPStatus: 502, Retryable: true, Kind: "dependency", Description: "collaborator returned a response that failed validation"},
	JsonRpc:     {HTTPStatus: 502, Retryable: true, Kind: "dependency", Description: "wire transport reported a JSON-RPC level fault"},

	InvalidAuth:            {HTTPStatus: 401, Retryable: false, Kind: "security", Description: "signature, encryption, or capability proof did not verify"},
	InsufficientPermission: {HTTPStatus: 403, Retryable: false, Kind: "security", Description: "permission set lacks the capability a command requires"},

	NotFound: {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "record, protocol, or index slot does not exist"},
	Conflict: {HTTPStatus: 409, Retryable: true, Kind: "dependency", Description: "write collided with a concurrent mutation"},

	Validation: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "payload failed protocol schema validation"},

	Multi: {HTTPStatus: 207, Retryable: false, Kind: "client", Description: "more than one sub-task failed; see the wrapped errors"},

	Internal:        {HTTPStatus: 500, Retryable: true, Kind: "server", Description: "internal error"},
	InternalTimeout: {HTTPStatus: 504, Retryable: true, Kind: "server", Description: "internal timeout"},
	DependencyDown:  {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "external collaborator unavailable"},
}

// Meta returns metadata for a code.
func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// List returns all known codes sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns stable JSON of all codes + meta.
func ExportJSON() []byte {
	type row struct {
		Code Code     `json:"code"`
		Meta CodeMeta `json:"meta"`
	}
	codes := List()
	rows := make([]row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, row{Code: c, Meta: registry[c]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	var buf bytes.Buffer
	_, _ = buf.Write(b)
	return buf.Bytes()
}
