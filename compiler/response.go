// Package compiler implements the command compiler: a dependency-graph
// engine that decomposes a submitted command into a DAG of sub-tasks,
// drives four task pools (ready, waiting, requests/mutable requests,
// completed) to a fixpoint, deduplicates identical outbound requests, and
// resolves colliding mutable writes by priority.
package compiler

import (
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/record"
)

// ResponseKind tags the variant carried by a Response. A single tagged
// struct stands in for boxed heterogeneous task results, so command state
// machines can encode which variant they expect without downcasts.
type ResponseKind int

const (
	RespUnit ResponseKind = iota
	RespPrivateRecord
	RespPrivateRecords
	RespExists
	RespIndex
	RespDwnResponses
	RespError
	RespErrorMulti
	RespRaw
)

// Response is the single tagged union every task pool slot completes with.
// Command state machines encode which variant they expect back from their
// dependencies.
type Response struct {
	Kind ResponseKind

	PrivateRecord  *record.Private
	PrivateRecords []record.Private
	Exists         bool
	Index          uint64
	DwnResponses   []external.DwnResponse
	Error          error
	ErrorMulti     []error
	Raw            []byte

	// Perms carries a permission set (the protocol is not included), when
	// Kind is not itself an error. It rides alongside whichever Kind the
	// response actually is
	// (e.g. RespPrivateRecord also carries the permission set it was
	// decoded with, for callers that need the key material and not just
	// the payload).
	Perms *key.PermissionSet
}

// Unit is the empty success response, used for confirmations that carry no
// payload (index updates, priority-losing mutable writes, etc).
func Unit() Response { return Response{Kind: RespUnit} }

// PrivateRecordResponse wraps a decoded private record plus the permission
// set it was read under.
func PrivateRecordResponse(rec record.Private, ps key.PermissionSet) Response {
	r := rec
	return Response{Kind: RespPrivateRecord, PrivateRecord: &r, Perms: &ps}
}

// NoPrivateRecordResponse is the successful "record absent" read result
// (ReadPrivate(None) on the wire).
func NoPrivateRecordResponse() Response { return Response{Kind: RespPrivateRecord} }

// PrivateRecordsResponse carries the ordered result of a channel scan.
func PrivateRecordsResponse(recs []record.Private) Response {
	return Response{Kind: RespPrivateRecords, PrivateRecords: recs}
}

// PermsResponse is a unit success that also carries a permission set, used
// by commands whose useful output is key material (EstablishChannel).
func PermsResponse(ps key.PermissionSet) Response {
	return Response{Kind: RespUnit, Perms: &ps}
}

// ExistsResponse reports whether a lookup found something, without
// returning its body.
func ExistsResponse(exists bool) Response { return Response{Kind: RespExists, Exists: exists} }

// IndexResponse carries a channel's next-unused index.
func IndexResponse(i uint64) Response { return Response{Kind: RespIndex, Index: i} }

// DwnResponsesResponse wraps one or more raw server responses: the
// compiler's result for every dispatched request, and the completion of
// commands that forward those replies more or less directly (ReadDM,
// CreatePrivate's empty or conflict outcome).
func DwnResponsesResponse(resps ...external.DwnResponse) Response {
	return Response{Kind: RespDwnResponses, DwnResponses: resps}
}

// RawResponse carries an opaque byte payload (e.g. a decoded pointer
// target) for commands that don't need a richer shape.
func RawResponse(b []byte) Response { return Response{Kind: RespRaw, Raw: b} }

// ErrorResponse wraps a single failure.
func ErrorResponse(err error) Response { return Response{Kind: RespError, Error: err} }

// ErrorMultiResponse aggregates the failures of several sibling
// dependencies; a waiting task whose deps include any error completes
// this way instead of invoking its callback.
func ErrorMultiResponse(errs ...error) Response {
	nonNil := make([]error, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	if len(nonNil) == 1 {
		return ErrorResponse(nonNil[0])
	}
	return Response{Kind: RespErrorMulti, ErrorMulti: nonNil}
}

// IsError reports whether r represents a failure (single or aggregated).
func (r Response) IsError() bool { return r.Kind == RespError || r.Kind == RespErrorMulti }

// AsError renders r's failure as a single error value, for callers that
// just want to propagate it.
func (r Response) AsError() error {
	switch r.Kind {
	case RespError:
		return r.Error
	case RespErrorMulti:
		errs := make([]error, len(r.ErrorMulti))
		copy(errs, r.ErrorMulti)
		return &multiError{errs: errs}
	default:
		return nil
	}
}

type multiError struct{ errs []error }

func (m *multiError) Error() string {
	s := "compiler: multiple sub-tasks failed:"
	for _, e := range m.errs {
		s += " " + e.Error()
	}
	return s
}
