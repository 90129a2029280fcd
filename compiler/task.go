package compiler

import (
	"context"

	"github.com/veilmesh/pdn/external"
)

// Header carries the scheduling metadata every pool entry is keyed by.
// OriginalRequestUUID identifies which top-level submission this task
// descends from (so the compiler can drain one original's subtree before
// another's); Order is the write priority of the task's mutable requests,
// the submission ordinal unless a command overrides it: the higher Order
// wins a mutable-write collision.
type Header struct {
	OriginalRequestUUID string
	Order               int
}

// Command is the interface every command-library verb implements: a pure
// state-machine step over its own phase, advanced once per ready-pool pop.
// A Command that needs to wait on sub-tasks returns them in Tasks.Waiting
// together with a Next callback that resumes the state machine; nothing
// about Command itself is resumable across calls, so phases after the
// first are expressed as closures rather than further Command values.
type Command interface {
	Process(uuid string, header Header, ctx *Ctx) (Tasks, error)
}

// Ctx is handed to every Command.Process and WaitingItem.Next call. NewUUID
// mints the identifiers a command must assign to any child task it spawns
// (fresh ready commands, outbound requests, or its own continued wait) so
// that dependency references inside the same Tasks value are consistent.
// Context is the Compile call's context, for commands that resolve
// identities inline (the only suspension point besides dispatch).
type Ctx struct {
	Mem     *Memory
	Cache   *Cache
	NewUUID func() string
	Context context.Context
}

// ReadyItem schedules a freshly spawned child Command for processing.
type ReadyItem struct {
	UUID    string
	Header  Header
	Command Command
}

// WaitingItem suspends uuid until every entry in DepUUIDs has completed.
// Next resumes the state machine with the gathered dependency responses.
// A command may reuse its own current uuid here to represent "I'm still
// not done", or mint a fresh one to track an independent child wait.
type WaitingItem struct {
	UUID     string
	Header   Header
	DepUUIDs []string
	Next     func(ctx *Ctx, responses map[string]Response) (Tasks, error)
}

// RequestItem queues a non-mutable outbound request (reads, scans). The
// compiler deduplicates identical (DID, Request) pairs across the pool.
type RequestItem struct {
	UUID    string
	Header  Header
	DID     string
	Request external.DwnRequest
}

// MutableRequestItem queues a write. TargetKey identifies the (endpoint,
// target-record) pair the compiler collapses collisions over: at most one
// mutable request per TargetKey survives a single compile run, the one
// with the highest Header.Order (ties go to whichever was enqueued first).
type MutableRequestItem struct {
	UUID      string
	Header    Header
	DID       string
	Request   external.DwnRequest
	TargetKey string
}

// Tasks is everything a single Process/Next invocation produces: any
// combination of newly spawned ready commands, waits, outbound requests,
// and — if the invocation's own uuid is finished — its Response.
type Tasks struct {
	Ready           []ReadyItem
	Waiting         []WaitingItem
	Requests        []RequestItem
	MutableRequests []MutableRequestItem
	Complete        *Response
}

// Merge appends other's entries onto t, for commands assembling several
// sub-results (e.g. Scan combining pointer follow-ups with its next
// round) before
// returning.
func (t Tasks) Merge(other Tasks) Tasks {
	t.Ready = append(t.Ready, other.Ready...)
	t.Waiting = append(t.Waiting, other.Waiting...)
	t.Requests = append(t.Requests, other.Requests...)
	t.MutableRequests = append(t.MutableRequests, other.MutableRequests...)
	if other.Complete != nil {
		t.Complete = other.Complete
	}
	return t
}

// Complete builds a Tasks value that immediately finishes the current uuid
// with resp.
func Complete(resp Response) Tasks {
	return Tasks{Complete: &resp}
}
