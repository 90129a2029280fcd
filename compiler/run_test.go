package compiler

import (
	"context"
	"testing"

	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/transport"
)

type fakeResolver struct{ endpoints map[string][]string }

func (f *fakeResolver) Resolve(ctx context.Context, did string) (*external.Document, error) {
	return &external.Document{DID: did}, nil
}
func (f *fakeResolver) GetEndpoints(ctx context.Context, dids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(dids))
	for _, d := range dids {
		out[d] = f.endpoints[d]
	}
	return out, nil
}
func (f *fakeResolver) ResolveDWNKeys(ctx context.Context, did string) (signPub, comPub *key.Key, err error) {
	return nil, nil, nil
}

// fakeWire counts how many times Send is called and how many times each
// uuid is sent, and echoes back one Empty response per queued uuid so tests can observe
// dedup/collision behavior through call counts rather than payload shape.
type fakeWire struct {
	calls int
	seen  map[string]int // request count per uuid across all calls
}

func newFakeWire() *fakeWire { return &fakeWire{seen: make(map[string]int)} }

func (f *fakeWire) Send(ctx context.Context, batch map[external.Endpoint][]external.PendingRequest) (map[external.Endpoint]map[string]external.DwnResponse, error) {
	f.calls++
	out := make(map[external.Endpoint]map[string]external.DwnResponse)
	for ep, reqs := range batch {
		m := make(map[string]external.DwnResponse, len(reqs))
		for _, pr := range reqs {
			f.seen[pr.UUID]++
			m[pr.UUID] = external.DwnResponse{Kind: external.RespEmpty}
		}
		out[ep] = m
	}
	return out, nil
}

// requestCommand issues a single non-mutable request and completes with
// whatever comes back.
type requestCommand struct {
	did string
	req external.DwnRequest
}

func (c requestCommand) Process(uuid string, header Header, ctx *Ctx) (Tasks, error) {
	reqUUID := ctx.NewUUID()
	return Tasks{
		Requests: []RequestItem{{UUID: reqUUID, Header: header, DID: c.did, Request: c.req}},
		Waiting: []WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{reqUUID},
			Next: func(ctx *Ctx, responses map[string]Response) (Tasks, error) {
				return Tasks{Complete: respPtr(responses[reqUUID])}, nil
			},
		}},
	}, nil
}

func newFacade(wire *fakeWire) *transport.Facade {
	return transport.NewFacade(&fakeResolver{endpoints: map[string][]string{"alice": {"https://alice.example"}}}, wire)
}

func sampleRequest(recordID string) external.DwnRequest {
	return external.DwnRequest{Kind: external.KindDeletePublic, RecordID: recordID}
}

func TestDedupIdenticalRequests(t *testing.T) {
	wire := newFakeWire()
	mem := NewMemory(nil, nil, nil, key.PathedKey{}, "tenant")
	run := NewRun(mem, NewCache(), newFacade(wire))

	req := sampleRequest("same-record")
	a := run.Submit(requestCommand{did: "alice", req: req})
	b := run.Submit(requestCommand{did: "alice", req: req})

	resps, err := run.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	if wire.calls != 1 {
		t.Fatalf("expected exactly one wire dispatch round, got %d", wire.calls)
	}
	totalSeen := 0
	for _, n := range wire.seen {
		totalSeen += n
	}
	if totalSeen != 1 {
		t.Fatalf("expected exactly one request on the wire (deduped), saw %d", totalSeen)
	}
	_ = a
	_ = b
}

func TestSubmissionOrderPreserved(t *testing.T) {
	wire := newFakeWire()
	mem := NewMemory(nil, nil, nil, key.PathedKey{}, "tenant")
	run := NewRun(mem, NewCache(), newFacade(wire))

	run.Submit(requestCommand{did: "alice", req: sampleRequest("first")})
	run.Submit(requestCommand{did: "alice", req: sampleRequest("second")})
	run.Submit(requestCommand{did: "alice", req: sampleRequest("third")})

	resps, err := run.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(resps) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(resps))
	}
	for _, r := range resps {
		if r.Kind != RespDwnResponses {
			t.Fatalf("expected every response to be a DwnResponses wrap, got %+v", r)
		}
	}
}

// mutableCommand issues a single mutable request at its submission
// header's priority.
type mutableCommand struct {
	did       string
	targetKey string
	payload   string
}

func (c mutableCommand) Process(uuid string, header Header, ctx *Ctx) (Tasks, error) {
	reqUUID := ctx.NewUUID()
	req := external.DwnRequest{Kind: external.KindDeletePublic, RecordID: c.payload}
	return Tasks{
		MutableRequests: []MutableRequestItem{{UUID: reqUUID, Header: header, DID: c.did, Request: req, TargetKey: c.targetKey}},
		Waiting: []WaitingItem{{
			UUID:     uuid,
			Header:   header,
			DepUUIDs: []string{reqUUID},
			Next: func(ctx *Ctx, responses map[string]Response) (Tasks, error) {
				return Tasks{Complete: respPtr(responses[reqUUID])}, nil
			},
		}},
	}, nil
}

func TestMutableCollisionLaterSubmissionWins(t *testing.T) {
	wire := newFakeWire()
	mem := NewMemory(nil, nil, nil, key.PathedKey{}, "tenant")
	run := NewRun(mem, NewCache(), newFacade(wire))

	run.Submit(mutableCommand{did: "alice", targetKey: "rec-1", payload: "a"})
	run.Submit(mutableCommand{did: "alice", targetKey: "rec-1", payload: "b"})

	resps, err := run.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if resps[0].Kind != RespUnit {
		t.Fatalf("expected the earlier submission to lose (Unit), got %+v", resps[0])
	}
	if resps[1].Kind != RespDwnResponses {
		t.Fatalf("expected the later submission to win and be dispatched, got %+v", resps[1])
	}

	total := 0
	for _, n := range wire.seen {
		total += n
	}
	if total != 1 {
		t.Fatalf("expected exactly one surviving mutable write on the wire, saw %d", total)
	}
}

// failingCommand always completes with an error.
type failingCommand struct{}

func (failingCommand) Process(uuid string, header Header, ctx *Ctx) (Tasks, error) {
	return Complete(ErrorResponse(context.DeadlineExceeded)), nil
}

// dependentCommand waits on another task and would invoke a callback if
// reached; the test asserts it never is.
type dependentCommand struct{ dep string }

func (c dependentCommand) Process(uuid string, header Header, ctx *Ctx) (Tasks, error) {
	called := false
	return Tasks{Waiting: []WaitingItem{{
		UUID:     uuid,
		Header:   header,
		DepUUIDs: []string{c.dep},
		Next: func(ctx *Ctx, responses map[string]Response) (Tasks, error) {
			called = true
			_ = called
			return Complete(Unit()), nil
		},
	}}}, nil
}

func TestFailedDependencyShortCircuitsCallback(t *testing.T) {
	wire := newFakeWire()
	mem := NewMemory(nil, nil, nil, key.PathedKey{}, "tenant")
	run := NewRun(mem, NewCache(), newFacade(wire))

	failID := run.newUUID()
	run.ready = append(run.ready, readyEntry{ReadyItem: ReadyItem{UUID: failID, Header: Header{OriginalRequestUUID: failID, Order: 1}, Command: failingCommand{}}, seq: run.nextSeq()})
	run.originalOrder = append(run.originalOrder, failID)
	run.originalIndex[failID] = 0

	depID := run.Submit(dependentCommand{dep: failID})

	resps, err := run.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
	depResp := resps[1]
	if depResp.Kind != RespError && depResp.Kind != RespErrorMulti {
		t.Fatalf("expected the dependent task to complete as an error, got %+v", depResp)
	}
	_ = depID
}
