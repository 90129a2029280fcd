package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/veilmesh/pdn/external"
	"github.com/veilmesh/pdn/key"
	"github.com/veilmesh/pdn/pkg/envelope"
	pdnerrors "github.com/veilmesh/pdn/pkg/errors"
	"github.com/veilmesh/pdn/record"
	"github.com/veilmesh/pdn/transport"
)

type readyEntry struct {
	ReadyItem
	seq int
}

type waitingEntry struct {
	WaitingItem
	seq int
}

// Run is one execution of the compile loop: the four task pools plus the
// run-scoped Memory/Cache, for the lifetime of a single Compile call. Not
// safe for concurrent use; two simultaneous compiles are two independent
// Runs.
type Run struct {
	mem    *Memory
	cache  *Cache
	facade *transport.Facade

	ready           []readyEntry
	waiting         []waitingEntry
	requests        []RequestItem
	mutableRequests []MutableRequestItem
	completed       map[string]Response

	originalOrder []string
	originalIndex map[string]int
	orderCounter  int
	seqCounter    int

	runCtx context.Context
}

// NewRun starts a fresh run over mem/cache, dispatching through facade.
func NewRun(mem *Memory, cache *Cache, facade *transport.Facade) *Run {
	return &Run{
		mem:           mem,
		cache:         cache,
		facade:        facade,
		completed:     make(map[string]Response),
		originalIndex: make(map[string]int),
	}
}

func (r *Run) newUUID() string { return uuid.New().String() }

func (r *Run) nextSeq() int {
	r.seqCounter++
	return r.seqCounter
}

// Submit enqueues cmd as a new top-level original request and returns its
// uuid. Submitting A then B in one run guarantees A's ready-subtree drains
// before B's, so A's cache insertions and index advances are visible to B.
func (r *Run) Submit(cmd Command) string {
	id := r.newUUID()
	r.orderCounter++
	header := Header{OriginalRequestUUID: id, Order: r.orderCounter}
	r.originalIndex[id] = len(r.originalOrder)
	r.originalOrder = append(r.originalOrder, id)
	r.ready = append(r.ready, readyEntry{ReadyItem: ReadyItem{UUID: id, Header: header, Command: cmd}, seq: r.nextSeq()})
	return id
}

func (r *Run) ctx() *Ctx {
	c := r.runCtx
	if c == nil {
		c = context.Background()
	}
	return &Ctx{Mem: r.mem, Cache: r.cache, NewUUID: r.newUUID, Context: c}
}

// Compile drives the four pools to a fixpoint and returns one Response per
// originally-submitted command, in submission order.
func (r *Run) Compile(ctx context.Context) ([]Response, error) {
	r.runCtx = ctx
	for {
		moved := r.drainReady()

		if r.advanceWaiting() {
			moved = true
		}
		r.pruneCompleted()

		if len(r.ready) > 0 {
			continue
		}
		if len(r.requests) > 0 {
			if err := r.dispatchRequests(ctx); err != nil {
				return nil, err
			}
			moved = true
			continue
		}
		if len(r.mutableRequests) > 0 {
			if err := r.dispatchMutableRequests(ctx); err != nil {
				return nil, err
			}
			moved = true
			continue
		}
		if !moved {
			break
		}
	}

	out := make([]Response, len(r.originalOrder))
	for i, id := range r.originalOrder {
		resp, ok := r.completed[id]
		if !ok {
			resp = ErrorResponse(pdnerrors.New(pdnerrors.Internal, "original request %s never completed", id))
		}
		out[i] = resp
	}
	return out, nil
}

// drainReady processes every ready task, prioritizing whichever original's
// subtree was submitted earliest, until the pool is empty.
func (r *Run) drainReady() bool {
	moved := false
	for len(r.ready) > 0 {
		idx := r.pickReady()
		task := r.ready[idx]
		r.ready = append(r.ready[:idx], r.ready[idx+1:]...)

		tasks, err := task.Command.Process(task.UUID, task.Header, r.ctx())
		if err != nil {
			r.completed[task.UUID] = ErrorResponse(err)
		} else {
			r.merge(tasks, task.UUID)
		}
		moved = true
	}
	return moved
}

func (r *Run) pickReady() int {
	best := 0
	for i := 1; i < len(r.ready); i++ {
		if r.readyLess(r.ready[i], r.ready[best]) {
			best = i
		}
	}
	return best
}

func (r *Run) readyLess(a, b readyEntry) bool {
	ai, bi := r.originalIndex[a.Header.OriginalRequestUUID], r.originalIndex[b.Header.OriginalRequestUUID]
	if ai != bi {
		return ai < bi
	}
	return a.seq < b.seq
}

// advanceWaiting moves every waiting task whose dependencies have all
// completed back into motion, repeating until no more can advance in this
// pass. A dependency error short-circuits the callback: the task completes
// with the aggregated error instead.
func (r *Run) advanceWaiting() bool {
	movedAny := false
	progressed := true
	for progressed {
		progressed = false
		for i := 0; i < len(r.waiting); {
			w := r.waiting[i]
			if !r.allComplete(w.DepUUIDs) {
				i++
				continue
			}
			r.waiting = append(r.waiting[:i], r.waiting[i+1:]...)

			if errs := r.collectErrors(w.DepUUIDs); len(errs) > 0 {
				r.completed[w.UUID] = ErrorMultiResponse(errs...)
			} else {
				deps := r.gather(w.DepUUIDs)
				tasks, err := w.Next(r.ctx(), deps)
				if err != nil {
					r.completed[w.UUID] = ErrorResponse(err)
				} else {
					r.merge(tasks, w.UUID)
				}
			}
			progressed = true
			movedAny = true
		}
	}
	return movedAny
}

func (r *Run) allComplete(deps []string) bool {
	for _, d := range deps {
		if _, ok := r.completed[d]; !ok {
			return false
		}
	}
	return true
}

func (r *Run) collectErrors(deps []string) []error {
	var errs []error
	for _, d := range deps {
		if resp, ok := r.completed[d]; ok && resp.IsError() {
			errs = append(errs, resp.AsError())
		}
	}
	return errs
}

func (r *Run) gather(deps []string) map[string]Response {
	out := make(map[string]Response, len(deps))
	for _, d := range deps {
		out[d] = r.completed[d]
	}
	return out
}

// pruneCompleted drops completed responses no longer referenced by any
// waiting task or original request, keeping the pool bounded by live work.
func (r *Run) pruneCompleted() {
	referenced := make(map[string]struct{}, len(r.completed))
	for _, id := range r.originalOrder {
		referenced[id] = struct{}{}
	}
	for _, w := range r.waiting {
		for _, d := range w.DepUUIDs {
			referenced[d] = struct{}{}
		}
	}
	for id := range r.completed {
		if _, ok := referenced[id]; !ok {
			delete(r.completed, id)
		}
	}
}

// merge folds tasks produced by processing uuid into the run's pools.
func (r *Run) merge(tasks Tasks, uuid string) {
	for _, it := range tasks.Ready {
		r.ready = append(r.ready, readyEntry{ReadyItem: it, seq: r.nextSeq()})
	}
	for _, it := range tasks.Requests {
		r.addRequest(it)
	}
	for _, it := range tasks.MutableRequests {
		r.mutableRequests = append(r.mutableRequests, it)
	}
	for _, it := range tasks.Waiting {
		r.waiting = append(r.waiting, waitingEntry{WaitingItem: it, seq: r.nextSeq()})
	}
	if tasks.Complete != nil {
		r.completed[uuid] = *tasks.Complete
	}
}

// addRequest deduplicates it against every request already queued this
// run: an identical (DID, Request) pair becomes a wait on the earlier
// uuid's eventual response rather than a second dispatch.
func (r *Run) addRequest(it RequestItem) {
	fp, err := requestFingerprint(it.DID, it.Request)
	if err != nil {
		r.completed[it.UUID] = ErrorResponse(err)
		return
	}
	for _, existing := range r.requests {
		efp, err := requestFingerprint(existing.DID, existing.Request)
		if err == nil && efp == fp {
			other := existing.UUID
			r.waiting = append(r.waiting, waitingEntry{
				WaitingItem: WaitingItem{
					UUID:     it.UUID,
					Header:   it.Header,
					DepUUIDs: []string{other},
					Next: func(ctx *Ctx, responses map[string]Response) (Tasks, error) {
						return Tasks{Complete: respPtr(responses[other])}, nil
					},
				},
				seq: r.nextSeq(),
			})
			return
		}
	}
	r.requests = append(r.requests, it)
}

func respPtr(r Response) *Response { return &r }

// dispatchRequests sends every queued non-mutable request through the
// transport façade and completes each uuid with the result.
func (r *Run) dispatchRequests(ctx context.Context) error {
	batch := make([]transport.Request, 0, len(r.requests))
	for _, it := range r.requests {
		batch = append(batch, transport.Request{UUID: it.UUID, DID: it.DID, Request: it.Request})
	}
	results, err := r.facade.Dispatch(ctx, batch)
	if err != nil {
		return err
	}
	for _, it := range r.requests {
		r.completed[it.UUID] = responseFromResult(results[it.UUID])
	}
	r.requests = nil
	return nil
}

// dispatchMutableRequests collapses colliding writes per TargetKey,
// keeping only the highest-Order survivor (earliest-enqueued wins ties),
// dispatches the survivors, and completes every loser with Unit.
func (r *Run) dispatchMutableRequests(ctx context.Context) error {
	type scored struct {
		item MutableRequestItem
		idx  int
	}
	winners := make(map[string]scored)
	order := make([]string, 0)
	for i, it := range r.mutableRequests {
		cur, ok := winners[it.TargetKey]
		if !ok {
			winners[it.TargetKey] = scored{item: it, idx: i}
			order = append(order, it.TargetKey)
			continue
		}
		if it.Header.Order > cur.item.Header.Order {
			r.completed[cur.item.UUID] = Unit()
			winners[it.TargetKey] = scored{item: it, idx: i}
		} else {
			r.completed[it.UUID] = Unit()
		}
	}

	batch := make([]transport.Request, 0, len(winners))
	sort.Strings(order)
	for _, k := range order {
		w := winners[k]
		batch = append(batch, transport.Request{UUID: w.item.UUID, DID: w.item.DID, Request: w.item.Request})
	}
	results, err := r.facade.Dispatch(ctx, batch)
	if err != nil {
		return err
	}
	for _, k := range order {
		w := winners[k]
		r.completed[w.item.UUID] = responseFromResult(results[w.item.UUID])
	}
	r.mutableRequests = nil
	return nil
}

func responseFromResult(res transport.Result) Response {
	if res.Err != nil {
		return ErrorResponse(res.Err)
	}
	return DwnResponsesResponse(res.Response)
}

// requestFingerprint renders a (DID, DwnRequest) pair deterministically so
// identical outbound requests can be recognized and deduplicated.
func requestFingerprint(did string, req external.DwnRequest) (string, error) {
	var payload []byte
	var err error
	switch req.Kind {
	case external.KindCreatePrivate:
		payload, err = record.EnvelopeToBytes(req.Envelope)
	case external.KindUpdatePrivate:
		var inner []byte
		inner, err = record.EnvelopeToBytes(req.Envelope)
		if err == nil {
			payload = append(inner, req.OuterSignature...)
		}
	case external.KindReadPrivate, external.KindDeletePrivate:
		payload = append(keyBytes(req.DiscoverKey), req.Signature...)
	case external.KindCreatePublic, external.KindUpdatePublic:
		payload, err = record.PublicToBytes(req.PublicRecord)
	case external.KindReadPublic:
		payload, err = json.Marshal(struct {
			Filters map[string]any `json:"filters"`
			Sort    string         `json:"sort"`
		}{req.Filters, req.SortKey})
	case external.KindDeletePublic:
		payload = append([]byte(req.RecordID), req.Signature...)
	case external.KindCreateDM:
		payload, err = record.DMToBytes(req.DM)
	case external.KindReadDM:
		payload = append(keyBytes(req.ComKey), []byte(fmt.Sprintf("%d", req.SinceUnix))...)
		payload = append(payload, req.Signature...)
	default:
		return "", pdnerrors.New(pdnerrors.Internal, "unknown request kind %d", req.Kind)
	}
	if err != nil {
		return "", err
	}
	env := envelope.Envelope{Type: fmt.Sprintf("req.%d", req.Kind), Subject: did, Payload: payload}
	return envelope.StableHash(env)
}

func keyBytes(k *key.Key) []byte {
	if k == nil {
		return nil
	}
	return append(k.SigningPublicBytes(), k.EncryptionPublicBytes()...)
}
