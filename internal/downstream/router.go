package downstream

import (
	"log"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
)

// Response is what a router delivers to a waiter: either a decoded result or
// a JSON-RPC error, synthetic or real (spec §4.3).
type Response struct {
	Result interface{}
	Err    *jsonrpc2.Error
}

// Router is the per-connection response router (C2): a concurrent map from
// downstream request ID to the waiter's channel, plus a secondary
// upstream-ID→downstream-ID index used for cancel forwarding (§4.6).
type Router struct {
	mu               sync.Mutex
	pending          map[jsonrpc2.ID]chan Response
	cancelByUpstream map[jsonrpc2.ID]jsonrpc2.ID
	upstreamByDown   map[jsonrpc2.ID]jsonrpc2.ID
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		pending:          make(map[jsonrpc2.ID]chan Response),
		cancelByUpstream: make(map[jsonrpc2.ID]jsonrpc2.ID),
		upstreamByDown:   make(map[jsonrpc2.ID]jsonrpc2.ID),
	}
}

// duplicateIDError reports the defensive "DuplicateId" condition of §4.2:
// downstream IDs are allocated monotonically by the connection handle, so
// seeing one twice is a bug, not a race.
type duplicateIDError struct{ id jsonrpc2.ID }

func (e *duplicateIDError) Error() string {
	return "downstream: duplicate request id " + e.id.String()
}

// Register installs a waiter for downstreamID and, if upstreamID is
// non-nil, records the upstream→downstream mapping used by cancel
// forwarding. Returns an error only on the defensive duplicate-ID case.
func (r *Router) Register(downstreamID jsonrpc2.ID, upstreamID *jsonrpc2.ID) (<-chan Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[downstreamID]; exists {
		return nil, &duplicateIDError{id: downstreamID}
	}

	ch := make(chan Response, 1)
	r.pending[downstreamID] = ch
	if upstreamID != nil {
		r.cancelByUpstream[*upstreamID] = downstreamID
		r.upstreamByDown[downstreamID] = *upstreamID
	}
	return ch, nil
}

// Deliver routes a downstream response to its waiter. If no waiter is
// registered (already timed out, or a bug downstream), it is logged and
// discarded, never sent anywhere.
func (r *Router) Deliver(downstreamID jsonrpc2.ID, resp Response) {
	r.mu.Lock()
	ch, ok := r.pending[downstreamID]
	if ok {
		delete(r.pending, downstreamID)
		r.forgetCancelLocked(downstreamID)
	}
	r.mu.Unlock()

	if !ok {
		log.Printf("downstream: response for unknown request id %v dropped", downstreamID)
		return
	}
	ch <- resp
}

// Remove drops a pending entry without delivering anything, used on
// request-timeout (§4.2 wait_for_response).
func (r *Router) Remove(downstreamID jsonrpc2.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, downstreamID)
	r.forgetCancelLocked(downstreamID)
}

// FailRequest delivers a synthetic JSON-RPC error to downstreamID's waiter,
// used by the writer on write errors (§4.5) and when a hard cancel drains
// its queue. Liveness failures go through FailAll instead.
func (r *Router) FailRequest(downstreamID jsonrpc2.ID, reason string) {
	r.Deliver(downstreamID, Response{Err: &jsonrpc2.Error{Code: jsonRPCInternalError, Message: reason}})
}

// FailAll atomically drains every pending entry and fails each one with
// reason, used on reader death and liveness timeout (§4.4, §4.3). It never
// leaves a waiter dangling (invariant 1, §8).
func (r *Router) FailAll(reason string) {
	r.mu.Lock()
	snapshot := r.pending
	r.pending = make(map[jsonrpc2.ID]chan Response)
	r.cancelByUpstream = make(map[jsonrpc2.ID]jsonrpc2.ID)
	r.upstreamByDown = make(map[jsonrpc2.ID]jsonrpc2.ID)
	r.mu.Unlock()

	for _, ch := range snapshot {
		ch <- Response{Err: &jsonrpc2.Error{Code: jsonRPCInternalError, Message: reason}}
	}
}

// LookupDownstream resolves an upstream $/cancelRequest ID to the
// downstream ID it should be forwarded as (§4.6).
func (r *Router) LookupDownstream(upstreamID jsonrpc2.ID) (jsonrpc2.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.cancelByUpstream[upstreamID]
	return id, ok
}

func (r *Router) forgetCancelLocked(downstreamID jsonrpc2.ID) {
	if up, ok := r.upstreamByDown[downstreamID]; ok {
		delete(r.upstreamByDown, downstreamID)
		delete(r.cancelByUpstream, up)
	}
}

// PendingCount returns the number of in-flight requests registered on this
// router. The reader task's liveness timer is driven by Connection's own
// pending counter, not by this count.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

const jsonRPCInternalError = -32603
