// Package cancelbridge implements C11: the upstream $/cancelRequest
// intercept. Downstream fan-out is internal/downstream.Pool.FanOutCancel;
// this package adds the other half, upstream subscription, and the single
// entry point (OnCancel) a server wires to the $/cancelRequest method.
package cancelbridge

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"
)

// ErrAlreadySubscribed is returned by Subscribe when upstreamID already
// has a subscriber — per §4.6, one subscriber per ID.
var ErrAlreadySubscribed = errors.New("cancelbridge: request already has a cancel subscriber")

// CancelReceiver is handed to a handler so it can race response-arrival
// against cancel-arrival with a biased select (§4.10 step 9).
type CancelReceiver <-chan struct{}

// DownstreamFanOut is the subset of *downstream.Pool this package needs,
// kept as an interface so tests can fake it without spinning up real
// connections.
type DownstreamFanOut interface {
	FanOutCancel(ctx context.Context, upstreamID jsonrpc2.ID)
}

// Registry is the upstream half of C11: a one-subscriber-per-ID map of
// pending requests to their cancel notification channel.
type Registry struct {
	mu   sync.Mutex
	subs map[jsonrpc2.ID]chan struct{}
}

// NewRegistry creates an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[jsonrpc2.ID]chan struct{})}
}

// Subscribe registers interest in upstreamID's cancellation. The returned
// receiver closes exactly once, when Notify(upstreamID) is called, or
// never if Unsubscribe is called first.
func (r *Registry) Subscribe(upstreamID jsonrpc2.ID) (CancelReceiver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.subs[upstreamID]; exists {
		return nil, ErrAlreadySubscribed
	}
	ch := make(chan struct{})
	r.subs[upstreamID] = ch
	return CancelReceiver(ch), nil
}

// Unsubscribe removes upstreamID's subscription without notifying it
// (the handler completed normally — §4.10 step 10).
func (r *Registry) Unsubscribe(upstreamID jsonrpc2.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, upstreamID)
}

// Notify closes upstreamID's cancel channel if it has a subscriber, and
// removes the subscription (the registry "cleans itself on notify").
func (r *Registry) Notify(upstreamID jsonrpc2.ID) {
	r.mu.Lock()
	ch, ok := r.subs[upstreamID]
	if ok {
		delete(r.subs, upstreamID)
	}
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Bridge is the full C11 middleware: on an upstream $/cancelRequest it
// both fans out to downstream (via the pool) and notifies any subscribed
// handler, per §4.6. Both halves are best-effort and independent — a
// missing downstream mapping never prevents notifying the subscriber and
// vice versa.
type Bridge struct {
	pool DownstreamFanOut
	reg  *Registry
}

// NewBridge wires pool (downstream fan-out) and a fresh upstream
// subscription registry.
func NewBridge(pool DownstreamFanOut) *Bridge {
	return &Bridge{pool: pool, reg: NewRegistry()}
}

// Subscribe exposes the registry to handlers (§4.10 step 9).
func (b *Bridge) Subscribe(upstreamID jsonrpc2.ID) (CancelReceiver, error) {
	return b.reg.Subscribe(upstreamID)
}

// Unsubscribe exposes the registry to handlers (§4.10 step 10).
func (b *Bridge) Unsubscribe(upstreamID jsonrpc2.ID) {
	b.reg.Unsubscribe(upstreamID)
}

// CancelParams is the $/cancelRequest payload shape (JSON-RPC 2.0 /
// LSP 3.17): an opaque request ID, numeric or string.
type CancelParams struct {
	ID jsonrpc2.ID `json:"id"`
}

// OnCancel is the method handler a server wires to "$/cancelRequest": it
// decodes the target ID and drives both halves of the bridge. Per §4.6
// this is fire-and-forget — it never returns an error to the caller,
// since $/cancelRequest is itself a notification with no response.
func (b *Bridge) OnCancel(ctx context.Context, params CancelParams) {
	b.reg.Notify(params.ID)
	b.pool.FanOutCancel(ctx, params.ID)
}
