package downstream

import (
	"context"
	"io"
	"log"

	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/atusy/kakehashi/internal/rpcframe"
)

// OutboundQueueCapacity bounds the writer's FIFO (§4.5); a full queue
// blocks the sending handler, which is the backpressure mechanism of §5.
const OutboundQueueCapacity = 256

// ErrWriterClosed is returned by Enqueue once the writer task has exited.
var ErrWriterClosed = errors.New("downstream: writer closed")

type outboundKind int

const (
	outboundNotification outboundKind = iota
	outboundRequest
	outboundResponse
)

type outboundMessage struct {
	kind         outboundKind
	method       string      // kind == outboundNotification | outboundRequest
	params       interface{} // kind == outboundNotification | outboundRequest
	downstreamID jsonrpc2.ID // kind == outboundRequest

	responseID jsonrpc2.ID     // kind == outboundResponse
	result     interface{}     // kind == outboundResponse
	rpcErr     *jsonrpc2.Error // kind == outboundResponse
}

// responseFrame is the wire shape of a reply to a server-originated request
// (§4.4): it has no method, just id + result-or-error.
type responseFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      jsonrpc2.ID     `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *jsonrpc2.Error `json:"error,omitempty"`
}

// writer is the single-writer actor of C4: it owns the child's stdin and is
// the only goroutine ever allowed to write to it.
type writer struct {
	queue  chan outboundMessage
	router *Router
	fw     *rpcframe.Writer
	stdin  io.WriteCloser

	stopCh      chan struct{}
	idleCh      chan struct{}
	stdinBackCh chan io.WriteCloser

	done chan struct{}
}

func newWriter(stdin io.WriteCloser, router *Router) *writer {
	return &writer{
		queue:       make(chan outboundMessage, OutboundQueueCapacity),
		router:      router,
		fw:          rpcframe.NewWriter(stdin),
		stdin:       stdin,
		stopCh:      make(chan struct{}, 1),
		idleCh:      make(chan struct{}),
		stdinBackCh: make(chan io.WriteCloser, 1),
		done:        make(chan struct{}),
	}
}

// Enqueue submits msg to the FIFO, blocking (providing backpressure) while
// the queue is full, and failing fast if ctx is cancelled or the writer has
// already exited.
func (w *writer) Enqueue(ctx context.Context, msg outboundMessage) error {
	select {
	case w.queue <- msg:
		return nil
	case <-w.done:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor loop. It exits either via hard cancellation (ctx done:
// queued requests are failed with "connection closing", no stdin handle is
// returned — §4.5 "hard cancel ... short-circuits steps 2-3") or via the
// 3-phase graceful stop (stopCh: drain best-effort, signal idle, hand stdin
// back).
func (w *writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.drainAndFail("connection closing")
			return
		case <-w.stopCh:
			w.drainBestEffort()
			close(w.idleCh)
			w.stdinBackCh <- w.stdin
			return
		case msg := <-w.queue:
			w.writeOne(msg)
		}
	}
}

func (w *writer) writeOne(msg outboundMessage) {
	if msg.kind == outboundResponse {
		if err := w.fw.Write(&responseFrame{JSONRPC: "2.0", ID: msg.responseID, Result: msg.result, Error: msg.rpcErr}); err != nil {
			log.Printf("downstream: write error replying to server request: %v", err)
		}
		return
	}

	req := &jsonrpc2.Request{
		Method: msg.method,
		Notif:  msg.kind == outboundNotification,
	}
	if msg.kind == outboundRequest {
		req.ID = msg.downstreamID
	}
	if msg.params != nil {
		if err := req.SetParams(msg.params); err != nil {
			log.Printf("downstream: encoding params for %s: %v", msg.method, err)
			if msg.kind == outboundRequest {
				w.router.FailRequest(msg.downstreamID, "write error")
			}
			return
		}
	}

	if err := w.fw.Write(req); err != nil {
		log.Printf("downstream: write error on %s: %v", msg.method, err)
		if msg.kind == outboundRequest {
			w.router.FailRequest(msg.downstreamID, "write error")
		}
	}
}

// drainBestEffort flushes whatever is already queued without blocking for
// more, per §4.5 step 2 of the graceful stop.
func (w *writer) drainBestEffort() {
	for {
		select {
		case msg := <-w.queue:
			w.writeOne(msg)
		default:
			return
		}
	}
}

// drainAndFail is the hard-cancel path: every still-queued request is
// failed, nothing is written to the wire.
func (w *writer) drainAndFail(reason string) {
	for {
		select {
		case msg := <-w.queue:
			if msg.kind == outboundRequest {
				w.router.FailRequest(msg.downstreamID, reason)
			}
		default:
			return
		}
	}
}

// beginGracefulStop starts the 3-phase stop and returns channels for the
// idle signal and the returned stdin handle (used to send the LSP `exit`
// notification directly, bypassing the now-stopped queue).
func (w *writer) beginGracefulStop() (idle <-chan struct{}, stdinBack <-chan io.WriteCloser) {
	select {
	case w.stopCh <- struct{}{}:
	default:
	}
	return w.idleCh, w.stdinBackCh
}
