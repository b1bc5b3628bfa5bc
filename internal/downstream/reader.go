package downstream

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/atusy/kakehashi/internal/rpcframe"
)

// DefaultLivenessTimeout is Tier 2 of ADR-0018 (§5): while at least one
// request is pending, the downstream must emit some byte within this
// duration or it is declared dead.
const DefaultLivenessTimeout = 60 * time.Second

// notificationSink receives forwarded downstream notifications
// (window/logMessage, window/showMessage, $/progress — §4.4).
type notificationSink interface {
	ForwardNotification(method string, params *json.RawMessage)
}

// serverRequestResponder answers the small allow-listed set of requests a
// downstream server may itself issue (e.g. window/workDoneProgress/create).
type serverRequestResponder interface {
	RespondServerRequest(msg *rpcframe.Message) (result interface{}, handled bool)
}

// reader is C3: the single task per connection that owns the child's
// stdout, decodes frames, routes responses, forwards notifications, and
// runs the liveness timer.
type reader struct {
	fr     *rpcframe.Reader
	router *Router
	sink   notificationSink
	srr    serverRequestResponder
	w      *writer

	livenessTimeout time.Duration
	livenessFailed  atomic.Bool

	startLiveness chan struct{}
	stopLiveness  chan struct{}

	onExit func(err error)
}

func newReader(fr *rpcframe.Reader, router *Router, sink notificationSink, srr serverRequestResponder, w *writer, livenessTimeout time.Duration, onExit func(error)) *reader {
	if livenessTimeout <= 0 {
		livenessTimeout = DefaultLivenessTimeout
	}
	return &reader{
		fr:              fr,
		router:          router,
		sink:            sink,
		srr:             srr,
		w:               w,
		livenessTimeout: livenessTimeout,
		startLiveness:   make(chan struct{}, 1),
		stopLiveness:    make(chan struct{}, 1),
		onExit:          onExit,
	}
}

// frameOrErr is what the blocking decode goroutine feeds to the reader's
// select loop, so frame decoding (which blocks on I/O) never prevents the
// loop from also servicing the liveness timer.
type frameOrErr struct {
	msg *rpcframe.Message
	err error
}

// run is the reader task. It exits on stdout EOF, a framer error, or ctx
// cancellation; on every exit path it calls router.FailAll so no waiter is
// left dangling (§4.4, invariant 1 of §8).
func (r *reader) run(ctx context.Context) {
	frames := make(chan frameOrErr)
	go func() {
		for {
			msg, err := r.fr.Read()
			select {
			case frames <- frameOrErr{msg, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	resetTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.livenessTimeout)
	}

	var exitErr error
	for {
		select {
		case <-ctx.Done():
			exitErr = ctx.Err()
			r.router.FailAll("connection closing")
			if r.onExit != nil {
				r.onExit(exitErr)
			}
			return

		case <-r.startLiveness:
			if timer == nil {
				timer = time.NewTimer(r.livenessTimeout)
				timerC = timer.C
			}

		case <-r.stopLiveness:
			stopTimer()

		case <-timerC:
			r.livenessFailed.Store(true)
			r.router.FailAll("liveness timeout")
			stopTimer()

		case fe := <-frames:
			resetTimer()
			if fe.err != nil {
				exitErr = fe.err
				r.router.FailAll("downstream closed: " + fe.err.Error())
				if r.onExit != nil {
					r.onExit(exitErr)
				}
				return
			}
			r.dispatch(ctx, fe.msg)
		}
	}
}

func (r *reader) dispatch(ctx context.Context, msg *rpcframe.Message) {
	switch {
	case msg.IsResponse():
		var resp Response
		if msg.Error != nil {
			resp.Err = msg.Error
		} else if msg.Result != nil {
			var v interface{}
			if err := json.Unmarshal(*msg.Result, &v); err != nil {
				log.Printf("downstream: decoding result for id %v: %v", *msg.ID, err)
				resp.Err = &jsonrpc2.Error{Code: jsonRPCInternalError, Message: err.Error()}
			} else {
				resp.Result = v
			}
		}
		r.router.Deliver(*msg.ID, resp)

	case msg.IsServerRequest():
		if r.srr != nil {
			if result, handled := r.srr.RespondServerRequest(msg); handled {
				r.replyServerRequest(ctx, *msg.ID, result)
				return
			}
		}
		r.replyMethodNotFound(ctx, *msg.ID, msg.Method)

	case msg.IsNotification():
		switch msg.Method {
		case "window/showMessage", "window/logMessage", "$/progress",
			"window/showMessageRequest":
			if r.sink != nil {
				r.sink.ForwardNotification(msg.Method, msg.Params)
			}
		default:
			// Not on the forwarding allow-list; ignored per §4.4.
		}

	default:
		log.Printf("downstream: unclassifiable frame, dropped")
	}
}

func (r *reader) replyServerRequest(ctx context.Context, id jsonrpc2.ID, result interface{}) {
	if result == nil {
		result = struct{}{}
	}
	_ = r.w.Enqueue(ctx, outboundMessage{kind: outboundResponse, responseID: id, result: result})
}

func (r *reader) replyMethodNotFound(ctx context.Context, id jsonrpc2.ID, method string) {
	_ = r.w.Enqueue(ctx, outboundMessage{
		kind:       outboundResponse,
		responseID: id,
		rpcErr:     &jsonrpc2.Error{Code: -32601, Message: "method not found: " + method},
	})
}

// NotePendingStart is called by the connection handle when the pending
// count transitions 0→1, to start the liveness timer. There is no 1→0
// counterpart: the timer only ever stops on shutdown or its own firing,
// per §4.4.
func (r *reader) NotePendingStart() {
	select {
	case r.startLiveness <- struct{}{}:
	default:
	}
}

// NoteShutdown tells the reader to stop its liveness timer because a
// global/connection shutdown is in progress and overrides Tier 2 (§4.2,
// Tier 3 overrides Tier 2 per §5).
func (r *reader) NoteShutdown() {
	select {
	case r.stopLiveness <- struct{}{}:
	default:
	}
}

// LivenessFailed reports whether the liveness timer has fired since the
// reader started, consumed by the connection handle to decide Ready→Failed
// on the next wait_for_response (§4.2).
func (r *reader) LivenessFailed() bool {
	return r.livenessFailed.Load()
}
