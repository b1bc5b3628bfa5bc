package downstream

import (
	"context"
	"log"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/atusy/kakehashi/internal/rpcframe"
)

// DefaultRequestTimeout is Tier 1 of ADR-0018 (§5).
const DefaultRequestTimeout = 30 * time.Second

// WaitOutcome is the result of WaitForReady / WaitForResponse.
type WaitOutcome int

const (
	WaitOK WaitOutcome = iota
	WaitTimedOut
	WaitFailed
	WaitShutdown
	WaitChannelClosed
)

// Connection is C5: a per-downstream-process handle tying together the
// reader (C3), writer (C4), and router (C2), plus the state machine of §3
// and the request-ID allocator.
type Connection struct {
	Key       string // pool key: server command and language joined by a NUL byte (§4.9)
	SessionID string // opaque per-connection trace identity, distinct from Key (which is stable across restarts)

	cmd    *exec.Cmd
	router *Router
	writer *writer
	reader *reader

	state *stateWatch

	nextID    atomic.Int64 // downstream ID allocator; 1 is reserved for initialize
	pendingN  atomic.Int64 // live pending-request count, drives the liveness timer
	cancelFn  context.CancelFunc
	runnerCtx context.Context

	mu       sync.Mutex
	tempDirs []string // owned temp workspace dirs, removed at the end of GracefulShutdown
}

// NewConnection wires a freshly spawned child process into a Connection in
// state Initializing. Request ID 1 is pre-registered by the pool before the
// initialize call is sent (§4.9 step 3); this constructor only builds the
// actors.
func NewConnection(key string, cmd *exec.Cmd, sink notificationSink, srr serverRequestResponder, livenessTimeout time.Duration) (*Connection, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "downstream: opening stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "downstream: opening stdout pipe")
	}

	router := NewRouter()
	w := newWriter(stdin, router)

	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		Key:       key,
		SessionID: uuid.NewString(),
		cmd:       cmd,
		router:    router,
		writer:    w,
		state:     newStateWatch(StateInitializing),
		cancelFn:  cancel,
		runnerCtx: ctx,
	}
	c.nextID.Store(1)

	r := newReader(rpcframe.NewReader(stdout), router, sink, srr, w, livenessTimeout, c.onReaderExit)
	c.reader = r

	go w.run(ctx)
	go r.run(ctx)

	return c, nil
}

// State returns the current lifecycle state with a cheap synchronous read.
func (c *Connection) State() State { return c.state.Get() }

// MarkReady transitions Initializing→Ready once `initialize`/`initialized`
// have succeeded (§4.9 step 6).
func (c *Connection) MarkReady() { c.state.Set(StateReady) }

// MarkFailed transitions to Failed (init error/timeout, or lazily on
// liveness failure — §4.2).
func (c *Connection) MarkFailed() { c.state.Set(StateFailed) }

// WaitForReady blocks until the connection reaches Ready, Failed, or
// Closed/Closing (reported as WaitShutdown), or timeout elapses.
func (c *Connection) WaitForReady(ctx context.Context, timeout time.Duration) WaitOutcome {
	deadline := time.After(timeout)
	for {
		s, changed := c.state.Sub()
		switch s {
		case StateReady:
			return WaitOK
		case StateFailed:
			return WaitFailed
		case StateClosing, StateClosed:
			return WaitShutdown
		}
		select {
		case <-changed:
			continue
		case <-deadline:
			return WaitTimedOut
		case <-ctx.Done():
			return WaitTimedOut
		}
	}
}

// RegisterRequest allocates a unique downstream ID (ID 1 reserved for
// initialize — callers of RegisterRequest never receive it since the pool
// consumes it directly during spawn), installs a waiter, and — if this
// transitions the pending count 0→1 while Ready — starts the reader's
// liveness timer (§4.2).
func (c *Connection) RegisterRequest(upstreamID *jsonrpc2.ID) (jsonrpc2.ID, <-chan Response, error) {
	n := c.nextID.Add(1)
	downstreamID := jsonrpc2.ID{Num: uint64(n)}

	ch, err := c.router.Register(downstreamID, upstreamID)
	if err != nil {
		return downstreamID, nil, err
	}

	if c.pendingN.Add(1) == 1 && c.state.Get() == StateReady {
		c.reader.NotePendingStart()
	}

	return downstreamID, ch, nil
}

// WaitForResponse awaits ch with a per-request timeout (default 30s,
// Tier 1). On timeout it removes the router entry. If the reader has
// signalled a liveness failure meanwhile, the connection transitions
// Ready→Failed (§4.2).
func (c *Connection) WaitForResponse(ctx context.Context, downstreamID jsonrpc2.ID, ch <-chan Response, timeout time.Duration) (Response, WaitOutcome) {
	defer c.pendingN.Add(-1)

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case resp, ok := <-ch:
		if c.reader.LivenessFailed() && c.state.Get() == StateReady {
			c.state.Set(StateFailed)
		}
		if !ok {
			return Response{}, WaitChannelClosed
		}
		return resp, WaitOK

	case <-t.C:
		c.router.Remove(downstreamID)
		return Response{}, WaitTimedOut

	case <-ctx.Done():
		c.router.Remove(downstreamID)
		return Response{}, WaitTimedOut
	}
}

// Notify enqueues a fire-and-forget notification on the writer queue.
func (c *Connection) Notify(ctx context.Context, method string, params interface{}) error {
	return c.writer.Enqueue(ctx, outboundMessage{kind: outboundNotification, method: method, params: params})
}

// EnqueueRequest writes a request frame for a downstreamID already
// obtained from RegisterRequest. Split out from Call so callers that need
// to interleave cancel-subscription registration between allocating the
// ID and sending the frame (internal/handlers, racing §4.10 step 9) can do
// so without duplicating the writer-queue plumbing.
func (c *Connection) EnqueueRequest(ctx context.Context, method string, params interface{}, downstreamID jsonrpc2.ID) error {
	if err := c.writer.Enqueue(ctx, outboundMessage{kind: outboundRequest, method: method, params: params, downstreamID: downstreamID}); err != nil {
		c.router.Remove(downstreamID)
		c.pendingN.Add(-1)
		return err
	}
	return nil
}

// Call enqueues a request, waits for its response, and cleans up the router
// entry on any non-OK outcome.
func (c *Connection) Call(ctx context.Context, method string, params interface{}, upstreamID *jsonrpc2.ID, timeout time.Duration) (Response, WaitOutcome, jsonrpc2.ID, error) {
	downstreamID, ch, err := c.RegisterRequest(upstreamID)
	if err != nil {
		return Response{}, WaitFailed, downstreamID, err
	}
	if err := c.writer.Enqueue(ctx, outboundMessage{kind: outboundRequest, method: method, params: params, downstreamID: downstreamID}); err != nil {
		c.router.Remove(downstreamID)
		c.pendingN.Add(-1)
		return Response{}, WaitFailed, downstreamID, err
	}
	resp, outcome := c.WaitForResponse(ctx, downstreamID, ch, timeout)
	return resp, outcome, downstreamID, nil
}

// CancelDownstream forwards a best-effort $/cancelRequest for
// downstreamID, per §4.6. Errors are logged by the caller, never surfaced.
func (c *Connection) CancelDownstream(ctx context.Context, downstreamID jsonrpc2.ID) error {
	return c.Notify(ctx, "$/cancelRequest", cancelParams{ID: downstreamID})
}

type cancelParams struct {
	ID jsonrpc2.ID `json:"id"`
}

// LookupDownstreamID resolves an upstream request ID to the downstream ID
// it maps to on this connection, for cancel forwarding (§4.6).
func (c *Connection) LookupDownstreamID(upstreamID jsonrpc2.ID) (jsonrpc2.ID, bool) {
	return c.router.LookupDownstream(upstreamID)
}

// BeginShutdown transitions Ready|Initializing→Closing and tells the reader
// to stop its liveness timer (global shutdown overrides liveness, §4.2).
func (c *Connection) BeginShutdown() {
	s := c.state.Get()
	if s == StateReady || s == StateInitializing {
		c.state.Set(StateClosing)
	}
	c.reader.NoteShutdown()
}

// CompleteShutdown transitions Closing|Failed→Closed.
func (c *Connection) CompleteShutdown() {
	s := c.state.Get()
	if s == StateClosing || s == StateFailed {
		c.state.Set(StateClosed)
	}
}

// GracefulShutdown runs the full LSP exit dance: send `shutdown`, await its
// response (best effort), send `exit` directly over the handed-back stdin,
// then wait for the child to exit, force-killing it if necessary. It always
// returns once the child is confirmed dead, and never leaves the
// connection in Closing (§4.2).
func (c *Connection) GracefulShutdown(ctx context.Context) error {
	c.BeginShutdown()

	// Best-effort `shutdown` call; downstream may be unresponsive, so this
	// has its own short bound rather than the caller's deadline stalling
	// the writer's 3-phase stop below.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, _, _, _ = c.Call(shutdownCtx, "shutdown", nil, nil, 5*time.Second)
	cancel()

	idle, stdinBack := c.writer.beginGracefulStop()
	select {
	case <-idle:
	case <-time.After(5 * time.Second):
	}

	select {
	case stdin := <-stdinBack:
		exitNotification := &jsonrpc2.Request{Method: "exit", Notif: true}
		fw := rpcframe.NewWriter(stdin)
		_ = fw.Write(exitNotification)
		_ = stdin.Close()
	case <-time.After(2 * time.Second):
	}

	c.cancelFn() // stop reader/writer goroutines unconditionally

	err := c.waitOrKill()
	c.CompleteShutdown()
	c.removeTempDirs()
	return err
}

func (c *Connection) waitOrKill() error {
	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		c.ForceKill()
		return <-done
	}
}

// ForceKill is the platform escalation of §4.2: POSIX gets SIGTERM, a 2s
// grace period, then SIGKILL; other platforms get an immediate kill.
func (c *Connection) ForceKill() {
	if c.cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = c.cmd.Process.Kill()
		return
	}
	_ = c.cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_, _ = c.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		_ = c.cmd.Process.Kill()
	}
}

// AddTempDir registers a temp workspace directory owned by this connection
// so it is removed at the end of GracefulShutdown (§5 resource cleanup).
func (c *Connection) AddTempDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempDirs = append(c.tempDirs, dir)
}

func (c *Connection) removeTempDirs() {
	c.mu.Lock()
	dirs := c.tempDirs
	c.tempDirs = nil
	c.mu.Unlock()
	for _, d := range dirs {
		_ = removeAllBestEffort(d)
	}
}

// ReservedInitializeID is exposed for the pool, which needs to pre-register
// ID 1 for `initialize` before the connection is handed to any caller
// (§4.9 step 3).
func ReservedInitializeID() jsonrpc2.ID { return jsonrpc2.ID{Num: 1} }

// onReaderExit is the callback wired into the reader (C3): an unexpected
// exit (EOF/framer error while not already shutting down) is a transport
// error, which per §7 transitions Ready→Failed. An exit that happens while
// we are already Closing (the expected EOF following our own `exit`
// notification) is not an error at all.
func (c *Connection) onReaderExit(err error) {
	s := c.state.Get()
	if s == StateClosing || s == StateClosed {
		return
	}
	log.Printf("downstream[%s/%s]: reader exited unexpectedly: %v", c.Key, c.SessionID, err)
	c.state.Set(StateFailed)
}
