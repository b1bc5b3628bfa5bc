package downstream

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/neelance/parallel"
	"github.com/pkg/errors"
	"github.com/sourcegraph/go-langserver/pkg/lsp"
	"github.com/sourcegraph/jsonrpc2"
	"golang.org/x/sync/singleflight"
)

// DefaultInitTimeout bounds how long a spawn waits for `initialize` to
// answer (§4.9 step 5).
const DefaultInitTimeout = 30 * time.Second

// DefaultShutdownDeadline is the single Tier 3 ceiling for ShutdownAll
// (§5). Connections shut down in parallel and ShutdownAll stops waiting
// for them once it passes, so the wait does not grow with the number of
// connections. GracefulShutdown still bounds each of its own steps
// (shutdown reply, writer drain, exit write, child exit) with fixed
// timeouts of its own.
const DefaultShutdownDeadline = 10 * time.Second

// SpawnConfig describes one downstream server to launch. It is built by the
// caller (internal/server, from internal/bridgeconfig) so that this package
// has no dependency on the config schema — only on what it needs to exec a
// process and say `initialize` to it.
type SpawnConfig struct {
	Command               []string
	Language              string
	WorkspaceDir          string
	RootURI               *lsp.DocumentURI
	InitializationOptions json.RawMessage
	ClientCapabilities    interface{}
	LivenessTimeout       time.Duration
	InitTimeout           time.Duration
}

func (c SpawnConfig) key() string {
	if len(c.Command) == 0 {
		return c.Language
	}
	return c.Command[0] + "\x00" + c.Language
}

// Pool is C6: a keyed set of connections, one per (server command,
// language), with lazy spawn and deduplicated initialization.
type Pool struct {
	sink notificationSink
	srr  serverRequestResponder

	mu    sync.RWMutex
	conns map[string]*Connection

	group singleflight.Group

	// aggCalls is the pool-wide aggregate cancel map referenced by §4.9
	// ("Before handing work to a connection...") and §4.6/C11: an upstream
	// ID may fan out across several connections (e.g. one diagnostics pull
	// per injection region), so the pool — not any single connection's
	// router — is the place that knows the full set.
	aggMu    sync.Mutex
	aggCalls map[jsonrpc2.ID][]downstreamRef
}

type downstreamRef struct {
	conn         *Connection
	downstreamID jsonrpc2.ID
}

// NewPool constructs an empty pool. sink receives forwarded downstream
// notifications; srr answers the allow-listed server-originated requests.
func NewPool(sink notificationSink, srr serverRequestResponder) *Pool {
	return &Pool{
		sink:     sink,
		srr:      srr,
		conns:    make(map[string]*Connection),
		aggCalls: make(map[jsonrpc2.ID][]downstreamRef),
	}
}

// GetConnection returns the existing Ready/Initializing connection for
// cfg's key, or spawns a new one. Concurrent callers on the same key
// observe the same Initializing handle via singleflight dedup (§4.9).
func (p *Pool) GetConnection(ctx context.Context, cfg SpawnConfig) (*Connection, error) {
	key := cfg.key()

	p.mu.RLock()
	if c, ok := p.conns[key]; ok && c.State() != StateFailed && c.State() != StateClosed {
		p.mu.RUnlock()
		return c, nil
	}
	p.mu.RUnlock()

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		p.mu.RLock()
		if c, ok := p.conns[key]; ok && c.State() != StateFailed && c.State() != StateClosed {
			p.mu.RUnlock()
			return c, nil
		}
		p.mu.RUnlock()

		c, err := p.spawn(ctx, key, cfg)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.conns[key] = c
		p.mu.Unlock()

		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// spawn implements the sequence of §4.9: launch, wire actors, pre-register
// ID 1, send initialize, validate, send initialized, transition Ready (or
// Failed + force-kill on any failure).
func (p *Pool) spawn(ctx context.Context, key string, cfg SpawnConfig) (*Connection, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.Errorf("downstream: spawn config for %q has no command", cfg.Language)
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	workspaceDir := cfg.WorkspaceDir
	scratch := false
	if workspaceDir == "" {
		// No workspace root was configured for this language: give the
		// downstream server a private scratch directory rather than
		// inheriting this process's cwd, so two connections for the same
		// language never collide on relative paths either might write.
		dir, err := os.MkdirTemp("", "kakehashi-"+uuid.NewString())
		if err != nil {
			return nil, errors.Wrap(err, "downstream: creating scratch workspace dir")
		}
		workspaceDir = dir
		scratch = true
	}
	cmd.Dir = workspaceDir
	// Environment inherited per §4.9 step 1.

	conn, err := NewConnection(key, cmd, p.sink, p.srr, cfg.LivenessTimeout)
	if err != nil {
		if scratch {
			removeAllBestEffort(workspaceDir)
		}
		return nil, errors.Wrap(err, "downstream: wiring connection actors")
	}
	if scratch {
		conn.AddTempDir(workspaceDir)
	}

	if err := cmd.Start(); err != nil {
		conn.MarkFailed()
		return nil, errors.Wrap(err, "downstream: starting child process")
	}

	initTimeout := cfg.InitTimeout
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	initID := ReservedInitializeID()
	ch, err := conn.router.Register(initID, nil)
	if err != nil {
		conn.MarkFailed()
		conn.ForceKill()
		return nil, errors.Wrap(err, "downstream: pre-registering initialize id")
	}
	if err := conn.writer.Enqueue(initCtx, outboundMessage{
		kind:         outboundRequest,
		method:       "initialize",
		downstreamID: initID,
		params: initializeParams{
			RootURI:              cfg.RootURI,
			Capabilities:         cfg.ClientCapabilities,
			InitializationOptions: cfg.InitializationOptions,
		},
	}); err != nil {
		conn.MarkFailed()
		conn.ForceKill()
		return nil, errors.Wrap(err, "downstream: sending initialize")
	}

	conn.pendingN.Add(1) // balanced by WaitForResponse's decrement
	resp, outcome := conn.WaitForResponse(initCtx, initID, ch, initTimeout)
	if outcome != WaitOK || resp.Err != nil {
		conn.MarkFailed()
		conn.ForceKill()
		if resp.Err != nil {
			return nil, errors.Errorf("downstream: initialize failed: %s", resp.Err.Message)
		}
		return nil, errors.Errorf("downstream: initialize did not complete (%v)", outcome)
	}
	if resp.Result == nil {
		conn.MarkFailed()
		conn.ForceKill()
		return nil, errors.New("downstream: initialize returned a null result")
	}

	if err := conn.Notify(initCtx, "initialized", struct{}{}); err != nil {
		conn.MarkFailed()
		conn.ForceKill()
		return nil, errors.Wrap(err, "downstream: sending initialized")
	}

	conn.MarkReady()
	return conn, nil
}

type initializeParams struct {
	RootURI               *lsp.DocumentURI `json:"rootUri"`
	Capabilities          interface{}      `json:"capabilities"`
	InitializationOptions json.RawMessage  `json:"initializationOptions,omitempty"`
}

// ShutdownAll snapshots the current connection set and tears every one of
// them down in parallel under a single deadline; anything not Closed by
// then is force-killed and marked Closed (§4.9, invariant 7 of §8).
func (p *Pool) ShutdownAll(ctx context.Context, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = DefaultShutdownDeadline
	}

	p.mu.RLock()
	snapshot := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		snapshot = append(snapshot, c)
	}
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Each connection's shutdown runs concurrently under the shared
	// deadline; parallel.Run gives the Acquire/Release/Wait rendezvous but
	// its own Error() only remembers the first failure, which would hide
	// every downstream server but one if several fail together. The
	// per-connection errors are instead merged into a single
	// *multierror.Error so a caller logging ShutdownAll's return sees all
	// of them, not just whichever happened to be recorded first.
	var errMu sync.Mutex
	var merr *multierror.Error

	run := parallel.NewRun(len(snapshot))
	for _, c := range snapshot {
		c := c
		run.Acquire()
		go func() {
			defer run.Release()
			if err := c.GracefulShutdown(ctx); err != nil {
				errMu.Lock()
				merr = multierror.Append(merr, errors.Wrapf(err, "downstream: shutting down connection %s", c.Key))
				errMu.Unlock()
			}
		}()
	}
	waitDone := make(chan struct{})
	go func() {
		_ = run.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
	}

	// Anything still not Closed after the deadline (e.g. GracefulShutdown
	// itself got stuck past ctx) is force-killed so no process is ever
	// left running.
	for _, c := range snapshot {
		if c.State() != StateClosed {
			c.ForceKill()
			c.CompleteShutdown()
		}
	}

	errMu.Lock()
	defer errMu.Unlock()
	return merr.ErrorOrNil()
}

// RegisterCancelTarget records that upstreamID's work includes a request on
// conn with the given downstreamID, so that a later $/cancelRequest for
// upstreamID fans out to it too. A single upstream request may register
// more than one target (§4.10's diagnostics fan-out registers one per
// injection region).
func (p *Pool) RegisterCancelTarget(upstreamID jsonrpc2.ID, conn *Connection, downstreamID jsonrpc2.ID) {
	p.aggMu.Lock()
	defer p.aggMu.Unlock()
	p.aggCalls[upstreamID] = append(p.aggCalls[upstreamID], downstreamRef{conn: conn, downstreamID: downstreamID})
}

// ForgetCancelTargets drops upstreamID's registered targets once its work
// is complete, so the aggregate map does not grow unboundedly.
func (p *Pool) ForgetCancelTargets(upstreamID jsonrpc2.ID) {
	p.aggMu.Lock()
	defer p.aggMu.Unlock()
	delete(p.aggCalls, upstreamID)
}

// FanOutCancel forwards $/cancelRequest to every connection registered for
// upstreamID (directly, or via RegisterCancelTarget), per §4.6. Missing
// mappings, closed connections, and write errors are logged, never
// surfaced to the client — this is best-effort by design.
func (p *Pool) FanOutCancel(ctx context.Context, upstreamID jsonrpc2.ID) {
	var targets []downstreamRef

	p.aggMu.Lock()
	targets = append(targets, p.aggCalls[upstreamID]...)
	p.aggMu.Unlock()

	p.mu.RLock()
	for _, c := range p.conns {
		if id, ok := c.LookupDownstreamID(upstreamID); ok {
			targets = append(targets, downstreamRef{conn: c, downstreamID: id})
		}
	}
	p.mu.RUnlock()

	if len(targets) == 0 {
		log.Printf("downstream: $/cancelRequest for %v has no downstream mapping", upstreamID)
	}
	for _, t := range targets {
		if err := t.conn.CancelDownstream(ctx, t.downstreamID); err != nil {
			log.Printf("downstream[%s]: forwarding $/cancelRequest for %v: %v", t.conn.SessionID, t.downstreamID, err)
		}
	}
}

// Remove drops a Failed/Closed connection from the pool so the next
// GetConnection call re-spawns it.
func (p *Pool) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, key)
}

// Snapshot returns every connection currently tracked, for diagnostics
// fan-out and cancel forwarding.
func (p *Pool) Snapshot() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}
