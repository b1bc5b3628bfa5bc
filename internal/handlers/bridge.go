// Package handlers implements C13: the shared per-request template of
// §4.10 (find region → translate → route downstream → await → translate
// back) plus the thin per-LSP-method adapters built on it. It is the
// layer everything else in this module exists to serve.
package handlers

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sourcegraph/go-langserver/pkg/lsp"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/atusy/kakehashi/internal/bridgeconfig"
	"github.com/atusy/kakehashi/internal/cancelbridge"
	"github.com/atusy/kakehashi/internal/downstream"
	"github.com/atusy/kakehashi/internal/hostdoc"
	"github.com/atusy/kakehashi/internal/injection"
	"github.com/atusy/kakehashi/internal/install"
	"github.com/atusy/kakehashi/internal/vdoc"
)

// CodeRequestCancelled is LSP's cancellation error code (-32800), distinct
// from the JSON-RPC-standard codes jsonrpc2 defines.
const CodeRequestCancelled = -32800

// ErrNoRegion means the request's position does not fall inside any
// injection region — callers fall through to host-language processing or
// return null (§4.10 step 3).
var ErrNoRegion = errors.New("handlers: position not inside an injection region")

// ErrNotBridged means the (host, injection) language pair is not enabled
// in config, or no server declares the injection language (§4.10 step 5).
var ErrNotBridged = errors.New("handlers: language pair not bridged")

// QueryProvider resolves the (out-of-scope) injection query for a host
// language. Absence means the host language has no injections defined.
type QueryProvider interface {
	QueryFor(hostLanguage string) (injection.InjectionQuery, bool)
}

// Bridge holds every collaborator the per-request template needs. One
// Bridge serves the whole process; its collaborators are each already
// internally concurrency-safe.
type Bridge struct {
	Docs    *hostdoc.Store
	Queries QueryProvider
	Pool    *downstream.Pool
	Tracker *vdoc.Tracker
	Cancel  *cancelbridge.Bridge
	Install *install.Manager

	mu     sync.RWMutex
	config *bridgeconfig.Config

	resolvers sync.Map // hostLanguage string -> *injection.Resolver
}

// SetConfig swaps the active bridge configuration (called once after
// "initialize", and again on any live config-reload extension point).
func (b *Bridge) SetConfig(cfg *bridgeconfig.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = cfg
}

func (b *Bridge) cfg() *bridgeconfig.Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

func (b *Bridge) resolverFor(hostLanguage string) (*injection.Resolver, bool) {
	if v, ok := b.resolvers.Load(hostLanguage); ok {
		return v.(*injection.Resolver), true
	}
	q, ok := b.Queries.QueryFor(hostLanguage)
	if !ok {
		return nil, false
	}
	r := injection.NewResolver(q)
	actual, _ := b.resolvers.LoadOrStore(hostLanguage, r)
	return actual.(*injection.Resolver), true
}

// target bundles everything the template resolves by the time it is
// ready to build and send the downstream request (§4.10 steps 1-7).
type target struct {
	doc        *hostdoc.Document
	region     injection.Region
	descriptor *injection.Descriptor
	virtualURI vdoc.URI
	conn       *downstream.Connection
}

// resolve runs §4.10 steps 1-7: locate the host document and the
// injection region under pos, translate it to a virtual document, get a
// ready downstream connection, and perform first-time didOpen/didChange
// sync. A nil target with a nil error means "no result" (§4.10's various
// "-> null" cases); a non-nil error means a genuine failure the caller
// should report upstream.
func (b *Bridge) resolve(ctx context.Context, hostURI lsp.DocumentURI, pos lsp.Position) (*target, error) {
	doc, regions, err := b.currentRegions(ctx, hostURI)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	snap := doc.Snapshot()

	region, descriptor, ok := findOwningRegion(snap.Text, regions, pos)
	if !ok {
		return nil, nil // not inside any injection region -> null
	}

	t, err := b.buildTarget(ctx, doc, snap.Text, region, descriptor)
	if err == ErrNotBridged {
		return nil, nil
	}
	return t, err
}

// resolveAllRegions runs the same steps as resolve but builds a target for
// every bridged region in the host document, for whole-document operations
// (diagnostics pull) that cannot anchor on a single position.
func (b *Bridge) resolveAllRegions(ctx context.Context, hostURI lsp.DocumentURI) ([]*target, error) {
	doc, regions, err := b.currentRegions(ctx, hostURI)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	snap := doc.Snapshot()

	targets := make([]*target, 0, len(regions))
	for _, region := range regions {
		descriptor := injection.BuildDescriptor(snap.Text, region)
		t, err := b.buildTarget(ctx, doc, snap.Text, region, descriptor)
		if err != nil || t == nil {
			continue
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// currentRegions re-runs injection resolution for hostURI's current
// snapshot and reports stale regions for cleanup (§4.10 steps 1-2,
// shared by resolve and resolveAllRegions).
func (b *Bridge) currentRegions(ctx context.Context, hostURI lsp.DocumentURI) (*hostdoc.Document, []injection.Region, error) {
	doc := b.Docs.Get(hostURI)
	if doc == nil {
		return nil, nil, nil
	}
	snap := doc.Snapshot()

	resolver, ok := b.resolverFor(doc.Language)
	if !ok {
		return nil, nil, nil
	}

	regions, stale, err := resolver.Resolve(snap.Tree, snap.Text, snap.Regions)
	if err != nil {
		return nil, nil, errors.Wrap(err, "handlers: resolving injection regions")
	}
	doc.SetRegions(regions)
	b.closeStaleRegions(ctx, hostURI, stale)
	return doc, regions, nil
}

// buildTarget runs §4.10 steps 4-7 for one already-located region: config
// gate, connection acquisition, and first-time didOpen/didChange sync.
func (b *Bridge) buildTarget(ctx context.Context, doc *hostdoc.Document, hostText []byte, region injection.Region, descriptor *injection.Descriptor) (*target, error) {
	cfg := b.cfg()
	if cfg == nil || !cfg.IsBridged(doc.Language, region.Language) {
		return nil, ErrNotBridged
	}
	spec, serverName, ok := cfg.ServerFor(region.Language)
	if !ok {
		return nil, ErrNotBridged
	}

	if b.Install != nil && b.Install.IsParserFailed(region.Language) {
		return nil, nil
	}

	conn, err := b.connectionFor(ctx, serverName, region.Language, spec)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, nil // Initializing timed out or Failed -> null, next request re-spawns
	}

	virtualURI := vdoc.New(doc.URI, region.Language, region.ID)

	if err := b.syncVirtualDocument(ctx, conn, doc.URI, virtualURI, hostText, descriptor); err != nil {
		return nil, errors.Wrap(err, "handlers: syncing virtual document")
	}

	return &target{doc: doc, region: region, descriptor: descriptor, virtualURI: virtualURI, conn: conn}, nil
}

func (b *Bridge) connectionFor(ctx context.Context, serverName, language string, spec bridgeconfig.ServerSpec) (*downstream.Connection, error) {
	conn, err := b.Pool.GetConnection(ctx, downstream.SpawnConfig{
		Command:               spec.Cmd,
		Language:              language,
		InitializationOptions: spec.InitializationOptions,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "handlers: getting downstream connection for %s/%s", serverName, language)
	}

	switch conn.State() {
	case downstream.StateReady:
		return conn, nil
	case downstream.StateFailed, downstream.StateClosing, downstream.StateClosed:
		return nil, nil
	default:
		if conn.WaitForReady(ctx, downstream.DefaultInitTimeout) != downstream.WaitOK {
			return nil, nil
		}
		return conn, nil
	}
}

// closeStaleRegions sends textDocument/didClose downstream for every
// virtual document whose region did not survive re-enumeration and had
// actually been opened (§4.12: "reported to C8... so the corresponding
// downstream documents are didClosed").
func (b *Bridge) closeStaleRegions(ctx context.Context, hostURI lsp.DocumentURI, staleRegionIDs []string) {
	if len(staleRegionIDs) == 0 {
		return
	}
	for _, v := range b.Tracker.RemoveMatchingVirtualDocs(hostURI, staleRegionIDs) {
		if !v.WasOpened {
			continue
		}
		b.NotifyDownstreamClose(ctx, v)
	}
}

// NotifyDownstreamClose sends textDocument/didClose for a virtual document
// that is leaving tracking (region went stale, or its host document
// closed). Exported so internal/server can drive the same cleanup path
// from "textDocument/didClose" (§4.12).
func (b *Bridge) NotifyDownstreamClose(ctx context.Context, v vdoc.OpenedVirtualDoc) {
	b.Tracker.UntrackDocument(v.VirtualURI)
	conn := b.connectionForLanguage(ctx, v.Language)
	if conn == nil {
		return
	}
	_ = conn.Notify(ctx, "textDocument/didClose", lsp.DidCloseTextDocumentParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(v.VirtualURI)},
	})
}

// connectionForLanguage gets the pool's connection for an injection
// language via the active config, for cleanup paths (like stale-region
// didClose) that have a language but no live *target*. It goes through
// Pool.GetConnection, so when no Ready or Initializing connection exists
// for the language a new one is spawned.
// Virtual-document URIs are deliberately one-way (§4.7: "the core never
// parses the string back into this triple"), so this never attempts to
// recover anything from the URI string itself — the language comes from
// vdoc.OpenedVirtualDoc, which the tracker recorded at didOpen time.
func (b *Bridge) connectionForLanguage(ctx context.Context, language string) *downstream.Connection {
	if language == "" {
		return nil
	}
	cfg := b.cfg()
	if cfg == nil {
		return nil
	}
	spec, _, ok := cfg.ServerFor(language)
	if !ok {
		return nil
	}
	conn, err := b.Pool.GetConnection(ctx, downstream.SpawnConfig{Command: spec.Cmd, Language: language})
	if err != nil {
		return nil
	}
	return conn
}

// findOwningRegion returns the first region whose descriptor contains
// pos, per §4.10 step 3 (converted via UTF-16 position math in
// internal/injection).
func findOwningRegion(hostText []byte, regions []injection.Region, pos lsp.Position) (injection.Region, *injection.Descriptor, bool) {
	for _, r := range regions {
		d := injection.BuildDescriptor(hostText, r)
		if _, _, ok := d.HostToVirtual(pos.Line, pos.Character); ok {
			return r, d, true
		}
	}
	return injection.Region{}, nil, false
}

// callResult is what the background Call goroutine reports back to call's
// select.
type callResult struct {
	resp    downstream.Response
	outcome downstream.WaitOutcome
	err     error
}

// call sends method/params to t's connection, registering for upstream
// cancel fan-out if upstreamID is non-nil, and races the response against
// a cancel subscription with a biased select (§4.10 steps 8-9, §5
// "Race the response against the cancel receiver"). It returns the raw
// downstream result; translation back to host coordinates is the
// caller's job.
func (b *Bridge) call(ctx context.Context, t *target, upstreamID *jsonrpc2.ID, method string, params interface{}) (interface{}, error) {
	var recv cancelbridge.CancelReceiver
	if upstreamID != nil {
		if r, err := b.Cancel.Subscribe(*upstreamID); err == nil {
			recv = r
			defer b.Cancel.Unsubscribe(*upstreamID)
		}
	}

	results := make(chan callResult, 1)
	var downstreamIDCh = make(chan jsonrpc2.ID, 1)
	go func() {
		downstreamID, ch, err := t.conn.RegisterRequest(upstreamID)
		if err != nil {
			downstreamIDCh <- jsonrpc2.ID{}
			results <- callResult{err: err}
			return
		}
		downstreamIDCh <- downstreamID
		if err := t.conn.EnqueueRequest(ctx, method, params, downstreamID); err != nil {
			results <- callResult{err: err}
			return
		}
		resp, outcome := t.conn.WaitForResponse(ctx, downstreamID, ch, 0)
		results <- callResult{resp: resp, outcome: outcome}
	}()

	if upstreamID != nil {
		if downstreamID := <-downstreamIDCh; downstreamID != (jsonrpc2.ID{}) {
			b.Pool.RegisterCancelTarget(*upstreamID, t.conn, downstreamID)
			defer b.Pool.ForgetCancelTargets(*upstreamID)
		}
	} else {
		<-downstreamIDCh
	}

	if recv != nil {
		select {
		case <-recv:
			return nil, &jsonrpc2.Error{Code: CodeRequestCancelled, Message: "request cancelled"}
		case r := <-results:
			return finishCall(method, r)
		}
	}

	return finishCall(method, <-results)
}

func finishCall(method string, r callResult) (interface{}, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.outcome != downstream.WaitOK {
		return nil, errors.Errorf("handlers: downstream call %s did not complete (%v)", method, r.outcome)
	}
	if r.resp.Err != nil {
		return nil, r.resp.Err
	}
	return r.resp.Result, nil
}
