// Package server wires C13's per-request template into an upstream
// jsonrpc2 connection: one stdio connection per process, dispatching
// every LSP method the bridge advertises (§6) and threading upstream
// request IDs through for cancellation (C14).
package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"time"

	"github.com/sourcegraph/go-langserver/pkg/lsp"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/atusy/kakehashi/internal/bridgeconfig"
	"github.com/atusy/kakehashi/internal/cancelbridge"
	"github.com/atusy/kakehashi/internal/diagnostics"
	"github.com/atusy/kakehashi/internal/handlers"
	"github.com/atusy/kakehashi/internal/hostdoc"
	"github.com/atusy/kakehashi/internal/lsptypes"
	"github.com/atusy/kakehashi/internal/reqctx"
	"github.com/atusy/kakehashi/internal/rpcframe"
	"github.com/atusy/kakehashi/internal/vdoc"
)

// Server dispatches upstream LSP requests to the bridge. One Server
// serves one editor connection, the same granularity the teacher's
// cloneProxy used per accepted TCP connection — here there is exactly
// one, over stdio.
type Server struct {
	Bridge      *handlers.Bridge
	Docs        *hostdoc.Store
	Tracker     *vdoc.Tracker
	Diagnostics *diagnostics.Manager
	Cancel      *cancelbridge.Bridge

	Trace bool

	conn *jsonrpc2.Conn
}

// Serve runs the connection to completion (until the editor disconnects
// or "exit" closes it). It blocks; callers run it in the main goroutine
// and trigger shutdown via ctx or the conn itself.
func (s *Server) Serve(ctx context.Context, stream io.ReadWriteCloser) error {
	var opts []jsonrpc2.ConnOpt
	if s.Trace {
		opts = append(opts, jsonrpc2.LogMessages(log.Default()))
	}

	s.conn = jsonrpc2.NewConn(
		ctx,
		jsonrpc2.NewBufferedStream(stream, jsonrpc2.VSCodeObjectCodec{}),
		jsonrpc2.AsyncHandler(jsonrpc2.HandlerWithError(s.handle)),
		opts...,
	)

	select {
	case <-s.conn.DisconnectNotify():
	case <-ctx.Done():
		s.conn.Close()
	}
	return nil
}

func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case "initialize":
		return s.initialize(ctx, req)
	case "initialized":
		return nil, nil
	case "shutdown":
		return nil, nil
	case "exit":
		conn.Close()
		return nil, nil
	case "$/cancelRequest":
		return nil, s.cancelRequest(req)

	case "textDocument/didOpen":
		return nil, s.didOpen(req)
	case "textDocument/didChange":
		return nil, s.didChange(req)
	case "textDocument/didClose":
		return nil, s.didClose(ctx, req)
	case "textDocument/didSave":
		return nil, s.didSave(ctx, req)

	case "textDocument/hover":
		var p lsp.TextDocumentPositionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.Hover(reqCtx(ctx, req), req.ID, p)

	case "textDocument/definition":
		var p lsp.TextDocumentPositionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.Definition(reqCtx(ctx, req), req.ID, p)

	case "textDocument/references":
		var p lsp.ReferenceParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.References(reqCtx(ctx, req), req.ID, p)

	case "textDocument/documentHighlight":
		var p lsp.TextDocumentPositionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.DocumentHighlight(reqCtx(ctx, req), req.ID, p)

	case "textDocument/rename":
		var p lsp.RenameParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.Rename(reqCtx(ctx, req), req.ID, p)

	case "textDocument/selectionRange":
		var p struct {
			TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
			Positions    []lsp.Position             `json:"positions"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.SelectionRange(reqCtx(ctx, req), req.ID, p.TextDocument.URI, p.Positions)

	case "textDocument/semanticTokens/full":
		var p struct {
			TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.SemanticTokensFull(reqCtx(ctx, req), req.ID, p.TextDocument.URI)

	case "textDocument/semanticTokens/range":
		var p struct {
			TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
			Range        lsp.Range                  `json:"range"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.SemanticTokensRange(reqCtx(ctx, req), req.ID, p.TextDocument.URI, p.Range)

	case "textDocument/prepareCallHierarchy":
		var p lsp.TextDocumentPositionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.PrepareCallHierarchy(reqCtx(ctx, req), req.ID, p)

	case "callHierarchy/incomingCalls":
		var p struct {
			Item lsptypes.CallHierarchyItem `json:"item"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.IncomingCalls(reqCtx(ctx, req), req.ID, p.Item)

	case "callHierarchy/outgoingCalls":
		var p struct {
			Item lsptypes.CallHierarchyItem `json:"item"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.OutgoingCalls(reqCtx(ctx, req), req.ID, p.Item)

	case "textDocument/prepareTypeHierarchy":
		var p lsp.TextDocumentPositionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.PrepareTypeHierarchy(reqCtx(ctx, req), req.ID, p)

	case "typeHierarchy/supertypes":
		var p struct {
			Item lsptypes.TypeHierarchyItem `json:"item"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.Supertypes(reqCtx(ctx, req), req.ID, p.Item)

	case "typeHierarchy/subtypes":
		var p struct {
			Item lsptypes.TypeHierarchyItem `json:"item"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.Subtypes(reqCtx(ctx, req), req.ID, p.Item)

	case "textDocument/diagnostic":
		var p struct {
			TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
		}
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.Bridge.Diagnostics(reqCtx(ctx, req), req.ID, p.TextDocument.URI)

	default:
		if req.Notif {
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not supported: " + req.Method}
	}
}

func unmarshalParams(req *jsonrpc2.Request, out interface{}) error {
	if req.Params == nil {
		return nil
	}
	if err := json.Unmarshal(*req.Params, out); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (s *Server) initialize(ctx context.Context, req *jsonrpc2.Request) (interface{}, error) {
	var p struct {
		InitializationOptions json.RawMessage `json:"initializationOptions"`
	}
	if err := unmarshalParams(req, &p); err != nil {
		return nil, err
	}

	opts, err := bridgeconfig.Decode(p.InitializationOptions)
	if err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "invalid initializationOptions: " + err.Error()}
	}
	cfg := bridgeconfig.New(opts)
	s.Bridge.SetConfig(cfg)

	// The debounce interval is only known once initializationOptions has
	// been decoded (§6 "debounceMs"), so the diagnostics manager is built
	// here rather than up front in cmd/kakehashi.
	s.Diagnostics = diagnostics.NewManager(s.Bridge, s, s.Bridge, time.Duration(cfg.DebounceMs())*time.Millisecond)

	return initializeResult{Capabilities: buildCapabilities()}, nil
}

func (s *Server) cancelRequest(req *jsonrpc2.Request) error {
	var p struct {
		ID jsonrpc2.ID `json:"id"`
	}
	if err := unmarshalParams(req, &p); err != nil {
		return err
	}
	s.Cancel.OnCancel(context.Background(), cancelbridge.CancelParams{ID: p.ID})
	return nil
}

func (s *Server) didOpen(req *jsonrpc2.Request) error {
	var p lsp.DidOpenTextDocumentParams
	if err := unmarshalParams(req, &p); err != nil {
		return err
	}
	doc, err := s.Docs.DidOpen(p.TextDocument.URI, []byte(p.TextDocument.Text))
	if err != nil {
		return err
	}
	s.Diagnostics.OnOpenOrSave(context.Background(), doc.URI)
	return nil
}

func (s *Server) didChange(req *jsonrpc2.Request) error {
	var p struct {
		TextDocument   lsp.VersionedTextDocumentIdentifier  `json:"textDocument"`
		ContentChanges []lsp.TextDocumentContentChangeEvent `json:"contentChanges"`
	}
	if err := unmarshalParams(req, &p); err != nil {
		return err
	}
	if len(p.ContentChanges) == 0 {
		return nil
	}
	// The host document is synced whole (full-text sync, §9's resolved
	// Open Question applies symmetrically upstream): the last change
	// event in an incremental-sync stream still carries full text when
	// the editor is configured for TextDocumentSyncKindFull, and callers
	// that send incremental deltas are expected to have already merged
	// them before this arrives, same as the bridge does downstream.
	text := p.ContentChanges[len(p.ContentChanges)-1].Text
	doc, err := s.Docs.DidChange(p.TextDocument.URI, []byte(text), p.TextDocument.Version)
	if err != nil {
		return err
	}
	s.Diagnostics.OnChange(context.Background(), doc.URI)
	return nil
}

func (s *Server) didClose(ctx context.Context, req *jsonrpc2.Request) error {
	var p lsp.DidCloseTextDocumentParams
	if err := unmarshalParams(req, &p); err != nil {
		return err
	}
	s.Docs.DidClose(p.TextDocument.URI)
	s.Diagnostics.OnClose(p.TextDocument.URI)

	for _, v := range s.Tracker.RemoveHostVirtualDocs(p.TextDocument.URI) {
		if !v.WasOpened {
			continue
		}
		s.Bridge.NotifyDownstreamClose(ctx, v)
	}
	return nil
}

func (s *Server) didSave(ctx context.Context, req *jsonrpc2.Request) error {
	var p lsp.DidCloseTextDocumentParams // didSave's TextDocument field is the same shape
	if err := unmarshalParams(req, &p); err != nil {
		return err
	}
	s.Diagnostics.OnOpenOrSave(ctx, p.TextDocument.URI)
	return nil
}

// Publish implements diagnostics.Publisher, sending the merged result of
// one collection upstream. It does nothing while s.conn is nil, which is
// the case when handle is driven without Serve; the manager itself is
// built by initialize, which arrives through Serve.
func (s *Server) Publish(hostURI lsp.DocumentURI, diags []lsp.Diagnostic) {
	if s.conn == nil {
		return
	}
	if diags == nil {
		diags = []lsp.Diagnostic{}
	}
	_ = s.conn.Notify(context.Background(), "textDocument/publishDiagnostics", lsp.PublishDiagnosticsParams{
		URI:         hostURI,
		Diagnostics: diags,
	})
}

// reqCtx tags the context with the upstream request ID (§4.10 step 9).
// Nothing in this module reads it back: the cancel fan-out receives the
// ID as an explicit parameter instead.
func reqCtx(ctx context.Context, req *jsonrpc2.Request) context.Context {
	return reqctx.WithUpstreamID(ctx, req.ID)
}

// ForwardNotification implements downstream's notificationSink: any
// window/logMessage, window/showMessage, or $/progress a downstream
// server emits is relayed upstream verbatim, in whichever connection's
// wording it was phrased (§4.4). The bridge never attributes these to a
// particular injection region.
func (s *Server) ForwardNotification(method string, params *json.RawMessage) {
	if s.conn == nil {
		return
	}
	_ = s.conn.Notify(context.Background(), method, params)
}

// RespondServerRequest implements downstream's serverRequestResponder.
// Only window/workDoneProgress/create is allow-listed (§4.4): the bridge
// acknowledges it locally rather than forwarding, since progress tokens
// are scoped per-connection and the editor has no use for one minted by a
// downstream server it never addressed directly.
func (s *Server) RespondServerRequest(msg *rpcframe.Message) (interface{}, bool) {
	switch msg.Method {
	case "window/workDoneProgress/create":
		return nil, true
	default:
		return nil, false
	}
}
