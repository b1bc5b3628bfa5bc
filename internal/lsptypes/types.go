// Package lsptypes supplies the LSP 3.17 payload shapes that
// sourcegraph/go-langserver/pkg/lsp predates: selection ranges, semantic
// tokens, call/type hierarchy, and pull diagnostics. Shapes follow the LSP
// specification directly and are written in the same plain-struct,
// json-tag style go-langserver uses for everything else, so the two
// packages read as one vocabulary from the call sites in internal/handlers.
package lsptypes

import "github.com/sourcegraph/go-langserver/pkg/lsp"

// SelectionRange is the result of "textDocument/selectionRange".
type SelectionRange struct {
	Range  lsp.Range       `json:"range"`
	Parent *SelectionRange `json:"parent,omitempty"`
}

// SemanticTokens is the result of "textDocument/semanticTokens/full" and
// "/range". Data is the delta-encoded token stream exactly as the wire
// carries it: groups of 5 uint32s (deltaLine, deltaStartChar, length,
// tokenType, tokenModifiers).
type SemanticTokens struct {
	ResultID string   `json:"resultId,omitempty"`
	Data     []uint32 `json:"data"`
}

// CallHierarchyItem identifies one call-hierarchy node.
type CallHierarchyItem struct {
	Name           string          `json:"name"`
	Kind           int             `json:"kind"`
	Tags           []int           `json:"tags,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	URI            lsp.DocumentURI `json:"uri"`
	Range          lsp.Range       `json:"range"`
	SelectionRange lsp.Range       `json:"selectionRange"`
	Data           interface{}     `json:"data,omitempty"`
}

// CallHierarchyIncomingCall is one result of
// "callHierarchy/incomingCalls".
type CallHierarchyIncomingCall struct {
	From       CallHierarchyItem `json:"from"`
	FromRanges []lsp.Range       `json:"fromRanges"`
}

// CallHierarchyOutgoingCall is one result of
// "callHierarchy/outgoingCalls".
type CallHierarchyOutgoingCall struct {
	To         CallHierarchyItem `json:"to"`
	FromRanges []lsp.Range       `json:"fromRanges"`
}

// TypeHierarchyItem identifies one type-hierarchy node (structurally
// identical to CallHierarchyItem per the LSP spec, kept as a distinct Go
// type so handlers can't accidentally mix the two up).
type TypeHierarchyItem struct {
	Name           string          `json:"name"`
	Kind           int             `json:"kind"`
	Tags           []int           `json:"tags,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	URI            lsp.DocumentURI `json:"uri"`
	Range          lsp.Range       `json:"range"`
	SelectionRange lsp.Range       `json:"selectionRange"`
	Data           interface{}     `json:"data,omitempty"`
}

// FullDocumentDiagnosticReport is the result shape of a pull-diagnostics
// request ("textDocument/diagnostic").
type FullDocumentDiagnosticReport struct {
	Kind  string           `json:"kind"`
	Items []lsp.Diagnostic `json:"items"`
}

// LocationLink is the richer alternative to lsp.Location that
// "textDocument/definition" and friends may return when the downstream
// server declares linkSupport (§6).
type LocationLink struct {
	OriginSelectionRange *lsp.Range      `json:"originSelectionRange,omitempty"`
	TargetURI            lsp.DocumentURI `json:"targetUri"`
	TargetRange          lsp.Range       `json:"targetRange"`
	TargetSelectionRange lsp.Range       `json:"targetSelectionRange"`
}

// TextDocumentEdit is one entry of WorkspaceEdit.DocumentChanges.
type TextDocumentEdit struct {
	TextDocument lsp.VersionedTextDocumentIdentifier `json:"textDocument"`
	Edits        []lsp.TextEdit                      `json:"edits"`
}

// WorkspaceEdit mirrors lsp.WorkspaceEdit but keeps DocumentChanges typed
// (go-langserver predates the documentChanges form) so rename handling
// can rewrite both forms uniformly (§4.10 "Rename / workspace edits").
type WorkspaceEdit struct {
	Changes         map[lsp.DocumentURI][]lsp.TextEdit `json:"changes,omitempty"`
	DocumentChanges []TextDocumentEdit                 `json:"documentChanges,omitempty"`
}
