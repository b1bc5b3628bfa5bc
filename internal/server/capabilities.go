package server

// capabilities describes what this bridge advertises in its
// "initialize" response (§6). go-langserver/pkg/lsp predates most of
// these (selection ranges, semantic tokens, call/type hierarchy, pull
// diagnostics all postdate its last sync with the spec), so the shape is
// written out directly against the LSP 3.17 wire format rather than
// reusing a struct that doesn't have the fields.
type initializeResult struct {
	Capabilities serverCapabilities `json:"capabilities"`
}

type serverCapabilities struct {
	TextDocumentSync          textDocumentSyncOptions `json:"textDocumentSync"`
	HoverProvider             bool                    `json:"hoverProvider"`
	DefinitionProvider        bool                    `json:"definitionProvider"`
	ReferencesProvider        bool                    `json:"referencesProvider"`
	DocumentHighlightProvider bool                    `json:"documentHighlightProvider"`
	RenameProvider            bool                    `json:"renameProvider"`
	SelectionRangeProvider    bool                    `json:"selectionRangeProvider"`
	SemanticTokensProvider    *semanticTokensOptions  `json:"semanticTokensProvider,omitempty"`
	CallHierarchyProvider     bool                    `json:"callHierarchyProvider"`
	TypeHierarchyProvider     bool                    `json:"typeHierarchyProvider"`
	DiagnosticProvider        *diagnosticOptions      `json:"diagnosticProvider,omitempty"`
}

type textDocumentSyncOptions struct {
	OpenClose bool `json:"openClose"`
	Change    int  `json:"change"` // 2 = incremental; bridge resyncs full text on each request (§9), but advertises incremental so the editor sends deltas it merges itself.
}

type semanticTokensLegend struct {
	TokenTypes     []string `json:"tokenTypes"`
	TokenModifiers []string `json:"tokenModifiers"`
}

type semanticTokensOptions struct {
	Legend semanticTokensLegend `json:"legend"`
	Full   bool                 `json:"full"`
	Range  bool                 `json:"range"`
}

type diagnosticOptions struct {
	InterFileDependencies bool `json:"interFileDependencies"`
	WorkspaceDiagnostics  bool `json:"workspaceDiagnostics"`
}

// defaultTokenTypes/defaultTokenModifiers are a permissive legend: the
// bridge never classifies tokens itself, it only relays and translates
// whatever the downstream server already emitted, so the legend just
// needs to be a superset downstream servers' indices stay within.
var defaultTokenTypes = []string{
	"namespace", "type", "class", "enum", "interface", "struct",
	"typeParameter", "parameter", "variable", "property", "enumMember",
	"event", "function", "method", "macro", "keyword", "modifier",
	"comment", "string", "number", "regexp", "operator", "decorator",
}

var defaultTokenModifiers = []string{
	"declaration", "definition", "readonly", "static", "deprecated",
	"abstract", "async", "modification", "documentation", "defaultLibrary",
}

func buildCapabilities() serverCapabilities {
	return serverCapabilities{
		TextDocumentSync:          textDocumentSyncOptions{OpenClose: true, Change: 2},
		HoverProvider:             true,
		DefinitionProvider:        true,
		ReferencesProvider:        true,
		DocumentHighlightProvider: true,
		RenameProvider:            true,
		SelectionRangeProvider:    true,
		SemanticTokensProvider: &semanticTokensOptions{
			Legend: semanticTokensLegend{TokenTypes: defaultTokenTypes, TokenModifiers: defaultTokenModifiers},
			Full:   true,
			Range:  true,
		},
		CallHierarchyProvider: true,
		TypeHierarchyProvider: true,
		DiagnosticProvider: &diagnosticOptions{
			InterFileDependencies: true,
			WorkspaceDiagnostics:  false,
		},
	}
}
