// Package hostdoc is the host-document store of spec §3: created on
// upstream didOpen, mutated by didChange, destroyed on didClose. It is the
// single owner of host document state; everything else (the injection
// resolver, the request handlers) takes shared reads.
//
// Incremental Tree-sitter parsing and language detection are out of scope
// (§1) — this package delegates both to the Parser collaborator and simply
// keeps the (text, tree, language) triple current and the per-document
// injection region cache coherent across edits.
package hostdoc

import (
	"sync"

	"github.com/sourcegraph/go-langserver/pkg/lsp"

	"github.com/atusy/kakehashi/internal/injection"
)

// Parser is the out-of-scope collaborator that turns text into a
// Tree-sitter tree, incrementally when a previous tree is available.
type Parser interface {
	Parse(language string, text []byte, previous *injection.Tree) (*injection.Tree, error)
	DetectLanguage(uri lsp.DocumentURI, text []byte) string
}

// ParseGuard brackets a parse invocation with the crash-witness scheme of
// C10/C15 (internal/install): BeginParsing before, EndParsing after a
// parse that returned. The in-progress set is kept in memory and reaches
// disk only through PersistState at graceful shutdown; a language still
// mid-parse then is marked failed by the next startup's crash recovery.
// A process killed inside Parse writes no witness.
type ParseGuard interface {
	BeginParsing(language string)
	EndParsing(language string)
}

type noopGuard struct{}

func (noopGuard) BeginParsing(string) {}
func (noopGuard) EndParsing(string)   {}

// Document is one host document: its current text, parse tree, detected
// language, and the last region set the injection resolver produced for it
// (so re-enumeration can diff against "prior" per §4.12).
type Document struct {
	URI      lsp.DocumentURI
	Language string

	mu      sync.RWMutex
	text    []byte
	tree    *injection.Tree
	version int32
	regions []injection.Region
}

// Snapshot is an immutable view of a Document's current state, safe to
// read without holding any lock after it is returned.
type Snapshot struct {
	Text    []byte
	Tree    *injection.Tree
	Version int32
	Regions []injection.Region
}

// Snapshot takes a consistent read of the document's current state.
func (d *Document) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{Text: d.text, Tree: d.tree, Version: d.version, Regions: d.regions}
}

// SetRegions stores the most recently resolved region set, so the next
// re-enumeration has a "prior" to diff against (§4.12 sticky IDs).
func (d *Document) SetRegions(regions []injection.Region) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regions = regions
}

// Store is the process-wide map of open host documents, keyed by URI.
type Store struct {
	parser Parser
	guard  ParseGuard

	mu   sync.RWMutex
	docs map[lsp.DocumentURI]*Document
}

// NewStore wraps parser (the out-of-scope Tree-sitter collaborator). guard
// may be nil, in which case parses are not bracketed by the crash-witness
// scheme (e.g. in tests that don't exercise internal/install).
func NewStore(parser Parser, guard ParseGuard) *Store {
	if guard == nil {
		guard = noopGuard{}
	}
	return &Store{parser: parser, guard: guard, docs: make(map[lsp.DocumentURI]*Document)}
}

func (s *Store) parse(language string, text []byte, previous *injection.Tree) (*injection.Tree, error) {
	s.guard.BeginParsing(language)
	defer s.guard.EndParsing(language)
	return s.parser.Parse(language, text, previous)
}

// DidOpen creates a new Document, parsing its initial text.
func (s *Store) DidOpen(uri lsp.DocumentURI, text []byte) (*Document, error) {
	lang := s.parser.DetectLanguage(uri, text)
	tree, err := s.parse(lang, text, nil)
	if err != nil {
		return nil, err
	}

	d := &Document{URI: uri, Language: lang, text: text, tree: tree, version: 1}

	s.mu.Lock()
	s.docs[uri] = d
	s.mu.Unlock()

	return d, nil
}

// DidChange replaces a document's full text and reparses it incrementally
// against its previous tree. The bridge always resyncs downstream with
// full text per change (spec.md §9 Open Question decision), but the host
// document itself still benefits from incremental host-side parsing where
// the Parser collaborator supports it.
func (s *Store) DidChange(uri lsp.DocumentURI, text []byte, version int32) (*Document, error) {
	s.mu.RLock()
	d, ok := s.docs[uri]
	s.mu.RUnlock()
	if !ok {
		return nil, &ErrNotFound{URI: uri}
	}

	d.mu.Lock()
	prevTree := d.tree
	d.mu.Unlock()

	tree, err := s.parse(d.Language, text, prevTree)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.text = text
	d.tree = tree
	d.version = version
	d.mu.Unlock()

	return d, nil
}

// DidClose destroys a document.
func (s *Store) DidClose(uri lsp.DocumentURI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, uri)
}

// Get returns the document for uri, or nil if it is not (or no longer)
// open — per §4.10 step 1: "Look up the host document. If missing → null."
func (s *Store) Get(uri lsp.DocumentURI) *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[uri]
}

// ErrNotFound is returned by DidChange when the host document was never
// opened (or was already closed) — a client protocol violation, logged by
// the caller rather than crashing the bridge.
type ErrNotFound struct{ URI lsp.DocumentURI }

func (e *ErrNotFound) Error() string { return "hostdoc: document not tracked: " + string(e.URI) }
