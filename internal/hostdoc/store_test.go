package hostdoc

import (
	"testing"

	"github.com/sourcegraph/go-langserver/pkg/lsp"

	"github.com/atusy/kakehashi/internal/injection"
)

type fakeParser struct {
	lang       string
	parseCalls int
}

func (p *fakeParser) Parse(language string, text []byte, previous *injection.Tree) (*injection.Tree, error) {
	p.parseCalls++
	return nil, nil
}

func (p *fakeParser) DetectLanguage(uri lsp.DocumentURI, text []byte) string {
	return p.lang
}

type fakeGuard struct {
	begun, ended []string
}

func (g *fakeGuard) BeginParsing(language string) { g.begun = append(g.begun, language) }
func (g *fakeGuard) EndParsing(language string)   { g.ended = append(g.ended, language) }

func TestDidOpenCreatesDocumentAndDetectsLanguage(t *testing.T) {
	parser := &fakeParser{lang: "markdown"}
	guard := &fakeGuard{}
	store := NewStore(parser, guard)

	doc, err := store.DidOpen("file:///a.md", []byte("# hi"))
	if err != nil {
		t.Fatalf("DidOpen: %v", err)
	}
	if doc.Language != "markdown" {
		t.Fatalf("doc.Language = %q", doc.Language)
	}
	if parser.parseCalls != 1 {
		t.Fatalf("parseCalls = %d, want 1", parser.parseCalls)
	}
	if len(guard.begun) != 1 || len(guard.ended) != 1 {
		t.Fatalf("guard calls = %+v / %+v, want one of each", guard.begun, guard.ended)
	}

	if got := store.Get("file:///a.md"); got != doc {
		t.Fatalf("Get after DidOpen = %v, want the same document", got)
	}
	snap := doc.Snapshot()
	if snap.Version != 1 || string(snap.Text) != "# hi" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDidChangeUpdatesTextVersionAndTree(t *testing.T) {
	parser := &fakeParser{lang: "markdown"}
	store := NewStore(parser, nil)
	if _, err := store.DidOpen("file:///a.md", []byte("# hi")); err != nil {
		t.Fatalf("DidOpen: %v", err)
	}

	doc, err := store.DidChange("file:///a.md", []byte("# bye"), 2)
	if err != nil {
		t.Fatalf("DidChange: %v", err)
	}
	snap := doc.Snapshot()
	if snap.Version != 2 || string(snap.Text) != "# bye" {
		t.Fatalf("snapshot after DidChange = %+v", snap)
	}
	if parser.parseCalls != 2 {
		t.Fatalf("parseCalls = %d, want 2 (open + change)", parser.parseCalls)
	}
}

func TestDidChangeOnUnknownDocumentReturnsErrNotFound(t *testing.T) {
	store := NewStore(&fakeParser{lang: "markdown"}, nil)
	_, err := store.DidChange("file:///missing.md", []byte("x"), 1)
	if _, ok := err.(*ErrNotFound); !ok {
		t.Fatalf("err = %v (%T), want *ErrNotFound", err, err)
	}
}

func TestDidCloseRemovesDocument(t *testing.T) {
	store := NewStore(&fakeParser{lang: "markdown"}, nil)
	store.DidOpen("file:///a.md", []byte("# hi"))
	store.DidClose("file:///a.md")

	if got := store.Get("file:///a.md"); got != nil {
		t.Fatalf("Get after DidClose = %v, want nil", got)
	}
}

func TestSetRegionsIsVisibleInSnapshot(t *testing.T) {
	store := NewStore(&fakeParser{lang: "markdown"}, nil)
	doc, _ := store.DidOpen("file:///a.md", []byte("# hi"))

	regions := []injection.Region{{ID: "r1", Language: "lua"}}
	doc.SetRegions(regions)

	snap := doc.Snapshot()
	if len(snap.Regions) != 1 || snap.Regions[0].ID != "r1" {
		t.Fatalf("snap.Regions = %+v", snap.Regions)
	}
}
