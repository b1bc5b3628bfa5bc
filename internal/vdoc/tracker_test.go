package vdoc

import "testing"

func TestShouldSendDidOpenOnlyOnce(t *testing.T) {
	tr := NewTracker()
	if !tr.ShouldSendDidOpen("file:///a.md", "file:///.tree-sitter-ls/x/1.lua", "r1", "lua") {
		t.Fatalf("first ShouldSendDidOpen should be true")
	}
	if tr.ShouldSendDidOpen("file:///a.md", "file:///.tree-sitter-ls/x/1.lua", "r1", "lua") {
		t.Fatalf("second ShouldSendDidOpen for the same virtual URI should be false")
	}
}

func TestVersionLifecycle(t *testing.T) {
	tr := NewTracker()
	const vuri = "file:///.tree-sitter-ls/x/1.lua"
	tr.ShouldSendDidOpen("file:///a.md", vuri, "r1", "lua")

	v, ok := tr.CurrentVersion(vuri)
	if !ok || v != 1 {
		t.Fatalf("CurrentVersion = (%d, %v), want (1, true)", v, ok)
	}
	v, changed, ok := tr.IncrementIfTextChanged(vuri, "local x = 2")
	if !ok || !changed || v != 2 {
		t.Fatalf("IncrementIfTextChanged = (%d, %v, %v), want (2, true, true)", v, changed, ok)
	}

	tr.UntrackDocument(vuri)
	if _, ok := tr.CurrentVersion(vuri); ok {
		t.Fatalf("expected version to be gone after UntrackDocument")
	}
}

func TestIsDocumentOpenedTracksMarkDocumentOpened(t *testing.T) {
	tr := NewTracker()
	const vuri = "file:///.tree-sitter-ls/x/1.lua"
	tr.ShouldSendDidOpen("file:///a.md", vuri, "r1", "lua")

	if tr.IsDocumentOpened(vuri) {
		t.Fatalf("should not be marked opened before MarkDocumentOpened")
	}
	tr.MarkDocumentOpened(vuri)
	if !tr.IsDocumentOpened(vuri) {
		t.Fatalf("should be marked opened after MarkDocumentOpened")
	}
}

func TestRemoveMatchingVirtualDocsOnlyRemovesStale(t *testing.T) {
	tr := NewTracker()
	const host = "file:///a.md"
	const vuriStale = "file:///.tree-sitter-ls/x/1.lua"
	const vuriFresh = "file:///.tree-sitter-ls/x/2.lua"
	tr.ShouldSendDidOpen(host, vuriStale, "r-stale", "lua")
	tr.ShouldSendDidOpen(host, vuriFresh, "r-fresh", "lua")
	tr.MarkDocumentOpened(vuriStale)

	removed := tr.RemoveMatchingVirtualDocs(host, []string{"r-stale"})
	if len(removed) != 1 || removed[0].VirtualURI != vuriStale {
		t.Fatalf("removed = %+v, want exactly the stale doc", removed)
	}
	if !removed[0].WasOpened {
		t.Fatalf("expected WasOpened=true for the stale doc")
	}
	if _, ok := tr.CurrentVersion(vuriFresh); !ok {
		t.Fatalf("fresh document must survive RemoveMatchingVirtualDocs")
	}
	if _, ok := tr.CurrentVersion(vuriStale); ok {
		t.Fatalf("stale document must be untracked")
	}
}

func TestIncrementIfTextChangedSkipsWhenTextIsIdentical(t *testing.T) {
	tr := NewTracker()
	const vuri = "file:///.tree-sitter-ls/x/1.lua"
	tr.ShouldSendDidOpen("file:///a.md", vuri, "r1", "lua")
	tr.SetSentText(vuri, "local x = 1")

	version, changed, ok := tr.IncrementIfTextChanged(vuri, "local x = 1")
	if !ok {
		t.Fatalf("expected vuri to be tracked")
	}
	if changed {
		t.Fatalf("expected changed=false for identical text")
	}
	if version != 1 {
		t.Fatalf("version = %d, want unchanged 1", version)
	}

	version, changed, ok = tr.IncrementIfTextChanged(vuri, "local x = 2")
	if !ok || !changed {
		t.Fatalf("expected changed=true for different text, got (%d, %v, %v)", version, changed, ok)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2 after a real change", version)
	}

	// The new text is now the baseline: resending it must not bump again.
	version, changed, ok = tr.IncrementIfTextChanged(vuri, "local x = 2")
	if !ok || changed {
		t.Fatalf("expected changed=false once the new text is the baseline, got (%d, %v, %v)", version, changed, ok)
	}
	if version != 2 {
		t.Fatalf("version = %d, want unchanged 2", version)
	}
}

func TestIncrementIfTextChangedOnUntrackedDocReturnsNotOK(t *testing.T) {
	tr := NewTracker()
	if _, _, ok := tr.IncrementIfTextChanged("file:///missing.lua", "x"); ok {
		t.Fatalf("expected ok=false for an untracked virtual URI")
	}
}

func TestRemoveHostVirtualDocsEvictsEverything(t *testing.T) {
	tr := NewTracker()
	const host = "file:///a.md"
	tr.ShouldSendDidOpen(host, "file:///.tree-sitter-ls/x/1.lua", "r1", "lua")
	tr.ShouldSendDidOpen(host, "file:///.tree-sitter-ls/x/2.py", "r2", "python")

	removed := tr.RemoveHostVirtualDocs(host)
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed docs, got %d", len(removed))
	}
	if again := tr.RemoveHostVirtualDocs(host); len(again) != 0 {
		t.Fatalf("expected no docs left for host on second call, got %+v", again)
	}
}
