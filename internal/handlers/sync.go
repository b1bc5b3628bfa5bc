package handlers

import (
	"context"

	"github.com/sourcegraph/go-langserver/pkg/lsp"

	"github.com/atusy/kakehashi/internal/downstream"
	"github.com/atusy/kakehashi/internal/injection"
	"github.com/atusy/kakehashi/internal/vdoc"
)

// syncVirtualDocument implements §4.10 step 7: first-time didOpen for a
// (host, virtual) pair, or — for every request after the first — a
// full-text didChange, but only if the host text has actually changed
// since the last send for this region (§4.10 step 7b). Hovering,
// referencing, or otherwise re-reading an unedited injection region must
// not force the downstream server to reparse/relint it.
func (b *Bridge) syncVirtualDocument(ctx context.Context, conn *downstream.Connection, hostURI lsp.DocumentURI, virtualURI vdoc.URI, hostText []byte, descriptor *injection.Descriptor) error {
	vuri := virtualURI.String()
	text := descriptor.VirtualText()

	if b.Tracker.ShouldSendDidOpen(hostURI, vuri, virtualURI.RegionID, virtualURI.Language) {
		if err := conn.Notify(ctx, "textDocument/didOpen", lsp.DidOpenTextDocumentParams{
			TextDocument: lsp.TextDocumentItem{
				URI:        lsp.DocumentURI(vuri),
				LanguageID: virtualURI.Language,
				Version:    1,
				Text:       text,
			},
		}); err != nil {
			return err
		}
		b.Tracker.MarkDocumentOpened(vuri)
		b.Tracker.SetSentText(vuri, text)
		return nil
	}

	version, changed, ok := b.Tracker.IncrementIfTextChanged(vuri, text)
	if !ok {
		// Raced with a concurrent UntrackDocument (e.g. stale-region
		// cleanup) — fall back to treating this as a fresh open.
		if b.Tracker.ShouldSendDidOpen(hostURI, vuri, virtualURI.RegionID, virtualURI.Language) {
			if err := conn.Notify(ctx, "textDocument/didOpen", lsp.DidOpenTextDocumentParams{
				TextDocument: lsp.TextDocumentItem{
					URI:        lsp.DocumentURI(vuri),
					LanguageID: virtualURI.Language,
					Version:    1,
					Text:       text,
				},
			}); err != nil {
				return err
			}
			b.Tracker.MarkDocumentOpened(vuri)
			b.Tracker.SetSentText(vuri, text)
		}
		return nil
	}
	if !changed {
		return nil
	}

	if !b.Tracker.IsDocumentOpened(vuri) {
		// Reserved but the didOpen write raced/failed previously; do not
		// send didChange before didOpen (§8 invariant 2).
		return nil
	}

	return conn.Notify(ctx, "textDocument/didChange", lsp.DidChangeTextDocumentParams{
		TextDocument: lsp.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(vuri)},
			Version:                int(version),
		},
		ContentChanges: []lsp.TextDocumentContentChangeEvent{{Text: text}},
	})
}
