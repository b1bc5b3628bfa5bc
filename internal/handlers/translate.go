package handlers

import (
	"bytes"
	"encoding/json"

	"github.com/sourcegraph/go-langserver/pkg/lsp"

	"github.com/atusy/kakehashi/internal/injection"
	"github.com/atusy/kakehashi/internal/lsptypes"
)

// decodeResult re-marshals a generically-decoded JSON-RPC result (a
// map[string]interface{}/[]interface{} tree, per internal/downstream's
// reader) into a concrete Go type. Downstream servers speak the same wire
// format we do; going through JSON twice here is the price of keeping the
// router's Response.Result untyped (it cannot know which of fifteen
// different result shapes any given call expects).
func decodeResult(raw interface{}, out interface{}) error {
	if raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// translatePosition maps a virtual-document position back to host
// coordinates via the region's descriptor. Positions outside the region
// (should not normally happen for well-behaved downstream servers) are
// passed through unchanged — better to show a slightly-off position than
// to drop the whole result.
func translatePosition(d *injection.Descriptor, pos lsp.Position) lsp.Position {
	if hl, hc, ok := d.VirtualToHost(pos.Line, pos.Character); ok {
		return lsp.Position{Line: hl, Character: hc}
	}
	return pos
}

func translateRange(d *injection.Descriptor, r lsp.Range) lsp.Range {
	return lsp.Range{Start: translatePosition(d, r.Start), End: translatePosition(d, r.End)}
}

// rewriteURI rewrites uri to the host URI if it is exactly t's virtual
// URI (§4.10 "URIs in the response matching is_virtual_uri are rewritten
// to the host URI using the stored descriptor"); any other URI (including
// other virtual URIs from a different region) is left untouched — this
// bridge has no information to translate a different region's
// coordinates through this descriptor.
func (t *target) rewriteURI(uri lsp.DocumentURI) lsp.DocumentURI {
	if string(uri) == t.virtualURI.String() {
		return t.doc.URI
	}
	return uri
}

// inSameVirtualDoc reports whether uri is exactly t's virtual document —
// used by rename/workspace-edit handling to drop cross-document edits
// (§4.10: "out-of-scope cross-doc renames").
func (t *target) inSameVirtualDoc(uri lsp.DocumentURI) bool {
	return string(uri) == t.virtualURI.String()
}

// hostToVirtualPos maps a host position to t's virtual coordinates. A
// position outside t's region (another selectionRange position, a range
// end, a hierarchy item's range) is returned unchanged.
func hostToVirtualPos(t *target, pos lsp.Position) lsp.Position {
	if vl, vc, ok := t.descriptor.HostToVirtual(pos.Line, pos.Character); ok {
		return lsp.Position{Line: vl, Character: vc}
	}
	return pos
}

func hostToVirtualRange(t *target, r lsp.Range) lsp.Range {
	return lsp.Range{Start: hostToVirtualPos(t, r.Start), End: hostToVirtualPos(t, r.End)}
}

// translateDefinitionResult decodes a textDocument/definition result of
// any of its three permitted shapes (Location | Location[] | LocationLink[])
// and translates it back to host coordinates without losing the shape the
// downstream server chose (§4.10 "Definition / goto").
func translateDefinitionResult(t *target, raw interface{}) (interface{}, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	if trimmed[0] != '[' {
		var loc lsp.Location
		if err := json.Unmarshal(trimmed, &loc); err != nil {
			return nil, err
		}
		loc.URI = t.rewriteURI(loc.URI)
		loc.Range = translateRange(t.descriptor, loc.Range)
		return loc, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, err
	}
	if len(elems) == 0 {
		return []lsp.Location{}, nil
	}

	if bytes.Contains(elems[0], []byte(`"targetUri"`)) {
		var links []lsptypes.LocationLink
		if err := json.Unmarshal(trimmed, &links); err != nil {
			return nil, err
		}
		for i := range links {
			if links[i].OriginSelectionRange != nil {
				r := translateRange(t.descriptor, *links[i].OriginSelectionRange)
				links[i].OriginSelectionRange = &r
			}
			links[i].TargetURI = t.rewriteURI(links[i].TargetURI)
			links[i].TargetRange = translateRange(t.descriptor, links[i].TargetRange)
			links[i].TargetSelectionRange = translateRange(t.descriptor, links[i].TargetSelectionRange)
		}
		return links, nil
	}

	var locs []lsp.Location
	if err := json.Unmarshal(trimmed, &locs); err != nil {
		return nil, err
	}
	for i := range locs {
		locs[i].URI = t.rewriteURI(locs[i].URI)
		locs[i].Range = translateRange(t.descriptor, locs[i].Range)
	}
	return locs, nil
}

// rewriteWorkspaceEdit translates every edit of a WorkspaceEdit that
// targets t's virtual document, and drops edits on any other document —
// §4.10's documented out-of-scope cross-document rename behavior.
func rewriteWorkspaceEdit(t *target, edit *lsptypes.WorkspaceEdit) *lsptypes.WorkspaceEdit {
	out := &lsptypes.WorkspaceEdit{}

	for uri, edits := range edit.Changes {
		if !t.inSameVirtualDoc(uri) {
			continue
		}
		if out.Changes == nil {
			out.Changes = make(map[lsp.DocumentURI][]lsp.TextEdit)
		}
		out.Changes[t.doc.URI] = translateTextEdits(t, edits)
	}

	for _, dc := range edit.DocumentChanges {
		if !t.inSameVirtualDoc(dc.TextDocument.URI) {
			continue
		}
		out.DocumentChanges = append(out.DocumentChanges, lsptypes.TextDocumentEdit{
			TextDocument: lsp.VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: t.doc.URI},
			},
			Edits: translateTextEdits(t, dc.Edits),
		})
	}

	return out
}

func translateTextEdits(t *target, edits []lsp.TextEdit) []lsp.TextEdit {
	out := make([]lsp.TextEdit, len(edits))
	for i, e := range edits {
		out[i] = lsp.TextEdit{Range: translateRange(t.descriptor, e.Range), NewText: e.NewText}
	}
	return out
}

// translateSelectionRange walks a SelectionRange's parent chain, mapping
// every level's range to host coordinates in place.
func translateSelectionRange(d *injection.Descriptor, sr *lsptypes.SelectionRange) {
	for s := sr; s != nil; s = s.Parent {
		s.Range = translateRange(d, s.Range)
	}
}
