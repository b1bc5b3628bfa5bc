package handlers

import (
	"context"
	"sort"

	"github.com/sourcegraph/go-langserver/pkg/lsp"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/atusy/kakehashi/internal/lsptypes"
)

// Hover implements "textDocument/hover" per the §4.10 template.
func (b *Bridge) Hover(ctx context.Context, upstreamID jsonrpc2.ID, params lsp.TextDocumentPositionParams) (*lsp.Hover, error) {
	t, err := b.resolve(ctx, params.TextDocument.URI, params.Position)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "textDocument/hover", lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
		Position:     hostToVirtualPos(t, params.Position),
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var hover lsp.Hover
	if err := decodeResult(raw, &hover); err != nil {
		return nil, err
	}
	if hover.Range != nil {
		r := translateRange(t.descriptor, *hover.Range)
		hover.Range = &r
	}
	return &hover, nil
}

// Definition implements "textDocument/definition". Downstream may answer
// with Location, []Location, or []LocationLink; all are translated the
// same way (§4.10 "Definition / goto").
func (b *Bridge) Definition(ctx context.Context, upstreamID jsonrpc2.ID, params lsp.TextDocumentPositionParams) (interface{}, error) {
	t, err := b.resolve(ctx, params.TextDocument.URI, params.Position)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "textDocument/definition", lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
		Position:     hostToVirtualPos(t, params.Position),
	})
	if err != nil || raw == nil {
		return nil, err
	}
	return translateDefinitionResult(t, raw)
}

// References implements "textDocument/references".
func (b *Bridge) References(ctx context.Context, upstreamID jsonrpc2.ID, params lsp.ReferenceParams) ([]lsp.Location, error) {
	t, err := b.resolve(ctx, params.TextDocument.URI, params.Position)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "textDocument/references", lsp.ReferenceParams{
		TextDocumentPositionParams: lsp.TextDocumentPositionParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
			Position:     hostToVirtualPos(t, params.Position),
		},
		Context: params.Context,
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var locs []lsp.Location
	if err := decodeResult(raw, &locs); err != nil {
		return nil, err
	}
	for i := range locs {
		locs[i].URI = t.rewriteURI(locs[i].URI)
		locs[i].Range = translateRange(t.descriptor, locs[i].Range)
	}
	return locs, nil
}

// DocumentHighlight implements "textDocument/documentHighlight".
func (b *Bridge) DocumentHighlight(ctx context.Context, upstreamID jsonrpc2.ID, params lsp.TextDocumentPositionParams) ([]lsp.DocumentHighlight, error) {
	t, err := b.resolve(ctx, params.TextDocument.URI, params.Position)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "textDocument/documentHighlight", lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
		Position:     hostToVirtualPos(t, params.Position),
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var hl []lsp.DocumentHighlight
	if err := decodeResult(raw, &hl); err != nil {
		return nil, err
	}
	for i := range hl {
		hl[i].Range = translateRange(t.descriptor, hl[i].Range)
	}
	return hl, nil
}

// Rename implements "textDocument/rename". Edits on any document other
// than the current virtual document are dropped — out-of-scope cross-doc
// renames (§4.10).
func (b *Bridge) Rename(ctx context.Context, upstreamID jsonrpc2.ID, params lsp.RenameParams) (*lsptypes.WorkspaceEdit, error) {
	t, err := b.resolve(ctx, params.TextDocument.URI, params.Position)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "textDocument/rename", lsp.RenameParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
		Position:     hostToVirtualPos(t, params.Position),
		NewName:      params.NewName,
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var edit lsptypes.WorkspaceEdit
	if err := decodeResult(raw, &edit); err != nil {
		return nil, err
	}
	return rewriteWorkspaceEdit(t, &edit), nil
}

// SelectionRange implements "textDocument/selectionRange". All positions
// are resolved against the first one's region; a position in some other
// region comes back untranslated (pass-through), since one selectionRange
// request has no documented multi-region behavior to imitate.
func (b *Bridge) SelectionRange(ctx context.Context, upstreamID jsonrpc2.ID, hostURI lsp.DocumentURI, positions []lsp.Position) ([]lsptypes.SelectionRange, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	t, err := b.resolve(ctx, hostURI, positions[0])
	if err != nil || t == nil {
		return nil, err
	}

	vpos := make([]lsp.Position, len(positions))
	for i, p := range positions {
		vpos[i] = hostToVirtualPos(t, p)
	}

	dparams := struct {
		TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
		Positions    []lsp.Position             `json:"positions"`
	}{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
		Positions:    vpos,
	}
	raw, err := b.call(ctx, t, &upstreamID, "textDocument/selectionRange", dparams)
	if err != nil || raw == nil {
		return nil, err
	}

	var ranges []lsptypes.SelectionRange
	if err := decodeResult(raw, &ranges); err != nil {
		return nil, err
	}
	for i := range ranges {
		translateSelectionRange(t.descriptor, &ranges[i])
	}
	return ranges, nil
}

type semanticTokensParams struct {
	TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
}

type semanticTokensRangeParams struct {
	TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
	Range        lsp.Range                  `json:"range"`
}

// SemanticTokensFull implements "textDocument/semanticTokens/full" across
// every bridged region of the host document: each region is fenced in its
// own virtual document, so tokens come back one region at a time and are
// merged by host position before being re-encoded as a single delta
// stream (§4.10).
func (b *Bridge) SemanticTokensFull(ctx context.Context, upstreamID jsonrpc2.ID, hostURI lsp.DocumentURI) (*lsptypes.SemanticTokens, error) {
	targets, err := b.resolveAllRegions(ctx, hostURI)
	if err != nil {
		return nil, err
	}

	var merged []absoluteToken
	for _, t := range targets {
		raw, err := b.call(ctx, t, &upstreamID, "textDocument/semanticTokens/full", semanticTokensParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
		})
		if err != nil || raw == nil {
			continue
		}
		var toks lsptypes.SemanticTokens
		if err := decodeResult(raw, &toks); err != nil {
			continue
		}
		merged = append(merged, toHostTokens(t.descriptor, toks.Data)...)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].line != merged[j].line {
			return merged[i].line < merged[j].line
		}
		return merged[i].char < merged[j].char
	})

	return &lsptypes.SemanticTokens{Data: encodeSemanticTokens(merged)}, nil
}

// SemanticTokensRange implements "textDocument/semanticTokens/range"; the
// requested host range is translated into the owning region's virtual
// coordinates.
func (b *Bridge) SemanticTokensRange(ctx context.Context, upstreamID jsonrpc2.ID, hostURI lsp.DocumentURI, hostRange lsp.Range) (*lsptypes.SemanticTokens, error) {
	t, err := b.resolve(ctx, hostURI, hostRange.Start)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "textDocument/semanticTokens/range", semanticTokensRangeParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
		Range:        hostToVirtualRange(t, hostRange),
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var toks lsptypes.SemanticTokens
	if err := decodeResult(raw, &toks); err != nil {
		return nil, err
	}
	toks.Data = translateSemanticTokens(t.descriptor, toks.Data)
	return &toks, nil
}

func translateCallHierarchyItem(t *target, item *lsptypes.CallHierarchyItem) {
	item.URI = t.rewriteURI(item.URI)
	item.Range = translateRange(t.descriptor, item.Range)
	item.SelectionRange = translateRange(t.descriptor, item.SelectionRange)
}

func virtualCallHierarchyItem(t *target, item lsptypes.CallHierarchyItem) lsptypes.CallHierarchyItem {
	item.URI = lsp.DocumentURI(t.virtualURI.String())
	item.Range = hostToVirtualRange(t, item.Range)
	item.SelectionRange = hostToVirtualRange(t, item.SelectionRange)
	return item
}

// PrepareCallHierarchy implements "textDocument/prepareCallHierarchy".
func (b *Bridge) PrepareCallHierarchy(ctx context.Context, upstreamID jsonrpc2.ID, params lsp.TextDocumentPositionParams) ([]lsptypes.CallHierarchyItem, error) {
	t, err := b.resolve(ctx, params.TextDocument.URI, params.Position)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "textDocument/prepareCallHierarchy", lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
		Position:     hostToVirtualPos(t, params.Position),
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var items []lsptypes.CallHierarchyItem
	if err := decodeResult(raw, &items); err != nil {
		return nil, err
	}
	for i := range items {
		translateCallHierarchyItem(t, &items[i])
	}
	return items, nil
}

// IncomingCalls implements "callHierarchy/incomingCalls". item is a
// CallHierarchyItem previously returned (and thus already in host
// coordinates) by PrepareCallHierarchy; this re-resolves its region from
// item.URI/item.Range.Start before translating back into the virtual
// request.
func (b *Bridge) IncomingCalls(ctx context.Context, upstreamID jsonrpc2.ID, item lsptypes.CallHierarchyItem) ([]lsptypes.CallHierarchyIncomingCall, error) {
	t, err := b.resolve(ctx, item.URI, item.Range.Start)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "callHierarchy/incomingCalls", struct {
		Item lsptypes.CallHierarchyItem `json:"item"`
	}{Item: virtualCallHierarchyItem(t, item)})
	if err != nil || raw == nil {
		return nil, err
	}

	var calls []lsptypes.CallHierarchyIncomingCall
	if err := decodeResult(raw, &calls); err != nil {
		return nil, err
	}
	for i := range calls {
		translateCallHierarchyItem(t, &calls[i].From)
		for j := range calls[i].FromRanges {
			calls[i].FromRanges[j] = translateRange(t.descriptor, calls[i].FromRanges[j])
		}
	}
	return calls, nil
}

// OutgoingCalls implements "callHierarchy/outgoingCalls".
func (b *Bridge) OutgoingCalls(ctx context.Context, upstreamID jsonrpc2.ID, item lsptypes.CallHierarchyItem) ([]lsptypes.CallHierarchyOutgoingCall, error) {
	t, err := b.resolve(ctx, item.URI, item.Range.Start)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "callHierarchy/outgoingCalls", struct {
		Item lsptypes.CallHierarchyItem `json:"item"`
	}{Item: virtualCallHierarchyItem(t, item)})
	if err != nil || raw == nil {
		return nil, err
	}

	var calls []lsptypes.CallHierarchyOutgoingCall
	if err := decodeResult(raw, &calls); err != nil {
		return nil, err
	}
	for i := range calls {
		translateCallHierarchyItem(t, &calls[i].To)
		for j := range calls[i].FromRanges {
			calls[i].FromRanges[j] = translateRange(t.descriptor, calls[i].FromRanges[j])
		}
	}
	return calls, nil
}

func translateTypeHierarchyItem(t *target, item *lsptypes.TypeHierarchyItem) {
	item.URI = t.rewriteURI(item.URI)
	item.Range = translateRange(t.descriptor, item.Range)
	item.SelectionRange = translateRange(t.descriptor, item.SelectionRange)
}

func virtualTypeHierarchyItem(t *target, item lsptypes.TypeHierarchyItem) lsptypes.TypeHierarchyItem {
	item.URI = lsp.DocumentURI(t.virtualURI.String())
	item.Range = hostToVirtualRange(t, item.Range)
	item.SelectionRange = hostToVirtualRange(t, item.SelectionRange)
	return item
}

// PrepareTypeHierarchy implements "textDocument/prepareTypeHierarchy".
func (b *Bridge) PrepareTypeHierarchy(ctx context.Context, upstreamID jsonrpc2.ID, params lsp.TextDocumentPositionParams) ([]lsptypes.TypeHierarchyItem, error) {
	t, err := b.resolve(ctx, params.TextDocument.URI, params.Position)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, "textDocument/prepareTypeHierarchy", lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())},
		Position:     hostToVirtualPos(t, params.Position),
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var items []lsptypes.TypeHierarchyItem
	if err := decodeResult(raw, &items); err != nil {
		return nil, err
	}
	for i := range items {
		translateTypeHierarchyItem(t, &items[i])
	}
	return items, nil
}

// Supertypes implements "typeHierarchy/supertypes".
func (b *Bridge) Supertypes(ctx context.Context, upstreamID jsonrpc2.ID, item lsptypes.TypeHierarchyItem) ([]lsptypes.TypeHierarchyItem, error) {
	return b.typeHierarchyStep(ctx, upstreamID, item, "typeHierarchy/supertypes")
}

// Subtypes implements "typeHierarchy/subtypes".
func (b *Bridge) Subtypes(ctx context.Context, upstreamID jsonrpc2.ID, item lsptypes.TypeHierarchyItem) ([]lsptypes.TypeHierarchyItem, error) {
	return b.typeHierarchyStep(ctx, upstreamID, item, "typeHierarchy/subtypes")
}

func (b *Bridge) typeHierarchyStep(ctx context.Context, upstreamID jsonrpc2.ID, item lsptypes.TypeHierarchyItem, method string) ([]lsptypes.TypeHierarchyItem, error) {
	t, err := b.resolve(ctx, item.URI, item.Range.Start)
	if err != nil || t == nil {
		return nil, err
	}

	raw, err := b.call(ctx, t, &upstreamID, method, struct {
		Item lsptypes.TypeHierarchyItem `json:"item"`
	}{Item: virtualTypeHierarchyItem(t, item)})
	if err != nil || raw == nil {
		return nil, err
	}

	var items []lsptypes.TypeHierarchyItem
	if err := decodeResult(raw, &items); err != nil {
		return nil, err
	}
	for i := range items {
		translateTypeHierarchyItem(t, &items[i])
	}
	return items, nil
}

// Diagnostics implements the pull model's "textDocument/diagnostic",
// fanning out across every bridged region of the host document and
// merging the translated results into one report (push-model debounced
// diagnostics live in internal/diagnostics; this is the on-demand sibling
// §4.10 also names).
func (b *Bridge) Diagnostics(ctx context.Context, upstreamID jsonrpc2.ID, hostURI lsp.DocumentURI) (*lsptypes.FullDocumentDiagnosticReport, error) {
	targets, err := b.resolveAllRegions(ctx, hostURI)
	if err != nil {
		return nil, err
	}

	report := &lsptypes.FullDocumentDiagnosticReport{Kind: "full"}
	for _, t := range targets {
		raw, err := b.call(ctx, t, &upstreamID, "textDocument/diagnostic", struct {
			TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
		}{TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())}})
		if err != nil || raw == nil {
			continue
		}

		var regionReport lsptypes.FullDocumentDiagnosticReport
		if err := decodeResult(raw, &regionReport); err != nil {
			continue
		}
		for _, d := range regionReport.Items {
			d.Range = translateRange(t.descriptor, d.Range)
			report.Items = append(report.Items, d)
		}
	}
	return report, nil
}
