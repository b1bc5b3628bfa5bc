package handlers

import (
	"context"

	"github.com/sourcegraph/go-langserver/pkg/lsp"

	"github.com/atusy/kakehashi/internal/diagnostics"
	"github.com/atusy/kakehashi/internal/injection"
	"github.com/atusy/kakehashi/internal/lsptypes"
)

// Collect implements diagnostics.Collector: one region's pull-diagnostics
// request, translated back to host coordinates. internal/diagnostics owns
// debouncing, superseding, and merging; this is the per-region leaf it
// fans out to (§4.11).
func (b *Bridge) Collect(ctx context.Context, hostURI lsp.DocumentURI, region diagnostics.Region) ([]lsp.Diagnostic, error) {
	doc, regions, err := b.currentRegions(ctx, hostURI)
	if err != nil || doc == nil {
		return nil, err
	}
	snap := doc.Snapshot()

	for _, r := range regions {
		if r.ID != region.RegionID {
			continue
		}
		descriptor := injection.BuildDescriptor(snap.Text, r)
		t, err := b.buildTarget(ctx, doc, snap.Text, r, descriptor)
		if err != nil || t == nil {
			return nil, err
		}

		raw, err := b.call(ctx, t, nil, "textDocument/diagnostic", struct {
			TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
		}{TextDocument: lsp.TextDocumentIdentifier{URI: lsp.DocumentURI(t.virtualURI.String())}})
		if err != nil || raw == nil {
			return nil, err
		}

		var report lsptypes.FullDocumentDiagnosticReport
		if err := decodeResult(raw, &report); err != nil {
			return nil, err
		}
		for i := range report.Items {
			report.Items[i].Range = translateRange(t.descriptor, report.Items[i].Range)
		}
		return report.Items, nil
	}
	return nil, nil
}

// Regions implements diagnostics.RegionLister.
func (b *Bridge) Regions(hostURI lsp.DocumentURI) []diagnostics.Region {
	_, regions, err := b.currentRegions(context.Background(), hostURI)
	if err != nil {
		return nil
	}
	out := make([]diagnostics.Region, len(regions))
	for i, r := range regions {
		out[i] = diagnostics.Region{Language: r.Language, RegionID: r.ID}
	}
	return out
}
