package injection

import (
	"crypto/rand"
	"hash/fnv"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// Resolver enumerates regions and assigns them sticky IDs across
// re-parses. It is the in-scope half of C9 — the InjectionQuery it wraps
// is the out-of-scope leaf algorithm (§1).
type Resolver struct {
	query InjectionQuery
}

// NewResolver wraps query (the external, already-loaded injection query)
// with region-identity tracking.
func NewResolver(query InjectionQuery) *Resolver {
	return &Resolver{query: query}
}

// Resolve runs the query over tree/text and assigns IDs to the resulting
// regions, reusing IDs from prior whenever the stickiness heuristic (below)
// says the region is "the same one". It returns the new region set plus the
// IDs from prior that were not reused — callers (C8, via
// Tracker.RemoveMatchingVirtualDocs) must didClose those.
//
// Stickiness heuristic (spec.md §9 Open Question, resolved explicitly):
// for each raw region, among prior regions of the same language, prefer one
// whose primary byte range overlaps the raw region's primary byte range
// (ties broken by closest start offset); if none overlaps, fall back to an
// exact content-hash match (FNV-1a over the concatenated extracted bytes);
// otherwise mint a new ULID. Each prior region is consumed by at most one
// match.
func (r *Resolver) Resolve(tree *tree_sitter.Tree, text []byte, prior []Region) ([]Region, []string, error) {
	raw, err := r.query.Run(tree, text)
	if err != nil {
		return nil, nil, err
	}

	consumed := make(map[int]bool, len(prior))
	result := make([]Region, 0, len(raw))

	for _, rr := range raw {
		if rr.PrimaryRange().Len() == 0 {
			// Zero-length regions are never produced — filtered here per
			// spec.md §8 boundary behavior.
			continue
		}

		idx := bestOverlapMatch(rr, prior, consumed)
		if idx < 0 {
			idx = contentHashMatch(rr, text, prior, consumed)
		}

		var id string
		if idx >= 0 {
			id = prior[idx].ID
			consumed[idx] = true
		} else {
			id = newRegionID()
		}

		result = append(result, Region{ID: id, Language: rr.Language, Ranges: rr.Ranges})
	}

	var stale []string
	for i, p := range prior {
		if !consumed[i] {
			stale = append(stale, p.ID)
		}
	}

	return result, stale, nil
}

func bestOverlapMatch(rr RawRegion, prior []Region, consumed map[int]bool) int {
	primary := rr.PrimaryRange()
	best := -1
	bestDist := uint32(math.MaxUint32)
	for i, p := range prior {
		if consumed[i] || p.Language != rr.Language {
			continue
		}
		pp := p.PrimaryRange()
		if !primary.Overlaps(pp) {
			continue
		}
		dist := absDiff(primary.StartByte, pp.StartByte)
		if dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return best
}

func contentHashMatch(rr RawRegion, text []byte, prior []Region, consumed map[int]bool) int {
	h := contentHash(extract(text, rr.Ranges))
	for i, p := range prior {
		if consumed[i] || p.Language != rr.Language {
			continue
		}
		if contentHash(extract(text, p.Ranges)) == h {
			return i
		}
	}
	return -1
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// extract concatenates the text of each range in order — the same
// operation used to build virtual-document text (§4.12).
func extract(text []byte, ranges []ByteRange) []byte {
	var total int
	for _, rg := range ranges {
		total += int(rg.Len())
	}
	out := make([]byte, 0, total)
	for _, rg := range ranges {
		if int(rg.EndByte) > len(text) || rg.StartByte > rg.EndByte {
			continue
		}
		out = append(out, text[rg.StartByte:rg.EndByte]...)
	}
	return out
}

func contentHash(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func newRegionID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
