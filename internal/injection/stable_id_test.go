package injection

import (
	"testing"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

type fakeQuery struct {
	regions []RawRegion
	err     error
}

func (f fakeQuery) Run(tree *tree_sitter.Tree, text []byte) ([]RawRegion, error) {
	return f.regions, f.err
}

func TestResolveAssignsStableIDsAcrossOverlap(t *testing.T) {
	text := []byte("```lua\nlocal x = 1\n```\n")
	raw := []RawRegion{{Language: "lua", Ranges: []ByteRange{{StartByte: 7, EndByte: 19}}}}
	r := NewResolver(fakeQuery{regions: raw})

	first, stale, err := r.Resolve(nil, text, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(first) != 1 || len(stale) != 0 {
		t.Fatalf("first Resolve() = %+v, stale %+v", first, stale)
	}
	id := first[0].ID
	if id == "" {
		t.Fatalf("expected a non-empty region ID")
	}

	// Re-resolve against a slightly shifted but overlapping range — same
	// logical region, must keep the same ID.
	raw2 := []RawRegion{{Language: "lua", Ranges: []ByteRange{{StartByte: 7, EndByte: 20}}}}
	r2 := NewResolver(fakeQuery{regions: raw2})
	second, stale2, err := r2.Resolve(nil, text, first)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("second Resolve() = %+v", second)
	}
	if second[0].ID != id {
		t.Fatalf("region ID changed across overlapping re-resolve: %q -> %q", id, second[0].ID)
	}
	if len(stale2) != 0 {
		t.Fatalf("expected no stale IDs, got %v", stale2)
	}
}

func TestResolveContentHashFallbackWhenNoOverlap(t *testing.T) {
	text := []byte("local x = 1\n\n\nlocal x = 1\n")
	prior := []Region{{ID: "orig", Language: "lua", Ranges: []ByteRange{{StartByte: 0, EndByte: 12}}}}

	// The region moved (no byte overlap with prior) but its content is
	// identical, so content-hash matching should reuse the prior ID.
	raw := []RawRegion{{Language: "lua", Ranges: []ByteRange{{StartByte: 14, EndByte: 26}}}}
	r := NewResolver(fakeQuery{regions: raw})

	result, stale, err := r.Resolve(nil, text, prior)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result) != 1 || result[0].ID != "orig" {
		t.Fatalf("result = %+v, want ID reused from prior", result)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale IDs, got %v", stale)
	}
}

func TestResolveMintsNewIDWhenNoMatch(t *testing.T) {
	text := []byte("local x = 1\nlocal y = 2\n")
	prior := []Region{{ID: "orig", Language: "lua", Ranges: []ByteRange{{StartByte: 0, EndByte: 12}}}}
	raw := []RawRegion{{Language: "python", Ranges: []ByteRange{{StartByte: 12, EndByte: 24}}}}
	r := NewResolver(fakeQuery{regions: raw})

	result, stale, err := r.Resolve(nil, text, prior)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result) != 1 || result[0].ID == "orig" {
		t.Fatalf("expected a freshly minted ID, got %+v", result)
	}
	if len(stale) != 1 || stale[0] != "orig" {
		t.Fatalf("expected prior region to be reported stale, got %v", stale)
	}
}

func TestResolveFiltersZeroLengthRegions(t *testing.T) {
	raw := []RawRegion{{Language: "lua", Ranges: []ByteRange{{StartByte: 5, EndByte: 5}}}}
	r := NewResolver(fakeQuery{regions: raw})

	result, _, err := r.Resolve(nil, []byte("abcdef"), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("expected zero-length region to be filtered, got %+v", result)
	}
}
