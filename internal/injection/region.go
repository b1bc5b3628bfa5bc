// Package injection implements C9: pure enumeration of injection regions
// from a host Tree-sitter tree, sticky region-ID assignment across edits,
// and the cacheable region descriptor used to translate host↔virtual
// coordinates (spec §3 "Injection region"/"Cacheable region descriptor",
// §4.12).
//
// Tree-sitter parsing, query loading, and language detection are out of
// scope (§1): this package only consumes an already-parsed tree and an
// already-loaded query through the InjectionQuery collaborator interface.
package injection

import (
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

// ByteRange is a half-open [Start, End) byte span inside a document.
type ByteRange struct {
	StartByte uint32
	EndByte   uint32
}

// Len returns the number of bytes spanned.
func (b ByteRange) Len() uint32 { return b.EndByte - b.StartByte }

// Overlaps reports whether b and other share at least one byte.
func (b ByteRange) Overlaps(other ByteRange) bool {
	return b.StartByte < other.EndByte && other.StartByte < b.EndByte
}

// FromTSRange converts a tree-sitter range into a ByteRange, discarding the
// point (row/column) information the core does not need at this layer.
func FromTSRange(r tree_sitter.Range) ByteRange {
	return ByteRange{StartByte: r.StartByte, EndByte: r.EndByte}
}

// RawRegion is what the (out-of-scope) injection query returns: a language
// name and its ordered, non-overlapping content-node byte ranges, with no
// identity yet assigned.
type RawRegion struct {
	Language string
	Ranges   []ByteRange
}

// PrimaryRange returns the bounding range across all of r's ranges, used
// as the anchor for sticky ID matching.
func (r RawRegion) PrimaryRange() ByteRange {
	if len(r.Ranges) == 0 {
		return ByteRange{}
	}
	out := r.Ranges[0]
	for _, rg := range r.Ranges[1:] {
		if rg.StartByte < out.StartByte {
			out.StartByte = rg.StartByte
		}
		if rg.EndByte > out.EndByte {
			out.EndByte = rg.EndByte
		}
	}
	return out
}

// Region is a RawRegion with a stable identity assigned (spec §3
// "Injection region"): a ULID that persists across edits unless the
// region's identity changes.
type Region struct {
	ID       string
	Language string
	Ranges   []ByteRange
}

// PrimaryRange mirrors RawRegion.PrimaryRange for an identified Region.
func (r Region) PrimaryRange() ByteRange {
	return RawRegion{Ranges: r.Ranges}.PrimaryRange()
}

// InjectionQuery is the out-of-scope collaborator (§1: "query loading...
// are leaf algorithms"): given a parsed tree and the document text, it
// returns the raw, unidentified regions. Query grammar and combination
// semantics are not defined by this package.
type InjectionQuery interface {
	Run(tree *tree_sitter.Tree, text []byte) ([]RawRegion, error)
}

// ErrQueryInvalid is returned by an InjectionQuery implementation (or
// wrapped by one) when query construction/combination fails. Per §9's
// "combination failed" note, this is folded into one generic error rather
// than a family of specific ones — the core has no reliable trigger to
// distinguish them and no behavior depends on which one occurred.
type ErrQueryInvalid struct{ Reason string }

func (e *ErrQueryInvalid) Error() string { return "injection: query invalid: " + e.Reason }
