package injection

import tree_sitter "github.com/tree-sitter/go-tree-sitter"

// Tree is the out-of-scope collaborator's parse tree type (§1: Tree-sitter
// parsing itself is plumbing). This package only ever reads byte ranges out
// of it via an InjectionQuery; it never constructs or edits one.
type Tree = tree_sitter.Tree

// Point is re-exported for callers that need to report tree-sitter
// row/column positions alongside this package's byte-oriented ByteRange
// (e.g. logging); the core's coordinate math is entirely byte/UTF-16 based
// per §4.12 and never consumes Point directly.
type Point = tree_sitter.Point
