// Package vdoc implements the virtual-document URI scheme (C7) and the
// per-connection document tracker (C8) of spec §4.7/§4.8.
package vdoc

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"

	"github.com/sourcegraph/go-langserver/pkg/lsp"
)

// VirtualPrefix is the strict prefix that distinguishes a virtual document
// URI from a real file, per §4.7.
const VirtualPrefix = "file:///.tree-sitter-ls/"

// extByLanguage is the fixed language→extension table of §6. Languages not
// listed here fall back to "txt".
var extByLanguage = map[string]string{
	"lua":        "lua",
	"python":     "py",
	"rust":       "rs",
	"javascript": "js",
	"typescript": "ts",
	"go":         "go",
	"c":          "c",
	"cpp":        "cpp",
	"java":       "java",
	"ruby":       "rb",
	"php":        "php",
	"bash":       "sh",
	"sh":         "sh",
	"markdown":   "md",
	"yaml":       "yaml",
	"json":       "json",
	"html":       "html",
	"css":        "css",
	"sql":        "sql",
}

// Extension returns the file extension the virtual-document encoding uses
// for language, or "txt" for anything not in the table.
func Extension(language string) string {
	if ext, ok := extByLanguage[language]; ok {
		return ext
	}
	return "txt"
}

// URI is the value type of C7: (host URI, language, region ID). It is kept
// alongside its encoded string wherever needed; the core never parses the
// string back into this triple (§4.7).
type URI struct {
	HostURI  lsp.DocumentURI
	Language string
	RegionID string // a ULID string, per spec.md glossary
}

// New constructs a virtual document URI triple.
func New(hostURI lsp.DocumentURI, language, regionID string) URI {
	return URI{HostURI: hostURI, Language: language, RegionID: regionID}
}

// String encodes u deterministically:
// file:///.tree-sitter-ls/<hex(hash(host))>/<percent-encoded region id>.<ext>
// Equal inputs produce equal strings; distinct host URIs produce distinct
// strings except for the (harmless, expected) case of hash collisions —
// this is not a cryptographic hash (§4.7).
func (u URI) String() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(u.HostURI))
	hostHash := fmt.Sprintf("%016x", h.Sum64())

	encodedID := url.PathEscape(u.RegionID)
	ext := Extension(u.Language)

	var b strings.Builder
	b.WriteString(VirtualPrefix)
	b.WriteString(hostHash)
	b.WriteByte('/')
	b.WriteString(encodedID)
	b.WriteByte('.')
	b.WriteString(ext)
	return b.String()
}

// IsVirtualURI is the pure prefix check of §4.7/§6.
func IsVirtualURI(s string) bool {
	return strings.HasPrefix(s, VirtualPrefix)
}

// IsVirtualDocumentURI is a typed convenience over lsp.DocumentURI.
func IsVirtualDocumentURI(u lsp.DocumentURI) bool {
	return IsVirtualURI(string(u))
}
