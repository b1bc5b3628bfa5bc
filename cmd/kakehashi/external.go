package main

import (
	"github.com/sourcegraph/go-langserver/pkg/lsp"

	"github.com/atusy/kakehashi/internal/injection"
)

// Tree-sitter parsing, injection-query loading, language detection, and
// parser installation are all out of scope for this module (§1): it
// consumes them as collaborator interfaces (hostdoc.Parser,
// handlers.QueryProvider, install.Installer) and defines none of their
// mechanics. The three stubs below are the seam a real build wires a
// Tree-sitter/query-loading subsystem into; they let the bridge start up
// and serve every LSP method against host documents with no injection
// regions, rather than leaving cmd/kakehashi unable to construct a
// hostdoc.Store/handlers.Bridge/install.Manager at all.

// noParser reports every document as having no detected language and
// never produces a tree, so the injection resolver is never invoked.
type noParser struct{}

func (noParser) Parse(language string, text []byte, previous *injection.Tree) (*injection.Tree, error) {
	return nil, nil
}

func (noParser) DetectLanguage(uri lsp.DocumentURI, text []byte) string {
	return ""
}

// noQueries reports no injection query for any host language, which is
// consistent with noParser never producing a tree to run one against.
type noQueries struct{}

func (noQueries) QueryFor(hostLanguage string) (injection.InjectionQuery, bool) {
	return nil, false
}

// noInstaller refuses every install attempt. Until a real parser-fetching
// backend is wired in, autoInstall (§6) can be requested but never
// succeeds; TryInstall's registry bookkeeping still behaves correctly
// around that failure.
type noInstaller struct{}

func (noInstaller) Install(language string) error {
	return errInstallUnavailable(language)
}

type errInstallUnavailable string

func (e errInstallUnavailable) Error() string {
	return "no parser installer wired for language " + string(e)
}
