// Package reqctx threads the upstream request ID through a handler's
// context.Context, standing in for the Rust original's tokio::task_local
// CURRENT_REQUEST_ID (original_source src/lsp/request_id.rs). C14's
// actual job — letting a $/cancelRequest fan out to every downstream call
// it spawned — is done by internal/handlers passing the ID as an
// explicit parameter through call()/RegisterCancelTarget instead (the ID
// is already in hand at every call site, from the method's own request
// params, so there is nothing to recover from context there). WithUpstreamID
// keeps that ID on the context anyway, for any future tracing/logging
// middleware that wants to tag a log line with the upstream request it
// belongs to without threading an extra parameter through every call.
package reqctx

import (
	"context"

	"github.com/sourcegraph/jsonrpc2"
)

type upstreamIDKey struct{}

// WithUpstreamID returns a child context carrying id, set once by the
// server's dispatch loop before calling into internal/handlers.
func WithUpstreamID(ctx context.Context, id jsonrpc2.ID) context.Context {
	return context.WithValue(ctx, upstreamIDKey{}, id)
}
