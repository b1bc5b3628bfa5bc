// Command kakehashi is an LSP bridge: it sits between an editor and one
// or more downstream language servers, making code embedded in a host
// document (a Lua block in a Markdown file, a SQL string in Python, ...)
// addressable to the editor as if it were its own file, over a single
// stdio connection using the host document's own coordinates.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/atusy/kakehashi/internal/cancelbridge"
	"github.com/atusy/kakehashi/internal/downstream"
	"github.com/atusy/kakehashi/internal/handlers"
	"github.com/atusy/kakehashi/internal/hostdoc"
	"github.com/atusy/kakehashi/internal/install"
	"github.com/atusy/kakehashi/internal/server"
	"github.com/atusy/kakehashi/internal/vdoc"
)

var (
	trace    = flag.Bool("trace", false, "log every JSON-RPC message exchanged over stdio to stderr")
	stateDir = flag.String("stateDir", defaultStateDir(), "directory for the failed-parser crash-witness registry (§6 \"Persisted state\")")
)

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "kakehashi")
	}
	return filepath.Join(os.TempDir(), "kakehashi")
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [OPTIONS]\n\nSpeaks LSP 3.17 over stdio. Options:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	log.SetFlags(log.Flags() | log.Lshortfile)

	registry := install.NewRegistry(*stateDir)
	if err := registry.Init(); err != nil {
		log.Fatalf("initializing failed-parser registry at %q: %s", *stateDir, err)
	}
	installMgr := install.NewManager(noInstaller{}, registry)

	srv := &server.Server{
		Docs:    hostdoc.NewStore(noParser{}, installMgr),
		Tracker: vdoc.NewTracker(),
		Trace:   *trace,
	}
	pool := downstream.NewPool(srv, srv)
	srv.Cancel = cancelbridge.NewBridge(pool)
	srv.Bridge = &handlers.Bridge{
		Docs:    srv.Docs,
		Queries: noQueries{},
		Pool:    pool,
		Tracker: srv.Tracker,
		Cancel:  srv.Cancel,
		Install: installMgr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	shutdown := func() {
		cancel()
		if err := pool.ShutdownAll(context.Background(), downstream.DefaultShutdownDeadline); err != nil {
			log.Printf("shutting down downstream connections: %s", err)
		}
		if err := installMgr.PersistState(); err != nil {
			log.Printf("persisting failed-parser state: %s", err)
		}
	}
	defer shutdown()
	go trapSignalsForShutdown(shutdown)

	if err := srv.Serve(ctx, server.Stdio(os.Stdin, os.Stdout)); err != nil {
		log.Fatal(err)
	}
}

// diagnostics.Manager is constructed lazily by server.Server once
// "initialize" decodes debounceMs (see internal/server/server.go), so it
// has no place in the wiring block above.

func trapSignalsForShutdown(shutdown func()) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	<-c
	go func() {
		<-c
		os.Exit(0)
	}()
	shutdown()
}
