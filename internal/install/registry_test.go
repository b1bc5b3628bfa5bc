package install

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMarkFailedPersistsAndIsFailedReflectsIt(t *testing.T) {
	r := NewRegistry(t.TempDir())
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if r.IsFailed("lua") {
		t.Fatalf("lua should not be failed on a fresh registry")
	}

	if err := r.MarkFailed("lua"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if !r.IsFailed("lua") {
		t.Fatalf("lua should be failed after MarkFailed")
	}

	if err := r.ClearFailed("lua"); err != nil {
		t.Fatalf("ClearFailed: %v", err)
	}
	if r.IsFailed("lua") {
		t.Fatalf("lua should not be failed after ClearFailed")
	}
}

func TestFailedParsersPersistsAcrossNewRegistryInstances(t *testing.T) {
	dir := t.TempDir()
	r1 := NewRegistry(dir)
	if err := r1.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	r1.MarkFailed("python")
	r1.MarkFailed("lua")

	r2 := NewRegistry(dir)
	if err := r2.Init(); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	got := r2.FailedParsers()
	if len(got) != 2 || got[0] != "lua" || got[1] != "python" {
		t.Fatalf("FailedParsers() = %v, want [lua python] sorted", got)
	}
}

func TestInitRecoversFromParsingInProgressWitness(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	witness := filepath.Join(dir, parsingInProgressFile)
	if err := os.WriteFile(witness, []byte("sql\n"), 0o644); err != nil {
		t.Fatalf("writing witness file: %v", err)
	}

	r := NewRegistry(dir)
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !r.IsFailed("sql") {
		t.Fatalf("sql should be marked failed after crash recovery")
	}
	if _, err := os.Stat(witness); !os.IsNotExist(err) {
		t.Fatalf("witness file should be removed after recovery, stat err = %v", err)
	}
}

func TestBeginEndParsingCounterAndPersistState(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	r.BeginParsing("lua")
	r.BeginParsing("lua") // nested call, e.g. a reentrant parse

	if err := r.PersistState(); err != nil {
		t.Fatalf("PersistState: %v", err)
	}
	witness := filepath.Join(dir, parsingInProgressFile)
	data, err := os.ReadFile(witness)
	if err != nil {
		t.Fatalf("reading witness after PersistState: %v", err)
	}
	if string(data) != "lua" {
		t.Fatalf("witness contents = %q, want %q", data, "lua")
	}

	r.EndParsing("lua")
	r.EndParsing("lua")

	// PersistState is a no-op once nothing is mid-parse (it only writes a
	// witness file, never removes one) — the stale witness from the first
	// call is left in place rather than rewritten.
	if err := r.PersistState(); err != nil {
		t.Fatalf("second PersistState: %v", err)
	}
	data, err = os.ReadFile(witness)
	if err != nil {
		t.Fatalf("reading witness after second PersistState: %v", err)
	}
	if string(data) != "lua" {
		t.Fatalf("witness contents = %q, want unchanged %q", data, "lua")
	}
}

func TestPersistStateWithNothingInProgressWritesNoFile(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.PersistState(); err != nil {
		t.Fatalf("PersistState: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, parsingInProgressFile)); !os.IsNotExist(err) {
		t.Fatalf("expected no witness file, stat err = %v", err)
	}
}
