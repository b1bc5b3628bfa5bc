package install

import (
	"sync"
)

// Outcome is the result of a single TryInstall call (original_source
// `InstallOutcome`, trimmed to the subset C10's Go port needs — the
// filesystem layout/data-dir discovery behind Success/AlreadyExists is
// itself out of scope, delegated to the Installer collaborator).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAlreadyExists
	OutcomeAlreadyInstalling
	OutcomeParserFailed
	OutcomeFailed
)

// ShouldSkipParse reports whether the caller should not attempt to parse
// immediately after this outcome (a reload elsewhere will handle it, or
// another task is already installing).
func (o Outcome) ShouldSkipParse() bool {
	switch o {
	case OutcomeSuccess, OutcomeAlreadyExists, OutcomeAlreadyInstalling:
		return true
	default:
		return false
	}
}

// EventKind identifies what an Event reports.
type EventKind int

const (
	EventLog EventKind = iota
	EventProgressBegin
	EventProgressEnd
)

// Event is something the manager wants the caller to relay to the
// upstream client (window/logMessage, $/progress). The manager never
// talks to the upstream connection itself — it only returns events,
// keeping it testable without any LSP machinery (matches the isolation
// rationale in original_source's manager.rs doc comment).
type Event struct {
	Kind    EventKind
	Message string
	Success bool // valid for EventProgressEnd
}

// Installer is the out-of-scope collaborator that actually fetches and
// builds a parser for a language. Its filesystem layout and build
// mechanics are plumbing the spec does not define.
type Installer interface {
	Install(language string) error
}

// Result is what TryInstall returns: the outcome plus the events to
// relay.
type Result struct {
	Outcome Outcome
	Events  []Event
}

// Manager is C10: it dedups concurrent install attempts per language,
// consults and updates the failed-parser Registry, and runs the
// Installer, all without any direct I/O to the upstream connection.
type Manager struct {
	installer Installer
	failed    *Registry

	mu         sync.Mutex
	installing map[string]bool
}

// NewManager wraps installer (external) and registry (C15).
func NewManager(installer Installer, registry *Registry) *Manager {
	return &Manager{
		installer:  installer,
		failed:     registry,
		installing: make(map[string]bool),
	}
}

// IsParserFailed is the pool's pre-flight check (§4.9 "Failed-parser
// interaction"): true means the handler should skip this language
// entirely rather than hand work to a connection for it.
func (m *Manager) IsParserFailed(language string) bool {
	return m.failed.IsFailed(language)
}

// BeginParsing and EndParsing bracket an actual host-side Tree-sitter
// parse invocation (internal/hostdoc, around the Parser collaborator
// call) — not installation. A language left "in progress" (no matching
// EndParsing) when PersistState runs at graceful shutdown is marked failed
// on the next startup; nothing reaches disk if the process dies inside a
// parse.
func (m *Manager) BeginParsing(language string) { m.failed.BeginParsing(language) }
func (m *Manager) EndParsing(language string)   { m.failed.EndParsing(language) }

// PersistState flushes in-progress parsing languages to the crash-witness
// file. Call on graceful shutdown only (§6).
func (m *Manager) PersistState() error { return m.failed.PersistState() }

// TryInstall attempts to install language, deduplicating against any
// install already in flight for the same language.
func (m *Manager) TryInstall(language string) Result {
	if m.failed.IsFailed(language) {
		return Result{Outcome: OutcomeParserFailed}
	}

	m.mu.Lock()
	if m.installing[language] {
		m.mu.Unlock()
		return Result{Outcome: OutcomeAlreadyInstalling}
	}
	m.installing[language] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.installing, language)
		m.mu.Unlock()
	}()

	events := []Event{{Kind: EventProgressBegin}}

	err := m.installer.Install(language)

	if err != nil {
		events = append(events,
			Event{Kind: EventLog, Message: "parser install failed for " + language + ": " + err.Error()},
			Event{Kind: EventProgressEnd, Success: false},
		)
		_ = m.failed.MarkFailed(language)
		return Result{Outcome: OutcomeFailed, Events: events}
	}

	events = append(events, Event{Kind: EventProgressEnd, Success: true})
	return Result{Outcome: OutcomeSuccess, Events: events}
}
