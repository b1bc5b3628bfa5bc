// Package diagnostics implements C12: debounced, superseding synthetic
// diagnostics. On host didOpen/didSave it fans a pull-diagnostics request
// out to every injection region's downstream server and publishes the
// merged result; on didChange the same fan-out is debounced per host URI.
package diagnostics

import (
	"context"
	"sync"
	"time"

	"github.com/neelance/parallel"
	"github.com/pkg/errors"
	"github.com/sourcegraph/go-langserver/pkg/lsp"
)

// DefaultDebounce is §4.11's default didChange debounce interval.
const DefaultDebounce = 500 * time.Millisecond

// sweepThreshold is when the opportunistic cleanup pass runs (§4.11:
// "e.g., 32").
const sweepThreshold = 32

// Region is the subset of an injection region a diagnostic fan-out needs:
// enough to address one downstream pull-diagnostics call.
type Region struct {
	Language string
	RegionID string
}

// Collector runs one region's pull-diagnostics request and returns
// host-coordinate diagnostics. Translation (virtual→host positions) is
// internal/handlers' concern; this package only calls it and merges
// results.
type Collector interface {
	Collect(ctx context.Context, hostURI lsp.DocumentURI, region Region) ([]lsp.Diagnostic, error)
}

// Publisher sends the merged publishDiagnostics notification upstream.
type Publisher interface {
	Publish(hostURI lsp.DocumentURI, diags []lsp.Diagnostic)
}

// RegionLister enumerates a host document's current injection regions.
type RegionLister interface {
	Regions(hostURI lsp.DocumentURI) []Region
}

// entry is the per-host-URI debounce/superseding state.
type entry struct {
	timer  *time.Timer
	cancel context.CancelFunc // aborts the currently-running collection task, if any
	done   bool               // true once its collection task has returned
}

// Manager owns one entry per host URI with in-flight or pending
// diagnostic work (§4.11).
type Manager struct {
	collector Collector
	publisher Publisher
	lister    RegionLister
	debounce  time.Duration

	mu      sync.Mutex
	entries map[lsp.DocumentURI]*entry
}

// NewManager wires the collaborators. debounce <= 0 uses DefaultDebounce.
func NewManager(collector Collector, publisher Publisher, lister RegionLister, debounce time.Duration) *Manager {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Manager{
		collector: collector,
		publisher: publisher,
		lister:    lister,
		debounce:  debounce,
		entries:   make(map[lsp.DocumentURI]*entry),
	}
}

// OnOpenOrSave starts the fan-out immediately (no debounce) as a
// background task, superseding any task already running for hostURI.
func (m *Manager) OnOpenOrSave(ctx context.Context, hostURI lsp.DocumentURI) {
	m.supersede(hostURI)
	go m.startCollection(ctx, hostURI)
}

// OnChange (re)starts hostURI's debounce timer, cancelling any pending
// timer and any in-flight collection task — the most recent edit always
// wins (§4.11 "Task superseding").
func (m *Manager) OnChange(ctx context.Context, hostURI lsp.DocumentURI) {
	m.supersede(hostURI)

	m.mu.Lock()
	e := &entry{}
	m.entries[hostURI] = e
	needsSweep := len(m.entries) > sweepThreshold
	m.mu.Unlock()

	e.timer = time.AfterFunc(m.debounce, func() {
		m.startCollection(ctx, hostURI)
	})

	if needsSweep {
		m.sweep()
	}
}

// OnClose cancels and removes hostURI's timer and task (§4.11).
func (m *Manager) OnClose(hostURI lsp.DocumentURI) {
	m.mu.Lock()
	e, ok := m.entries[hostURI]
	delete(m.entries, hostURI)
	m.mu.Unlock()

	if ok {
		stopEntry(e)
	}
}

// supersede cancels hostURI's existing timer/task, if any, without
// removing the map entry (the caller installs a fresh one right after).
func (m *Manager) supersede(hostURI lsp.DocumentURI) {
	m.mu.Lock()
	e, ok := m.entries[hostURI]
	m.mu.Unlock()
	if ok {
		stopEntry(e)
	}
}

func stopEntry(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// startCollection runs the fan-out for hostURI and publishes the merged
// result, tracking its CancelFunc so a later supersede can abort it.
func (m *Manager) startCollection(ctx context.Context, hostURI lsp.DocumentURI) {
	taskCtx, cancel := context.WithCancel(ctx)

	e := &entry{cancel: cancel}
	m.mu.Lock()
	m.entries[hostURI] = e
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.entries[hostURI] == e {
			e.done = true
		}
		m.mu.Unlock()
	}()

	regions := m.lister.Regions(hostURI)
	if len(regions) == 0 {
		m.publisher.Publish(hostURI, nil)
		return
	}

	var mu sync.Mutex
	var merged []lsp.Diagnostic

	run := parallel.NewRun(len(regions))
	for _, r := range regions {
		r := r
		run.Acquire()
		go func() {
			defer run.Release()
			diags, err := m.collector.Collect(taskCtx, hostURI, r)
			if err != nil {
				if taskCtx.Err() != nil {
					return // superseded or closed; not a real error
				}
				run.Error(errors.Wrapf(err, "diagnostics: region %s", r.RegionID))
				return
			}
			mu.Lock()
			merged = append(merged, diags...)
			mu.Unlock()
		}()
	}
	_ = run.Wait() // best-effort: a failed region just contributes no diagnostics

	if taskCtx.Err() != nil {
		return // superseded before completion; the newer task owns publishing
	}
	m.publisher.Publish(hostURI, merged)
}

// sweep drops finished entries once the map grows past sweepThreshold
// (§4.11 "Opportunistic cleanup").
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uri, e := range m.entries {
		if e.done && e.timer == nil {
			delete(m.entries, uri)
		}
	}
}
