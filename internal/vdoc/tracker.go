package vdoc

import (
	"sync"

	"github.com/sourcegraph/go-langserver/pkg/lsp"
)

// OpenedVirtualDoc describes a virtual document evicted from the tracker,
// returned so the caller can decide whether a downstream didClose is owed
// (only if it had actually been opened downstream).
type OpenedVirtualDoc struct {
	VirtualURI string
	HostURI    lsp.DocumentURI
	RegionID   string
	Language   string
	WasOpened  bool
}

type versionEntry struct {
	version  int32
	hostURI  lsp.DocumentURI
	regionID string
	language string
	text     string // last text actually sent downstream, via didOpen or didChange
}

// Tracker is C8: per-connection state tracking which virtual documents
// have been opened downstream, their version counters, and the host→virtual
// index. Per §4.8's lock-order contract, document_versions is always
// locked before host_to_virtual; the opened-set lock is independent and
// never held together with either.
type Tracker struct {
	versionsMu     sync.Mutex
	versions       map[string]*versionEntry // virtual URI -> entry
	hostToVirtualMu sync.Mutex
	hostToVirtual  map[lsp.DocumentURI]map[string]struct{}

	openedMu sync.RWMutex
	opened   map[string]bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		versions:      make(map[string]*versionEntry),
		hostToVirtual: make(map[lsp.DocumentURI]map[string]struct{}),
		opened:        make(map[string]bool),
	}
}

// ShouldSendDidOpen atomically reserves version 1 and the host→virtual
// mapping for virtualURI if it is not already tracked, returning true only
// the first time this is called for a given (host, virtual) pair (§4.8).
func (t *Tracker) ShouldSendDidOpen(hostURI lsp.DocumentURI, virtualURI, regionID, language string) bool {
	t.versionsMu.Lock()
	if _, exists := t.versions[virtualURI]; exists {
		t.versionsMu.Unlock()
		return false
	}
	t.versions[virtualURI] = &versionEntry{version: 1, hostURI: hostURI, regionID: regionID, language: language}
	t.versionsMu.Unlock()

	t.hostToVirtualMu.Lock()
	set, ok := t.hostToVirtual[hostURI]
	if !ok {
		set = make(map[string]struct{})
		t.hostToVirtual[hostURI] = set
	}
	set[virtualURI] = struct{}{}
	t.hostToVirtualMu.Unlock()

	return true
}

// MarkDocumentOpened sets the "downstream knows about this URI" flag. Must
// only be called after the didOpen frame has actually been written.
func (t *Tracker) MarkDocumentOpened(virtualURI string) {
	t.openedMu.Lock()
	defer t.openedMu.Unlock()
	t.opened[virtualURI] = true
}

// IsDocumentOpened is a fast synchronous read of the opened flag. Request
// handlers must check this before sending anything but didOpen (invariant 2
// of §8).
func (t *Tracker) IsDocumentOpened(virtualURI string) bool {
	t.openedMu.RLock()
	defer t.openedMu.RUnlock()
	return t.opened[virtualURI]
}

// SetSentText records text as the most recent content actually written
// downstream for virtualURI (called once right after a didOpen succeeds).
// It is a no-op if virtualURI is not tracked.
func (t *Tracker) SetSentText(virtualURI, text string) {
	t.versionsMu.Lock()
	defer t.versionsMu.Unlock()
	if e, ok := t.versions[virtualURI]; ok {
		e.text = text
	}
}

// IncrementIfTextChanged bumps and returns virtualURI's version only if
// text differs from what was last sent for it, atomically recording text
// as the new baseline. changed is false (and the version left untouched)
// when text is identical to the last send — per spec.md §4.10 step 7b, a
// didChange is only warranted "if the host text has changed since last
// send for this region". ok is false if virtualURI is not tracked.
func (t *Tracker) IncrementIfTextChanged(virtualURI, text string) (version int32, changed bool, ok bool) {
	t.versionsMu.Lock()
	defer t.versionsMu.Unlock()
	e, ok := t.versions[virtualURI]
	if !ok {
		return 0, false, false
	}
	if e.text == text {
		return e.version, false, true
	}
	e.version++
	e.text = text
	return e.version, true, true
}

// CurrentVersion reads the version counter without incrementing it.
func (t *Tracker) CurrentVersion(virtualURI string) (int32, bool) {
	t.versionsMu.Lock()
	defer t.versionsMu.Unlock()
	e, ok := t.versions[virtualURI]
	if !ok {
		return 0, false
	}
	return e.version, true
}

// UntrackDocument removes virtualURI from the version map and the opened
// set. It does not touch host→virtual — that is cleaned by
// RemoveMatchingVirtualDocs/RemoveHostVirtualDocs (§4.8).
func (t *Tracker) UntrackDocument(virtualURI string) {
	t.versionsMu.Lock()
	delete(t.versions, virtualURI)
	t.versionsMu.Unlock()

	t.openedMu.Lock()
	delete(t.opened, virtualURI)
	t.openedMu.Unlock()
}

// RemoveHostVirtualDocs evicts every virtual document tracked for hostURI
// (used on host didClose).
func (t *Tracker) RemoveHostVirtualDocs(hostURI lsp.DocumentURI) []OpenedVirtualDoc {
	t.versionsMu.Lock()
	t.hostToVirtualMu.Lock()
	set := t.hostToVirtual[hostURI]
	delete(t.hostToVirtual, hostURI)
	t.hostToVirtualMu.Unlock()

	out := make([]OpenedVirtualDoc, 0, len(set))
	for v := range set {
		e, ok := t.versions[v]
		regionID, language := "", ""
		if ok {
			regionID, language = e.regionID, e.language
		}
		delete(t.versions, v)
		out = append(out, OpenedVirtualDoc{VirtualURI: v, HostURI: hostURI, RegionID: regionID, Language: language})
	}
	t.versionsMu.Unlock()

	t.openedMu.Lock()
	for i := range out {
		out[i].WasOpened = t.opened[out[i].VirtualURI]
		delete(t.opened, out[i].VirtualURI)
	}
	t.openedMu.Unlock()

	return out
}

// RemoveMatchingVirtualDocs evicts the virtual documents of hostURI whose
// region ID is in staleRegionIDs — the set the injection resolver (C9)
// determined did not survive re-enumeration. It is atomic against
// concurrent didOpens on the same host (§4.8).
func (t *Tracker) RemoveMatchingVirtualDocs(hostURI lsp.DocumentURI, staleRegionIDs []string) []OpenedVirtualDoc {
	stale := make(map[string]struct{}, len(staleRegionIDs))
	for _, id := range staleRegionIDs {
		stale[id] = struct{}{}
	}

	t.versionsMu.Lock()
	t.hostToVirtualMu.Lock()
	set := t.hostToVirtual[hostURI]

	var toRemove []string
	for v := range set {
		e, ok := t.versions[v]
		if !ok {
			continue
		}
		if _, match := stale[e.regionID]; match {
			toRemove = append(toRemove, v)
		}
	}
	for _, v := range toRemove {
		delete(set, v)
	}
	if len(set) == 0 {
		delete(t.hostToVirtual, hostURI)
	}
	t.hostToVirtualMu.Unlock()

	out := make([]OpenedVirtualDoc, 0, len(toRemove))
	for _, v := range toRemove {
		e := t.versions[v]
		delete(t.versions, v)
		out = append(out, OpenedVirtualDoc{VirtualURI: v, HostURI: hostURI, RegionID: e.regionID, Language: e.language})
	}
	t.versionsMu.Unlock()

	t.openedMu.Lock()
	for i := range out {
		out[i].WasOpened = t.opened[out[i].VirtualURI]
		delete(t.opened, out[i].VirtualURI)
	}
	t.openedMu.Unlock()

	return out
}
