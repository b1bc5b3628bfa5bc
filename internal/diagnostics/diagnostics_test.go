package diagnostics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sourcegraph/go-langserver/pkg/lsp"
)

type fakeCollector struct {
	mu    sync.Mutex
	calls []Region
	diags map[string][]lsp.Diagnostic
	err   map[string]error
	delay time.Duration
}

func (c *fakeCollector) Collect(ctx context.Context, hostURI lsp.DocumentURI, region Region) ([]lsp.Diagnostic, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	c.calls = append(c.calls, region)
	c.mu.Unlock()
	if err, ok := c.err[region.RegionID]; ok {
		return nil, err
	}
	return c.diags[region.RegionID], nil
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
}

type published struct {
	uri   lsp.DocumentURI
	diags []lsp.Diagnostic
}

func (p *fakePublisher) Publish(hostURI lsp.DocumentURI, diags []lsp.Diagnostic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, published{uri: hostURI, diags: diags})
}

func (p *fakePublisher) last() (published, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return published{}, false
	}
	return p.calls[len(p.calls)-1], true
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fakeLister struct {
	regions []Region
}

func (l fakeLister) Regions(hostURI lsp.DocumentURI) []Region { return l.regions }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestOnOpenOrSaveMergesAllRegionDiagnostics(t *testing.T) {
	collector := &fakeCollector{diags: map[string][]lsp.Diagnostic{
		"r1": {{Message: "lua issue"}},
		"r2": {{Message: "sql issue"}},
	}}
	pub := &fakePublisher{}
	lister := fakeLister{regions: []Region{{Language: "lua", RegionID: "r1"}, {Language: "sql", RegionID: "r2"}}}
	m := NewManager(collector, pub, lister, 10*time.Millisecond)

	m.OnOpenOrSave(context.Background(), "file:///a.md")

	waitFor(t, time.Second, func() bool { return pub.count() == 1 })
	last, _ := pub.last()
	if len(last.diags) != 2 {
		t.Fatalf("published diags = %+v, want 2 merged", last.diags)
	}
}

func TestOnOpenOrSaveWithNoRegionsPublishesNil(t *testing.T) {
	collector := &fakeCollector{}
	pub := &fakePublisher{}
	m := NewManager(collector, pub, fakeLister{}, 10*time.Millisecond)

	m.OnOpenOrSave(context.Background(), "file:///a.md")

	waitFor(t, time.Second, func() bool { return pub.count() == 1 })
	last, _ := pub.last()
	if last.diags != nil {
		t.Fatalf("diags = %+v, want nil", last.diags)
	}
}

func TestCollectorErrorDoesNotBlockOtherRegions(t *testing.T) {
	collector := &fakeCollector{
		diags: map[string][]lsp.Diagnostic{"r2": {{Message: "ok"}}},
		err:   map[string]error{"r1": errors.New("downstream exploded")},
	}
	pub := &fakePublisher{}
	lister := fakeLister{regions: []Region{{Language: "lua", RegionID: "r1"}, {Language: "sql", RegionID: "r2"}}}
	m := NewManager(collector, pub, lister, 10*time.Millisecond)

	m.OnOpenOrSave(context.Background(), "file:///a.md")

	waitFor(t, time.Second, func() bool { return pub.count() == 1 })
	last, _ := pub.last()
	if len(last.diags) != 1 || last.diags[0].Message != "ok" {
		t.Fatalf("diags = %+v, want only region r2's diagnostic", last.diags)
	}
}

func TestOnChangeDebouncesAndOnlyFiresOnce(t *testing.T) {
	collector := &fakeCollector{diags: map[string][]lsp.Diagnostic{"r1": {{Message: "x"}}}}
	pub := &fakePublisher{}
	lister := fakeLister{regions: []Region{{Language: "lua", RegionID: "r1"}}}
	m := NewManager(collector, pub, lister, 30*time.Millisecond)

	ctx := context.Background()
	m.OnChange(ctx, "file:///a.md")
	time.Sleep(10 * time.Millisecond)
	m.OnChange(ctx, "file:///a.md") // supersedes the first timer before it fires
	time.Sleep(10 * time.Millisecond)
	m.OnChange(ctx, "file:///a.md") // supersedes again

	if pub.count() != 0 {
		t.Fatalf("publish fired before debounce settled: %d calls", pub.count())
	}

	waitFor(t, time.Second, func() bool { return pub.count() == 1 })
	time.Sleep(50 * time.Millisecond)
	if pub.count() != 1 {
		t.Fatalf("expected exactly one publish after settling, got %d", pub.count())
	}
}

func TestOnCloseCancelsPendingTimer(t *testing.T) {
	collector := &fakeCollector{}
	pub := &fakePublisher{}
	lister := fakeLister{regions: []Region{{Language: "lua", RegionID: "r1"}}}
	m := NewManager(collector, pub, lister, 20*time.Millisecond)

	m.OnChange(context.Background(), "file:///a.md")
	m.OnClose("file:///a.md")

	time.Sleep(60 * time.Millisecond)
	if pub.count() != 0 {
		t.Fatalf("expected no publish after OnClose cancelled the pending timer, got %d", pub.count())
	}
}

func TestOnChangeSupersedesInFlightCollection(t *testing.T) {
	collector := &fakeCollector{delay: 100 * time.Millisecond, diags: map[string][]lsp.Diagnostic{"r1": {{Message: "stale"}}}}
	pub := &fakePublisher{}
	lister := fakeLister{regions: []Region{{Language: "lua", RegionID: "r1"}}}
	m := NewManager(collector, pub, lister, 5*time.Millisecond)

	ctx := context.Background()
	m.OnOpenOrSave(ctx, "file:///a.md") // starts a slow collection immediately
	time.Sleep(10 * time.Millisecond)
	m.OnChange(ctx, "file:///a.md") // cancels the in-flight task before it finishes

	time.Sleep(200 * time.Millisecond)
	// The first (cancelled) collection must not have published; the debounced
	// one following OnChange republishes once the (still slow) collector
	// finally returns for the new task.
	if pub.count() > 1 {
		t.Fatalf("expected at most one publish, got %d", pub.count())
	}
}
