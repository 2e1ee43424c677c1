package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/photomirror/photomirror/internal/source"
	"github.com/photomirror/photomirror/internal/store"
	"github.com/photomirror/photomirror/internal/target"
)

// fakeSource is a scriptable source.Client.
type fakeSource struct {
	mu        sync.Mutex
	items     []source.Item
	listErr   error
	fetchErr  map[string]error
	listCalls int
	// listGate, when set, blocks ListItems until the channel closes.
	listGate chan struct{}
	// listStarted is closed on the first ListItems call when set.
	listStarted chan struct{}
}

func (f *fakeSource) ListItems(ctx context.Context) ([]source.Item, error) {
	f.mu.Lock()
	f.listCalls++
	first := f.listCalls == 1
	gate := f.listGate
	started := f.listStarted
	f.mu.Unlock()

	if first && started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.items, nil
}

func (f *fakeSource) FetchContent(ctx context.Context, item source.Item) ([]byte, error) {
	if err := f.fetchErr[item.ID]; err != nil {
		return nil, err
	}
	return []byte("bytes-of-" + item.ID), nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// fakeTarget is a scriptable target.Client that records every call.
type fakeTarget struct {
	mu sync.Mutex

	authed  bool
	authErr error

	ensureCalls int
	ensureErr   error

	uploads   []string // suggested names in order
	uploadErr error
	nextID    int

	attached []string
	detached []string
	trashed  []string
	purged   []string

	trashErr  error
	detachErr error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{authed: true}
}

func (f *fakeTarget) CheckAuthenticated(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed, f.authErr
}

func (f *fakeTarget) EnsureCollectionExists(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if f.ensureErr != nil {
		return "", f.ensureErr
	}
	return "col-" + name, nil
}

func (f *fakeTarget) Upload(ctx context.Context, data []byte, suggestedName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.nextID++
	f.uploads = append(f.uploads, suggestedName)
	return fmt.Sprintf("tgt-%d", f.nextID), nil
}

func (f *fakeTarget) AttachIfAbsent(ctx context.Context, collectionID string, targetIDs []string) (target.AttachResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res target.AttachResult
	for _, id := range targetIDs {
		already := false
		for _, a := range f.attached {
			if a == id {
				already = true
				break
			}
		}
		if already {
			res.Skipped++
			continue
		}
		f.attached = append(f.attached, id)
		res.Added++
	}
	return res, nil
}

func (f *fakeTarget) Detach(ctx context.Context, collectionID string, targetIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detachErr != nil {
		return f.detachErr
	}
	f.detached = append(f.detached, targetIDs...)
	return nil
}

func (f *fakeTarget) Trash(ctx context.Context, targetIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trashErr != nil {
		return f.trashErr
	}
	f.trashed = append(f.trashed, targetIDs...)
	return nil
}

func (f *fakeTarget) Purge(ctx context.Context, targetIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, targetIDs...)
	return nil
}

// workCalls counts the target calls that move data, excluding the
// per-cycle auth probe.
func (f *fakeTarget) workCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads) + len(f.attached) + len(f.detached) + len(f.trashed) + len(f.purged)
}

func testEngine(t *testing.T, src *fakeSource, tgt *fakeTarget, policy DeletionPolicy) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mappings.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	e, err := New(Config{
		Source:         src,
		Target:         tgt,
		Store:          s,
		CollectionName: "mirror",
		DeletionPolicy: policy,
		Logger:         log.New(os.Stderr, "[engine-test] ", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return e, s
}

func item(id, hash string) source.Item {
	return source.Item{ID: id, ContentHash: hash, Name: id + ".jpg"}
}

func TestRunCycle_AddsNewItems(t *testing.T) {
	src := &fakeSource{items: []source.Item{item("a1", "h1"), item("b1", "h2")}}
	tgt := newFakeTarget()
	e, s := testEngine(t, src, tgt, HardDelete)

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	if len(tgt.uploads) != 2 {
		t.Errorf("uploads = %v, want 2", tgt.uploads)
	}
	for _, id := range []string{"a1", "b1"} {
		if _, err := s.GetBySourceID(context.Background(), id); err != nil {
			t.Errorf("mapping for %s missing: %v", id, err)
		}
	}

	m := e.Metrics()
	if m.LastRun.Added != 2 || !m.LastRun.Success || m.TotalRuns != 1 {
		t.Errorf("metrics = %+v, want added=2 success=true runs=1", m)
	}
	if !m.TargetAuthenticated {
		t.Error("TargetAuthenticated = false, want true")
	}
}

func TestRunCycle_IdempotentRerun(t *testing.T) {
	src := &fakeSource{items: []source.Item{item("a1", "h1")}}
	tgt := newFakeTarget()
	e, _ := testEngine(t, src, tgt, HardDelete)

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle() failed: %v", err)
	}
	before := tgt.workCalls()

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle() failed: %v", err)
	}

	if got := tgt.workCalls(); got != before {
		t.Errorf("second cycle issued %d extra target calls, want 0", got-before)
	}
	m := e.Metrics()
	if m.LastRun.Added != 0 || m.LastRun.Removed != 0 {
		t.Errorf("second run added=%d removed=%d, want 0/0", m.LastRun.Added, m.LastRun.Removed)
	}
}

func TestRunCycle_DedupSharedHash(t *testing.T) {
	src := &fakeSource{items: []source.Item{item("a1", "h"), item("b1", "h")}}
	tgt := newFakeTarget()
	e, s := testEngine(t, src, tgt, HardDelete)

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	if len(tgt.uploads) != 1 {
		t.Fatalf("uploads = %v, want exactly 1 for shared hash", tgt.uploads)
	}

	a, err := s.GetBySourceID(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetBySourceID(a1) failed: %v", err)
	}
	b, err := s.GetBySourceID(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetBySourceID(b1) failed: %v", err)
	}
	if a.TargetID != b.TargetID {
		t.Errorf("target ids differ: %s vs %s, want equal", a.TargetID, b.TargetID)
	}
}

func TestRunCycle_DedupAcrossCycles(t *testing.T) {
	src := &fakeSource{items: []source.Item{item("a1", "h")}}
	tgt := newFakeTarget()
	e, s := testEngine(t, src, tgt, HardDelete)

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("first RunCycle() failed: %v", err)
	}

	src.mu.Lock()
	src.items = append(src.items, item("b1", "h"))
	src.mu.Unlock()

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("second RunCycle() failed: %v", err)
	}

	if len(tgt.uploads) != 1 {
		t.Errorf("uploads = %v, want 1 across both cycles", tgt.uploads)
	}
	a, _ := s.GetBySourceID(context.Background(), "a1")
	b, _ := s.GetBySourceID(context.Background(), "b1")
	if a == nil || b == nil || a.TargetID != b.TargetID {
		t.Errorf("dedup across cycles broken: %+v vs %+v", a, b)
	}
}

func TestRunCycle_HardDeleteRoundTrip(t *testing.T) {
	src := &fakeSource{}
	tgt := newFakeTarget()
	e, s := testEngine(t, src, tgt, HardDelete)

	ctx := context.Background()
	if err := s.Upsert(ctx, store.Mapping{SourceID: "gone", ContentHash: "h", TargetID: "tgt-9"}); err != nil {
		t.Fatalf("seed Upsert() failed: %v", err)
	}

	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	if _, err := s.GetBySourceID(ctx, "gone"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("mapping still present after hard delete: %v", err)
	}
	for name, got := range map[string][]string{
		"detached": tgt.detached,
		"trashed":  tgt.trashed,
		"purged":   tgt.purged,
	} {
		if len(got) != 1 || got[0] != "tgt-9" {
			t.Errorf("%s = %v, want [tgt-9]", name, got)
		}
	}
	if m := e.Metrics(); m.LastRun.Removed != 1 {
		t.Errorf("Removed = %d, want 1", m.LastRun.Removed)
	}
}

func TestRunCycle_AppendOnlyPreservesRows(t *testing.T) {
	src := &fakeSource{}
	tgt := newFakeTarget()
	e, s := testEngine(t, src, tgt, AppendOnly)

	ctx := context.Background()
	if err := s.Upsert(ctx, store.Mapping{SourceID: "kept", ContentHash: "h", TargetID: "tgt-9"}); err != nil {
		t.Fatalf("seed Upsert() failed: %v", err)
	}

	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	if _, err := s.GetBySourceID(ctx, "kept"); err != nil {
		t.Errorf("append-only deleted the mapping: %v", err)
	}
	if n := len(tgt.detached) + len(tgt.trashed) + len(tgt.purged); n != 0 {
		t.Errorf("append-only issued %d removal calls, want 0", n)
	}
	if m := e.Metrics(); m.LastRun.Removed != 0 || !m.LastRun.Success {
		t.Errorf("metrics = %+v, want removed=0 success=true", m.LastRun)
	}
}

func TestRunCycle_PartialFailureIsolation(t *testing.T) {
	src := &fakeSource{
		items:    []source.Item{item("bad", "h1"), item("good", "h2")},
		fetchErr: map[string]error{"bad": errors.New("download exploded")},
	}
	tgt := newFakeTarget()
	e, s := testEngine(t, src, tgt, HardDelete)

	ctx := context.Background()
	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	if _, err := s.GetBySourceID(ctx, "good"); err != nil {
		t.Errorf("good item has no mapping: %v", err)
	}
	if _, err := s.GetBySourceID(ctx, "bad"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("bad item unexpectedly mapped: %v", err)
	}

	m := e.Metrics()
	if !m.LastRun.Success {
		t.Error("per-item failure flipped cycle success to false")
	}
	if m.LastRun.Added != 1 {
		t.Errorf("Added = %d, want 1", m.LastRun.Added)
	}
	if m.TotalFailures != 0 {
		t.Errorf("TotalFailures = %d, want 0", m.TotalFailures)
	}
}

func TestRunCycle_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	src := &fakeSource{
		items:       []source.Item{item("a1", "h1")},
		listGate:    gate,
		listStarted: started,
	}
	tgt := newFakeTarget()
	e, _ := testEngine(t, src, tgt, HardDelete)

	done := make(chan error, 1)
	go func() { done <- e.RunCycle(context.Background()) }()

	<-started
	if err := e.RunCycle(context.Background()); !errors.Is(err, ErrCycleInFlight) {
		t.Errorf("second trigger returned %v, want ErrCycleInFlight", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	if got := src.calls(); got != 1 {
		t.Errorf("ListItems called %d times across both triggers, want 1", got)
	}
}

func TestRunCycle_AuthFailureAbortsWhenWorkRequired(t *testing.T) {
	src := &fakeSource{items: []source.Item{item("a1", "h1")}}
	tgt := newFakeTarget()
	tgt.authed = false
	e, s := testEngine(t, src, tgt, HardDelete)

	err := e.RunCycle(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("RunCycle() = %v, want ErrAuthentication", err)
	}

	if len(tgt.uploads) != 0 {
		t.Errorf("uploads happened despite auth failure: %v", tgt.uploads)
	}
	if rows, _ := s.ListAll(context.Background()); len(rows) != 0 {
		t.Errorf("store gained %d rows despite aborted cycle", len(rows))
	}

	m := e.Metrics()
	if m.LastRun.Success || m.TotalFailures != 1 || m.TargetAuthenticated {
		t.Errorf("metrics = %+v, want failed run with auth=false", m)
	}
}

func TestRunCycle_NoWorkIgnoresBadAuth(t *testing.T) {
	src := &fakeSource{}
	tgt := newFakeTarget()
	tgt.authed = false
	e, _ := testEngine(t, src, tgt, HardDelete)

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("no-op cycle failed on bad auth: %v", err)
	}

	m := e.Metrics()
	if !m.LastRun.Success {
		t.Error("no-op cycle reported failure")
	}
	if m.TargetAuthenticated {
		t.Error("TargetAuthenticated = true, want false after failed probe")
	}
}

func TestRunCycle_SourceUnavailable(t *testing.T) {
	src := &fakeSource{listErr: source.ErrUnavailable}
	tgt := newFakeTarget()
	e, _ := testEngine(t, src, tgt, HardDelete)

	err := e.RunCycle(context.Background())
	if err == nil {
		t.Fatal("RunCycle() succeeded with unavailable source")
	}

	m := e.Metrics()
	if m.LastRun.Success || m.TotalFailures != 1 || m.LastRun.Error == "" {
		t.Errorf("metrics = %+v, want recorded failure", m)
	}
}

func TestRunCycle_RemovalBatchFailureKeepsRows(t *testing.T) {
	src := &fakeSource{}
	tgt := newFakeTarget()
	tgt.trashErr = errors.New("trash endpoint down")
	e, s := testEngine(t, src, tgt, HardDelete)

	ctx := context.Background()
	if err := s.Upsert(ctx, store.Mapping{SourceID: "gone", ContentHash: "h", TargetID: "tgt-9"}); err != nil {
		t.Fatalf("seed Upsert() failed: %v", err)
	}

	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	// Row survives so the next cycle retries the same removal.
	if _, err := s.GetBySourceID(ctx, "gone"); err != nil {
		t.Errorf("mapping dropped despite failed batch: %v", err)
	}
	if m := e.Metrics(); m.LastRun.Removed != 0 || !m.LastRun.Success {
		t.Errorf("metrics = %+v, want removed=0 success=true", m.LastRun)
	}
}

func TestRunCycle_RemovalKeepsSharedTarget(t *testing.T) {
	// a1 stays, b1 goes; both map to the same artifact via dedup. The
	// artifact must survive on the target, only b1's row is dropped.
	src := &fakeSource{items: []source.Item{item("a1", "h")}}
	tgt := newFakeTarget()
	e, s := testEngine(t, src, tgt, HardDelete)

	ctx := context.Background()
	if err := s.Upsert(ctx, store.Mapping{SourceID: "a1", ContentHash: "h", TargetID: "tgt-1"}); err != nil {
		t.Fatalf("seed Upsert() failed: %v", err)
	}
	if err := s.Upsert(ctx, store.Mapping{SourceID: "b1", ContentHash: "h", TargetID: "tgt-1"}); err != nil {
		t.Fatalf("seed Upsert() failed: %v", err)
	}

	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	if len(tgt.trashed) != 0 || len(tgt.purged) != 0 {
		t.Errorf("shared artifact was trashed: trashed=%v purged=%v", tgt.trashed, tgt.purged)
	}
	if _, err := s.GetBySourceID(ctx, "b1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("b1 row still present: %v", err)
	}
	if _, err := s.GetBySourceID(ctx, "a1"); err != nil {
		t.Errorf("a1 row lost: %v", err)
	}
}

func TestRunCycle_IdRotationKeepsReusedArtifact(t *testing.T) {
	// a1 disappears and b1 appears with the same hash in one cycle.
	// The addition reuses a1's artifact, so a1's removal must leave
	// that artifact alone; only a1's row goes.
	src := &fakeSource{items: []source.Item{item("b1", "h")}}
	tgt := newFakeTarget()
	e, s := testEngine(t, src, tgt, HardDelete)

	ctx := context.Background()
	if err := s.Upsert(ctx, store.Mapping{SourceID: "a1", ContentHash: "h", TargetID: "tgt-1"}); err != nil {
		t.Fatalf("seed Upsert() failed: %v", err)
	}

	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	b, err := s.GetBySourceID(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBySourceID(b1) failed: %v", err)
	}
	if b.TargetID != "tgt-1" {
		t.Errorf("b1 target = %s, want reused tgt-1", b.TargetID)
	}
	if len(tgt.uploads) != 0 {
		t.Errorf("uploads = %v, want 0 for a reused hash", tgt.uploads)
	}
	if n := len(tgt.detached) + len(tgt.trashed) + len(tgt.purged); n != 0 {
		t.Errorf("reused artifact received %d removal calls: detached=%v trashed=%v purged=%v",
			n, tgt.detached, tgt.trashed, tgt.purged)
	}
	if _, err := s.GetBySourceID(ctx, "a1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("a1 row still present: %v", err)
	}
}

func TestRunCycle_AppendOnlyLogsSkipsWithoutAdditions(t *testing.T) {
	src := &fakeSource{}
	tgt := newFakeTarget()

	s, err := store.Open(filepath.Join(t.TempDir(), "mappings.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	if err := s.Upsert(ctx, store.Mapping{SourceID: "kept", ContentHash: "h", TargetID: "tgt-9"}); err != nil {
		t.Fatalf("seed Upsert() failed: %v", err)
	}

	var buf bytes.Buffer
	e, err := New(Config{
		Source:         src,
		Target:         tgt,
		Store:          s,
		CollectionName: "mirror",
		DeletionPolicy: AppendOnly,
		Logger:         log.New(&buf, "", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	// Even with nothing to add, the skipped removal count is logged.
	if out := buf.String(); !strings.Contains(out, "append-only: keeping 1") {
		t.Errorf("log output %q missing append-only skip count", out)
	}
	if n := len(tgt.detached) + len(tgt.trashed) + len(tgt.purged); n != 0 {
		t.Errorf("append-only issued %d removal calls, want 0", n)
	}
}

func TestLastRun_JSONDurationInMilliseconds(t *testing.T) {
	data, err := json.Marshal(LastRun{Duration: 1500 * time.Millisecond, Success: true})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if got := decoded["durationMs"]; got != float64(1500) {
		t.Errorf("durationMs = %v, want 1500", got)
	}
}

func TestRunCycle_RemoveAndReaddResolvesAsKept(t *testing.T) {
	// Same id present in the listing and in the store: neither an add
	// nor a removal.
	src := &fakeSource{items: []source.Item{item("a1", "h")}}
	tgt := newFakeTarget()
	e, s := testEngine(t, src, tgt, HardDelete)

	ctx := context.Background()
	if err := s.Upsert(ctx, store.Mapping{SourceID: "a1", ContentHash: "h", TargetID: "tgt-1"}); err != nil {
		t.Fatalf("seed Upsert() failed: %v", err)
	}

	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}
	if got := tgt.workCalls(); got != 0 {
		t.Errorf("target received %d calls for a kept item, want 0", got)
	}
}

func TestRunCycle_CollectionEnsuredOncePerProcess(t *testing.T) {
	src := &fakeSource{items: []source.Item{item("a1", "h1")}}
	tgt := newFakeTarget()
	e, _ := testEngine(t, src, tgt, HardDelete)

	ctx := context.Background()
	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("first RunCycle() failed: %v", err)
	}

	src.mu.Lock()
	src.items = append(src.items, item("b1", "h2"))
	src.mu.Unlock()

	if err := e.RunCycle(ctx); err != nil {
		t.Fatalf("second RunCycle() failed: %v", err)
	}

	if tgt.ensureCalls != 1 {
		t.Errorf("EnsureCollectionExists called %d times, want 1 (cached)", tgt.ensureCalls)
	}
}

func TestRunCycle_InterItemDelay(t *testing.T) {
	src := &fakeSource{items: []source.Item{item("a1", "h1"), item("b1", "h2"), item("c1", "h3")}}
	tgt := newFakeTarget()

	s, err := store.Open(filepath.Join(t.TempDir(), "mappings.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer s.Close()
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	delay := 20 * time.Millisecond
	e, err := New(Config{
		Source:         src,
		Target:         tgt,
		Store:          s,
		CollectionName: "mirror",
		InterItemDelay: delay,
		Logger:         log.New(os.Stderr, "[engine-test] ", 0),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	start := time.Now()
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle() failed: %v", err)
	}

	// Three items means two inter-item waits; the delay is skipped
	// after the last item.
	if elapsed := time.Since(start); elapsed < 2*delay {
		t.Errorf("cycle took %v, want at least %v with inter-item delay", elapsed, 2*delay)
	}
}

func TestDeletionPolicy_Validate(t *testing.T) {
	if err := HardDelete.Validate(); err != nil {
		t.Errorf("HardDelete.Validate() = %v", err)
	}
	if err := AppendOnly.Validate(); err != nil {
		t.Errorf("AppendOnly.Validate() = %v", err)
	}
	if err := DeletionPolicy("yolo").Validate(); err == nil {
		t.Error("unknown policy validated")
	}
}

func TestNew_Validation(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer s.Close()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"nil source", Config{Target: newFakeTarget(), Store: s, CollectionName: "x"}},
		{"nil target", Config{Source: &fakeSource{}, Store: s, CollectionName: "x"}},
		{"nil store", Config{Source: &fakeSource{}, Target: newFakeTarget(), CollectionName: "x"}},
		{"empty collection", Config{Source: &fakeSource{}, Target: newFakeTarget(), Store: s}},
		{"bad policy", Config{Source: &fakeSource{}, Target: newFakeTarget(), Store: s, CollectionName: "x", DeletionPolicy: "nope"}},
	}
	for _, tc := range cases {
		if _, err := New(tc.cfg); err == nil {
			t.Errorf("New() with %s succeeded, want error", tc.name)
		}
	}
}

func TestMetrics_ConcurrentReaders(t *testing.T) {
	src := &fakeSource{items: []source.Item{item("a1", "h1")}}
	tgt := newFakeTarget()
	e, _ := testEngine(t, src, tgt, HardDelete)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			m := e.Metrics()
			// A snapshot is either all-zero or a complete run record.
			if m.TotalRuns > 0 && m.LastRun.StartedAt.IsZero() {
				t.Error("observed half-written snapshot")
				return
			}
		}
	}()

	for i := 0; i < 3; i++ {
		if err := e.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle() failed: %v", err)
		}
	}
	<-done
}
