package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openlot/image-delivery/cache"
	"github.com/openlot/image-delivery/core"
	apperrors "github.com/openlot/image-delivery/errors"
	"github.com/openlot/image-delivery/gateway"
	"github.com/openlot/image-delivery/worker"
)

// ── Test doubles ──────────────────────────────────────────────────────────────

type countingFetcher struct {
	calls atomic.Int64
	bytes []byte
	url   string
}

func (f *countingFetcher) Fetch(context.Context, core.ImageReference) (*core.SourcePayload, error) {
	f.calls.Add(1)
	return &core.SourcePayload{Bytes: f.bytes, URL: f.url}, nil
}

// scriptedTransformer panics when told to, succeeds otherwise.
type scriptedTransformer struct {
	crash atomic.Bool
}

func (s *scriptedTransformer) Supports(core.Operation) bool { return true }

func (s *scriptedTransformer) Apply(_ context.Context, _ core.Operation, _ core.Params, src []byte) (*core.Artifact, error) {
	if s.crash.Load() {
		panic("scripted crash")
	}
	return &core.Artifact{Bytes: src, Width: 10, Height: 10, Backend: "local"}, nil
}

type memoryStore struct {
	mu   sync.Mutex
	data map[string]*core.Artifact
	gets atomic.Int64
}

func newMemoryStore() *memoryStore { return &memoryStore{data: make(map[string]*core.Artifact)} }

func (m *memoryStore) Put(_ context.Context, fp string, a *core.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[fp] = a
	return nil
}

func (m *memoryStore) Get(_ context.Context, fp string) (*core.Artifact, error) {
	m.gets.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.data[fp]; ok {
		return a, nil
	}
	return nil, apperrors.New(apperrors.ClassInternal, "store.memory", apperrors.ErrNotStored)
}

func (m *memoryStore) Delete(_ context.Context, fp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, fp)
	return nil
}

type fixture struct {
	exec    *Executor
	fetcher *countingFetcher
	trans   *scriptedTransformer
	cache   *cache.Cache
	pool    *worker.Pool
}

func newFixture(t *testing.T, gw *gateway.Gateway, store core.ArtifactStore) *fixture {
	t.Helper()
	trans := &scriptedTransformer{}
	pool := worker.NewPool(trans, worker.Options{Size: 2, QueueSize: 16})
	t.Cleanup(pool.Close)
	resultCache := cache.New(cache.Options{MaxEntries: 64})
	t.Cleanup(resultCache.Close)
	fetcher := &countingFetcher{bytes: []byte("pixels")}

	exec := New(Options{
		Cache:   resultCache,
		Pool:    pool,
		Gateway: gw,
		Fetcher: fetcher,
		Store:   store,
	})
	return &fixture{exec: exec, fetcher: fetcher, trans: trans, cache: resultCache, pool: pool}
}

func resizeRequest(id string) core.TransformRequest {
	return core.TransformRequest{
		Source:   core.ImageReference{ID: id, Variant: "large"},
		Op:       core.OpResize,
		Params:   core.ResizeParams{Width: 100},
		Priority: core.PriorityViewport,
	}
}

func awaitHandle(t *testing.T, h *JobHandle) (*core.Artifact, error) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle never settled")
	}
	return h.Result()
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestSubmit_LocalSuccess(t *testing.T) {
	f := newFixture(t, nil, nil)

	handle := f.exec.Submit(resizeRequest("img-1"))
	artifact, err := awaitHandle(t, handle)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if artifact.Backend != "local" {
		t.Fatalf("backend = %q", artifact.Backend)
	}
	if handle.ID == "" || handle.Fingerprint == "" {
		t.Fatal("handle missing identifiers")
	}
}

func TestSubmit_ValidationFailsBeforeDispatch(t *testing.T) {
	f := newFixture(t, nil, nil)

	handle := f.exec.Submit(core.TransformRequest{
		Source: core.ImageReference{ID: "img-1"},
		Op:     core.OpResize,
		Params: core.ResizeParams{}, // no axis set
	})
	_, err := awaitHandle(t, handle)
	if !apperrors.IsClass(err, apperrors.ClassInvalidRequest) {
		t.Fatalf("err = %v, want invalid_request", err)
	}
	if f.fetcher.calls.Load() != 0 {
		t.Fatal("invalid request reached the fetcher")
	}
}

func TestSubmit_IdenticalConcurrentRequestsShareOneComputation(t *testing.T) {
	f := newFixture(t, nil, nil)

	const callers = 10
	handles := make([]*JobHandle, callers)
	for i := range handles {
		handles[i] = f.exec.Submit(resizeRequest("img-shared"))
	}
	for _, h := range handles {
		if _, err := awaitHandle(t, h); err != nil {
			t.Fatalf("Result: %v", err)
		}
	}
	if n := f.fetcher.calls.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestSubmit_EscalatesToGatewayOnWorkerCrash(t *testing.T) {
	var gatewayCalls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gatewayCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"resultUrl": "https://cdn.example/out.png",
			"metadata":  map[string]interface{}{"width": 100, "height": 75, "format": "png"},
		})
	}))
	defer srv.Close()

	fetcher := &countingFetcher{bytes: []byte("pixels"), url: "https://img.example/src"}
	gw := gateway.New(gateway.Options{
		Endpoint:     srv.URL,
		Fetcher:      fetcher,
		RetryBackoff: 10 * time.Millisecond,
	})
	f := newFixture(t, gw, nil)
	f.trans.crash.Store(true)

	handle := f.exec.Submit(resizeRequest("img-crash"))
	artifact, err := awaitHandle(t, handle)
	if err != nil {
		t.Fatalf("escalated result: %v", err)
	}
	if artifact.Backend != "remote" {
		t.Fatalf("backend = %q, want remote", artifact.Backend)
	}
	if gatewayCalls.Load() != 1 {
		t.Fatalf("gateway calls = %d, want 1", gatewayCalls.Load())
	}
}

func TestSubmit_WorkerCrashWithoutGatewaySurfacesFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.trans.crash.Store(true)

	handle := f.exec.Submit(resizeRequest("img-crash"))
	_, err := awaitHandle(t, handle)
	if !apperrors.IsClass(err, apperrors.ClassWorkerFailure) {
		t.Fatalf("err = %v, want worker_failure", err)
	}
}

func TestSubmit_CancelSettlesHandle(t *testing.T) {
	f := newFixture(t, nil, nil)

	handle := f.exec.Submit(resizeRequest("img-cancel"))
	handle.Cancel()

	_, err := awaitHandle(t, handle)
	// Depending on timing the job either completed or observed cancellation;
	// a settled handle with a classified outcome is the contract.
	if err != nil && !apperrors.IsClass(err, apperrors.ClassCanceled) {
		t.Fatalf("err = %v, want canceled or success", err)
	}
}

func TestSubmit_ProgressStreamCloses(t *testing.T) {
	f := newFixture(t, nil, nil)

	handle := f.exec.Submit(resizeRequest("img-progress"))
	if _, err := awaitHandle(t, handle); err != nil {
		t.Fatal(err)
	}
	// After settlement the progress stream must be closed and drained
	// events, if any, carry ordered stages.
	for range handle.Progress() {
	}
}

func TestSubmit_StoreWarmHitSkipsBackends(t *testing.T) {
	store := newMemoryStore()
	req := resizeRequest("img-warm")
	fingerprint := req.Fingerprint()
	if err := store.Put(context.Background(), fingerprint, &core.Artifact{
		Bytes: []byte("persisted"), Backend: "local",
	}); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, nil, store)
	handle := f.exec.Submit(req)
	artifact, err := awaitHandle(t, handle)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if string(artifact.Bytes) != "persisted" {
		t.Fatalf("bytes = %q, want persisted copy", artifact.Bytes)
	}
	if f.fetcher.calls.Load() != 0 {
		t.Fatal("warm hit still fetched the source")
	}
}

func TestSubmit_ComputedArtifactPersistedToStore(t *testing.T) {
	store := newMemoryStore()
	f := newFixture(t, nil, store)

	req := resizeRequest("img-persist")
	handle := f.exec.Submit(req)
	if _, err := awaitHandle(t, handle); err != nil {
		t.Fatal(err)
	}

	stored, err := store.Get(context.Background(), req.Fingerprint())
	if err != nil {
		t.Fatalf("store after compute: %v", err)
	}
	if stored.Backend != "local" {
		t.Fatalf("stored backend = %q", stored.Backend)
	}
}
