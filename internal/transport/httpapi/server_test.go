package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/cache"
	"voxelbench.ai/internal/delivery"
	"voxelbench.ai/internal/metrics"
	"voxelbench.ai/internal/persistence/artifacts"
	"voxelbench.ai/internal/persistence/blobstore"
	"voxelbench.ai/internal/persistence/buildstore"
	"voxelbench.ai/internal/prepare"
	"voxelbench.ai/internal/stream"
	"voxelbench.ai/internal/voxel"
)

type fakeBuilds struct {
	mu     sync.Mutex
	builds map[string]prepare.Build
	served []string
}

func (f *fakeBuilds) Get(ctx context.Context, id string) (prepare.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.builds[id]
	if !ok {
		return prepare.Build{}, fmt.Errorf("%w: id=%s", buildstore.ErrNotFound, id)
	}
	return b, nil
}

func (f *fakeBuilds) RecordServe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.served = append(f.served, id)
}

type testResolver struct{}

func (testResolver) Resolve(ctx context.Context, b prepare.Build) ([]byte, error) {
	if b.Payload.Ref == "broken" {
		return nil, errors.New("upstream down")
	}
	return b.Payload.Inline, nil
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlobs) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(b prepare.Build) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, b.ID)
	return true
}

func (q *fakeQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

func i64(v int64) *int64 { return &v }

func payload(t *testing.T, n int) []byte {
	t.Helper()
	b := &voxel.Build{Version: voxel.Version}
	for i := 0; i < n; i++ {
		b.Blocks = append(b.Blocks, voxel.Block{X: i % 40, Y: (i / 40) % 40, Z: i / 1600, Type: "stone"})
	}
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

type harness struct {
	srv      *httptest.Server
	server   *Server
	builds   *fakeBuilds
	preparer *prepare.Preparer
	store    *artifacts.Store
	queue    *fakeQueue
	reg      *prometheus.Registry
	plan     stream.PlanConfig
}

func newHarness(t *testing.T, limiter *RateLimiter) *harness {
	t.Helper()
	h := &harness{
		builds: &fakeBuilds{builds: map[string]prepare.Build{
			"big": {ID: "big", ContentHash: "h-big", Payload: prepare.Payload{Inline: payload(t, 1_000)},
				Metadata: prepare.Metadata{ByteSize: i64(40 * delivery.MiB)}},
			"small": {ID: "small", Payload: prepare.Payload{Inline: payload(t, 300)},
				Metadata: prepare.Metadata{ByteSize: i64(10_000)}},
			"invalid": {ID: "invalid", ContentHash: "h-bad", Payload: prepare.Payload{Inline: []byte("not json")}},
			"broken":  {ID: "broken", ContentHash: "h-broken", Payload: prepare.Payload{Ref: "broken"}},
		}},
		queue: &fakeQueue{},
		reg:   prometheus.NewRegistry(),
	}

	opts := prepare.DefaultOptions()
	opts.PreviewTargetBlocks = 200
	h.preparer = prepare.NewPreparer(opts, testResolver{}, nil, prepare.NewCache(cache.Options{}, nil), nil, nil)

	h.plan = stream.DefaultPlanConfig()
	h.plan.MinBlocksToChunk = 10
	h.plan.MinChunkBlocks = 100

	m := metrics.New(h.reg)
	h.store = artifacts.NewStore(&memBlobs{objects: map[string][]byte{}}, "arts", false, nil, m)
	h.server = NewServer(h.builds, h.preparer, Options{Plan: h.plan, PrecomputeOnMiss: true}, nil).
		WithArtifacts(h.store, h.queue).
		WithMetrics(m, h.reg).
		WithRateLimiter(limiter)
	h.srv = httptest.NewServer(h.server.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

// putArtifact stores the full variant of id as a precomputed artifact.
func (h *harness) putArtifact(t *testing.T, id string) *prepare.PreparedBuild {
	t.Helper()
	b, _ := h.builds.Get(context.Background(), id)
	pb, err := h.preparer.Prepare(context.Background(), b)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	v := buildproto.VariantFull
	if _, err := h.store.Put(context.Background(), pb.StreamSource(v, buildproto.SourceArtifact), pb.Plan(v, h.plan)); err != nil {
		t.Fatalf("put artifact: %v", err)
	}
	return pb
}

func readEvents(t *testing.T, r io.Reader) []buildproto.Event {
	t.Helper()
	var (
		out []buildproto.Event
		seq buildproto.Sequence
	)
	br := buildproto.NewReader(r)
	for {
		ev, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if err := seq.Observe(ev); err != nil {
			t.Fatalf("sequence: %v", err)
		}
		out = append(out, ev)
	}
	if !seq.Done() {
		t.Fatalf("stream ended without a terminal event")
	}
	return out
}

func checkBody(t *testing.T, events []buildproto.Event) buildproto.Hello {
	t.Helper()
	hello, ok := events[0].(buildproto.Hello)
	if !ok {
		t.Fatalf("first event is %T", events[0])
	}
	got := 0
	for _, ev := range events {
		if c, ok := ev.(buildproto.Chunk); ok {
			got += len(c.Blocks)
		}
	}
	if got != hello.TotalBlocks {
		t.Fatalf("reassembled %d blocks, hello announced %d", got, hello.TotalBlocks)
	}
	if c, ok := events[len(events)-1].(buildproto.Complete); !ok || c.TotalBlocks != hello.TotalBlocks {
		t.Fatalf("last event: %#v", events[len(events)-1])
	}
	return hello
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStream_LiveWhenNoArtifact(t *testing.T) {
	h := newHarness(t, nil)
	resp := get(t, h.srv.URL+"/v1/builds/big/stream?variant=full")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != stream.ContentType {
		t.Fatalf("content-type: got %q", ct)
	}
	if resp.Header.Get("Cache-Control") != "no-store" || resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Fatalf("missing streaming headers: %v", resp.Header)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("missing request id")
	}
	hello := checkBody(t, readEvents(t, resp.Body))
	if hello.Source != buildproto.SourceLive || hello.TotalBlocks != 1_000 || hello.Checksum != "h-big" {
		t.Fatalf("hello: %+v", hello)
	}
	if hello.ChunkCount < 2 {
		t.Fatalf("expected a chunked stream, got %d chunks", hello.ChunkCount)
	}
	if got := h.queue.enqueued(); len(got) != 1 || got[0] != "big" {
		t.Fatalf("precompute enqueue: got %v", got)
	}
}

func TestStream_ServesArtifact(t *testing.T) {
	h := newHarness(t, nil)
	h.putArtifact(t, "big")

	resp := get(t, h.srv.URL+"/v1/builds/big/stream?checksum=h-big")
	hello := checkBody(t, readEvents(t, resp.Body))
	if hello.Source != buildproto.SourceArtifact {
		t.Fatalf("source: got %s want artifact", hello.Source)
	}
	if len(h.queue.enqueued()) != 0 {
		t.Fatalf("artifact hit should not enqueue precompute")
	}
}

func TestStream_ArtifactBypass(t *testing.T) {
	h := newHarness(t, nil)
	h.putArtifact(t, "big")

	cases := []struct {
		name  string
		query string
	}{
		{"opt-out", "?artifact=0"},
		{"stale-checksum", "?checksum=old"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := get(t, h.srv.URL+"/v1/builds/big/stream"+tc.query)
			hello := checkBody(t, readEvents(t, resp.Body))
			if hello.Source != buildproto.SourceLive {
				t.Fatalf("source: got %s want live", hello.Source)
			}
			if hello.Checksum != "h-big" {
				t.Fatalf("checksum: got %s, the current build must be served", hello.Checksum)
			}
		})
	}
}

func TestStream_SmallBuildNeverUsesArtifacts(t *testing.T) {
	h := newHarness(t, nil)
	resp := get(t, h.srv.URL+"/v1/builds/small/stream?variant=preview")
	hello := checkBody(t, readEvents(t, resp.Body))
	if hello.Variant != buildproto.VariantPreview || hello.TotalBlocks > 200 {
		t.Fatalf("hello: %+v", hello)
	}
	if len(hello.Checksum) != 32 {
		t.Fatalf("derived checksum: got %q", hello.Checksum)
	}
	if len(h.queue.enqueued()) != 0 {
		t.Fatalf("small build should not be enqueued")
	}
}

func TestStream_ErrorStatuses(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		path string
		want int
	}{
		{"/v1/builds/missing/stream", http.StatusNotFound},
		{"/v1/builds/invalid/stream", http.StatusUnprocessableEntity},
		{"/v1/builds/broken/stream", http.StatusBadGateway},
		{"/v1/builds/big/stream?variant=huge", http.StatusBadRequest},
		{"/v1/builds/missing", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := get(t, h.srv.URL+tc.path)
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: got %d want %d", tc.path, resp.StatusCode, tc.want)
		}
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["error"] == "" {
			t.Fatalf("%s: error body %v (%v)", tc.path, body, err)
		}
	}
	if len(h.builds.served) != 0 {
		t.Fatalf("failed requests recorded as served: %v", h.builds.served)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	resp := get(t, h.srv.URL+"/v1/builds/big?variant=preview")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var snap buildproto.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.BuildID != "big" || snap.Variant != buildproto.VariantPreview || snap.Checksum != "h-big" {
		t.Fatalf("snapshot: %+v", snap)
	}
	if n := snap.VoxelBuild.Len(); n == 0 || n > 200 {
		t.Fatalf("preview blocks: got %d", n)
	}
	if snap.Hints == nil || snap.Hints.FullBlocks != 1_000 {
		t.Fatalf("hints: %+v", snap.Hints)
	}
	h.builds.mu.Lock()
	served := append([]string(nil), h.builds.served...)
	h.builds.mu.Unlock()
	if len(served) != 1 || served[0] != "big" {
		t.Fatalf("served: %v", served)
	}
}

func TestWebSocket_SameSequence(t *testing.T) {
	h := newHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/builds/big/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var (
		events []buildproto.Event
		seq    buildproto.Sequence
	)
	for !seq.Done() {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		ev, err := buildproto.Decode(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if err := seq.Observe(ev); err != nil {
			t.Fatalf("sequence: %v", err)
		}
		events = append(events, ev)
	}
	if hello := checkBody(t, events); hello.TotalBlocks != 1_000 {
		t.Fatalf("hello: %+v", hello)
	}
}

func TestWebSocket_MissingBuildFailsHandshake(t *testing.T) {
	h := newHarness(t, nil)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/builds/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response: %+v", resp)
	}
}

func TestRateLimit(t *testing.T) {
	rl, err := NewRateLimiter("2-M", false, nil, nil)
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	h := newHarness(t, rl)
	for i := 0; i < 2; i++ {
		resp := get(t, h.srv.URL+"/v1/builds/missing")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("request %d: got %d", i, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("limit header: %q", resp.Header.Get("X-RateLimit-Limit"))
		}
	}
	resp := get(t, h.srv.URL+"/v1/builds/missing")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request: got %d want 429", resp.StatusCode)
	}
	if get(t, h.srv.URL+"/healthz").StatusCode != http.StatusOK {
		t.Fatalf("healthz must not be rate limited")
	}
}

func TestNewRateLimiter_BadFormat(t *testing.T) {
	if _, err := NewRateLimiter("lots", false, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := (&RateLimiter{}).clientIP(r); got != "10.0.0.1" {
		t.Fatalf("untrusted: got %s", got)
	}
	if got := (&RateLimiter{trustForwarded: true}).clientIP(r); got != "203.0.113.9" {
		t.Fatalf("trusted: got %s", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	readEvents(t, get(t, h.srv.URL+"/v1/builds/small/stream").Body)

	resp := get(t, h.srv.URL+"/metrics")
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), `voxelbench_stream_requests_total{source="live",transport="stream",variant="full"} 1`) {
		t.Fatalf("stream counter missing from:\n%s", body)
	}
}

func TestCopyLines_ReadErrorEndsStreamOnce(t *testing.T) {
	hello := `{"type":"hello","buildId":"b","variant":"full","checksum":"c","totalBlocks":1,"chunkCount":1,"chunkBlockCount":1,"source":"artifact"}` + "\n"
	chunk := `{"type":"chunk","index":1,"chunkCount":1,"receivedBlocks":1,"totalBlocks":1,"blocks":[{"x":0,"y":0,"z":0,"type":"stone"}]}` + "\n"
	complete := `{"type":"complete","totalBlocks":1,"durationMs":3}` + "\n"
	readErr := errors.New("zstd: checksum mismatch")

	cases := []struct {
		name     string
		body     string
		wantLast string
	}{
		{"mid-stream", hello + chunk, buildproto.TypeError},
		{"after-complete", hello + chunk + complete, buildproto.TypeComplete},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			w := stream.NewWriter(&buf, nil)
			r := io.MultiReader(strings.NewReader(tc.body), failingReader{readErr})
			if err := copyLines(context.Background(), w, r, func() {}); !errors.Is(err, readErr) {
				t.Fatalf("err: got %v want %v", err, readErr)
			}
			events := readEvents(t, &buf)
			if got := events[len(events)-1].Kind(); got != tc.wantLast {
				t.Fatalf("last event: got %s want %s", got, tc.wantLast)
			}
		})
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }
