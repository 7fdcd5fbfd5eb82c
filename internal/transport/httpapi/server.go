// Package httpapi serves prepared builds over HTTP: an ndjson event
// stream, the same events over WebSocket, and a single-body snapshot.
package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/clock"
	"voxelbench.ai/internal/metrics"
	"voxelbench.ai/internal/persistence/buildstore"
	"voxelbench.ai/internal/persistence/deliverylog"
	"voxelbench.ai/internal/prepare"
	"voxelbench.ai/internal/stream"
)

// Builds looks up stored build records.
type Builds interface {
	Get(ctx context.Context, id string) (prepare.Build, error)
	RecordServe(id string)
}

// Artifacts opens precomputed event streams. A miss is (nil, false, nil).
type Artifacts interface {
	Open(ctx context.Context, ref buildproto.Ref) (io.ReadCloser, bool, error)
}

// Enqueuer schedules background artifact precomputation.
type Enqueuer interface {
	Enqueue(b prepare.Build) bool
}

type Options struct {
	Plan         stream.PlanConfig
	PingInterval time.Duration
	// PrecomputeOnMiss enqueues eligible builds whose artifact was missing.
	PrecomputeOnMiss bool
}

type Server struct {
	builds   Builds
	preparer *prepare.Preparer
	opts     Options
	log      *log.Logger

	artifacts  Artifacts
	precompute Enqueuer
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	deliveries *deliverylog.Log
	limiter    *RateLimiter
	clk        clock.Clock

	upgrader websocket.Upgrader
}

func NewServer(builds Builds, preparer *prepare.Preparer, opts Options, logger *log.Logger) *Server {
	opts.Plan.Normalize()
	return &Server{
		builds:   builds,
		preparer: preparer,
		opts:     opts,
		log:      logger,
		clk:      clock.Real(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// WithArtifacts enables artifact reads and, when q is non-nil, background
// precompute on misses.
func (s *Server) WithArtifacts(a Artifacts, q Enqueuer) *Server {
	s.artifacts = a
	s.precompute = q
	return s
}

func (s *Server) WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) *Server {
	s.metrics = m
	s.gatherer = g
	return s
}

func (s *Server) WithDeliveryLog(l *deliverylog.Log) *Server {
	s.deliveries = l
	return s
}

func (s *Server) WithRateLimiter(l *RateLimiter) *Server {
	s.limiter = l
	return s
}

func (s *Server) WithClock(clk clock.Clock) *Server {
	s.clk = clock.OrReal(clk)
	return s
}

func (s *Server) Handler() http.Handler {
	builds := http.NewServeMux()
	builds.HandleFunc("GET /v1/builds/{id}/stream", s.handleStream)
	builds.HandleFunc("GET /v1/builds/{id}/ws", s.handleWS)
	builds.HandleFunc("GET /v1/builds/{id}", s.handleSnapshot)

	var limited http.Handler = builds
	if s.limiter != nil {
		limited = s.limiter.Middleware(builds)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/builds/", limited)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	g := s.gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

var errNotUpgrade = errors.New("websocket upgrade required")

// request is the parsed form shared by all build routes.
type request struct {
	id       string
	buildID  string
	variant  buildproto.Variant
	checksum string
	artifact bool
}

func parseRequest(r *http.Request) (request, error) {
	q := r.URL.Query()
	req := request{
		id:       strings.TrimSpace(r.Header.Get("X-Request-Id")),
		buildID:  r.PathValue("id"),
		checksum: strings.TrimSpace(q.Get("checksum")),
		artifact: true,
	}
	if req.id == "" {
		req.id = uuid.NewString()
	}
	if req.buildID == "" {
		return req, errors.New("missing build id")
	}
	v, ok := buildproto.ParseVariant(q.Get("variant"))
	if !ok {
		return req, errors.New("unknown variant " + q.Get("variant"))
	}
	req.variant = v
	switch strings.ToLower(q.Get("artifact")) {
	case "0", "false", "off":
		req.artifact = false
	}
	return req, nil
}

// load fetches and prepares a build. On failure it returns the HTTP status
// to answer with.
func (s *Server) load(ctx context.Context, buildID string) (prepare.Build, *prepare.PreparedBuild, int, error) {
	b, err := s.builds.Get(ctx, buildID)
	if err != nil {
		if errors.Is(err, buildstore.ErrNotFound) {
			return b, nil, http.StatusNotFound, err
		}
		return b, nil, http.StatusInternalServerError, err
	}
	pb, err := s.preparer.Prepare(ctx, b)
	if err != nil {
		var verr *prepare.ValidationError
		switch {
		case errors.As(err, &verr):
			return b, nil, http.StatusUnprocessableEntity, err
		case ctx.Err() != nil:
			return b, nil, 0, ctx.Err()
		default:
			return b, nil, http.StatusBadGateway, err
		}
	}
	return b, pb, http.StatusOK, nil
}

func statusReason(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation"
	case http.StatusBadGateway:
		return "upstream"
	case 0:
		return "canceled"
	default:
		return "internal"
	}
}

func writeError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}

func (s *Server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	start := s.clk.Now()
	req, err := parseRequest(r)
	rw.Header().Set("X-Request-Id", req.id)
	rec := deliverylog.Record{RequestID: req.id, BuildID: req.buildID, Variant: string(req.variant), Checksum: req.checksum, Transport: "snapshot"}
	if err != nil {
		s.fail(rw, &rec, start, http.StatusBadRequest, err)
		return
	}

	_, pb, status, err := s.load(r.Context(), req.buildID)
	if err != nil {
		s.fail(rw, &rec, start, status, err)
		return
	}

	snap := pb.Snapshot(req.variant)
	body, err := json.Marshal(snap)
	if err != nil {
		s.fail(rw, &rec, start, http.StatusInternalServerError, err)
		return
	}
	done := s.metrics.StreamStarted("snapshot", string(buildproto.SourceLive), string(req.variant))
	defer done()

	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(http.StatusOK)
	n, werr := rw.Write(body)

	rec.Checksum = pb.Checksum
	rec.Class = pb.Hints.DeliveryClass
	rec.Status = http.StatusOK
	rec.Blocks = pb.Variant(req.variant).Len()
	rec.Bytes = int64(n)
	s.finish(r.Context(), &rec, start, werr)
	s.builds.RecordServe(req.buildID)
}

func (s *Server) handleStream(rw http.ResponseWriter, r *http.Request) {
	start := s.clk.Now()
	ctx := r.Context()
	req, err := parseRequest(r)
	rw.Header().Set("X-Request-Id", req.id)
	rec := deliverylog.Record{RequestID: req.id, BuildID: req.buildID, Variant: string(req.variant), Checksum: req.checksum, Transport: "stream"}
	if err != nil {
		s.fail(rw, &rec, start, http.StatusBadRequest, err)
		return
	}

	b, pb, status, err := s.load(ctx, req.buildID)
	if err != nil {
		s.fail(rw, &rec, start, status, err)
		return
	}

	h := rw.Header()
	h.Set("Content-Type", stream.ContentType)
	h.Set("Cache-Control", "no-store")
	h.Set("X-Accel-Buffering", "no")
	rw.WriteHeader(http.StatusOK)

	w := stream.NewWriter(rw, s.clk)
	err = s.deliver(ctx, w, req, b, pb, &rec)
	rec.Status = http.StatusOK
	rec.Bytes = w.Written()
	s.finish(ctx, &rec, start, err)
	s.builds.RecordServe(req.buildID)
}

// deliver writes the event sequence for one variant to w, from a durable
// artifact when one is usable and live otherwise.
func (s *Server) deliver(ctx context.Context, w *stream.Writer, req request, b prepare.Build, pb *prepare.PreparedBuild, rec *deliverylog.Record) error {
	// Pings start after the hello so they never precede it.
	stop := func() {}
	pinging := false
	startPings := func() {
		if !pinging {
			pinging = true
			stop = w.KeepAlive(s.opts.PingInterval)
		}
	}
	defer func() { stop() }()

	ref := pb.Ref(req.variant)
	plan := pb.Plan(req.variant, s.opts.Plan)
	rec.Checksum = pb.Checksum
	rec.Class = pb.Hints.DeliveryClass
	rec.Blocks = plan.TotalBlocks
	rec.Chunks = plan.ChunkCount

	if s.artifactUsable(req, pb) {
		rc, found, err := s.artifacts.Open(ctx, ref)
		switch {
		case found:
			defer rc.Close()
			rec.Source = string(buildproto.SourceArtifact)
			done := s.metrics.StreamStarted(rec.Transport, rec.Source, string(req.variant))
			defer done()
			return copyLines(ctx, w, rc, startPings)
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.printf("artifact open failed request=%s key=%s/%s err=%v", req.id, ref.BuildID, ref.Variant, err)
		default:
			if s.precompute != nil && s.opts.PrecomputeOnMiss {
				s.precompute.Enqueue(b)
			}
		}
	}

	rec.Source = string(buildproto.SourceLive)
	done := s.metrics.StreamStarted(rec.Transport, rec.Source, string(req.variant))
	defer done()
	return stream.Generate(pb.StreamSource(req.variant, buildproto.SourceLive), plan, s.clk, func(ev buildproto.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Emit(ev); err != nil {
			return err
		}
		startPings()
		return nil
	})
}

// artifactUsable reports whether the request may be served from a durable
// artifact. A client checksum that disagrees with the record's is stale and
// gets the current build computed live.
func (s *Server) artifactUsable(req request, pb *prepare.PreparedBuild) bool {
	if s.artifacts == nil || !req.artifact || !pb.DurableChecksum {
		return false
	}
	if !s.preparer.Options().ArtifactsEnabled {
		return false
	}
	if req.checksum != "" && req.checksum != pb.Checksum {
		return false
	}
	return s.preparer.Thresholds().ArtifactEligible(pb.Hints.EstimatedBytes)
}

func copyLines(ctx context.Context, w *stream.Writer, r io.Reader, afterLine func()) error {
	br := bufio.NewReaderSize(r, 256*1024)
	var last []byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if werr := w.WriteLine(line); werr != nil {
				return werr
			}
			last = line
			afterLine()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			// A stream already ended by complete or error gets nothing more.
			if !terminalLine(last) {
				_ = w.Emit(buildproto.Error{Message: "artifact read failed"})
			}
			return err
		}
	}
}

func terminalLine(line []byte) bool {
	if len(line) == 0 {
		return false
	}
	ev, err := buildproto.Decode(bytes.TrimSpace(line))
	return err == nil && buildproto.Terminal(ev)
}

func (s *Server) fail(rw http.ResponseWriter, rec *deliverylog.Record, start time.Time, status int, err error) {
	rec.Status = status
	if status == 0 {
		s.finish(context.Background(), rec, start, context.Canceled)
		return
	}
	writeError(rw, status, err.Error())
	s.metrics.StreamError(statusReason(status))
	rec.Error = err.Error()
	s.write(rec, start)
	if status >= 500 {
		s.printf("request failed request=%s build=%s status=%d err=%v", rec.RequestID, rec.BuildID, status, err)
	}
}

// finish records a request that got past preparation. Client disconnects
// are recorded as canceled and not logged.
func (s *Server) finish(ctx context.Context, rec *deliverylog.Record, start time.Time, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		rec.Canceled = true
	default:
		rec.Error = err.Error()
		s.metrics.StreamError("write")
		s.printf("stream failed request=%s build=%s variant=%s err=%v", rec.RequestID, rec.BuildID, rec.Variant, err)
	}
	s.write(rec, start)
}

func (s *Server) write(rec *deliverylog.Record, start time.Time) {
	now := s.clk.Now()
	rec.Time = now.UTC()
	rec.DurationMs = now.Sub(start).Milliseconds()
	if err := s.deliveries.Write(*rec); err != nil {
		s.printf("delivery log write failed: %v", err)
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
