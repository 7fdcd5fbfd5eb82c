// Package retrieval fetches builds from the delivery server, falling back
// through an ordered list of strategies when a transfer times out, is
// truncated or fails.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/clock"
	"voxelbench.ai/internal/voxel"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateFallback   State = "fallback"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

type Kind string

const (
	KindStream   Kind = "stream"
	KindSnapshot Kind = "snapshot"
)

// Strategy is one way of fetching a build.
type Strategy struct {
	Kind Kind
	// Artifact lets the server answer a stream from a precomputed artifact.
	Artifact bool
	// Timeout bounds a snapshot request; zero uses Timeouts.Snapshot.
	Timeout time.Duration
}

func (s Strategy) String() string {
	switch {
	case s.Kind == KindStream && s.Artifact:
		return "stream+artifact"
	case s.Kind == KindStream:
		return "stream"
	case s.Timeout > 0:
		return fmt.Sprintf("snapshot(%s)", s.Timeout)
	default:
		return "snapshot"
	}
}

type Timeouts struct {
	Connect    time.Duration
	FirstEvent time.Duration
	Stall      time.Duration
	HardCap    time.Duration
	Snapshot   time.Duration
	// ExtendedSnapshot is the timeout of the last-resort snapshot.
	ExtendedSnapshot time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:          15 * time.Second,
		FirstEvent:       20 * time.Second,
		Stall:            15 * time.Second,
		HardCap:          5 * time.Minute,
		Snapshot:         60 * time.Second,
		ExtendedSnapshot: 180 * time.Second,
	}
}

// DefaultStrategies: artifact-backed stream, snapshot, live stream, then
// a snapshot with the extended timeout.
func DefaultStrategies(t Timeouts) []Strategy {
	return []Strategy{
		{Kind: KindStream, Artifact: true},
		{Kind: KindSnapshot, Timeout: t.Snapshot},
		{Kind: KindStream, Artifact: false},
		{Kind: KindSnapshot, Timeout: t.ExtendedSnapshot},
	}
}

type Request struct {
	BuildID  string
	Variant  buildproto.Variant
	Checksum string
}

// Progress is a snapshot of one retrieval. Blocks is a prefix of the
// accumulated block list; later progress values only ever extend it.
type Progress struct {
	State    State
	Attempt  int
	Strategy Strategy
	Received int
	Total    int
	Chunk    int
	Chunks   int
	Blocks   []voxel.Block
	// Err is the failure that caused a fallback.
	Err error
}

type Result struct {
	BuildID         string
	Variant         buildproto.Variant
	Checksum        string
	ServerValidated bool
	Hints           *buildproto.LoadHints
	Build           *voxel.Build
	// Source is live or artifact for streams and empty for snapshots.
	Source   buildproto.Source
	Strategy Strategy
	Attempts int
}

type Client struct {
	BaseURL    string
	HTTP       *http.Client
	Timeouts   Timeouts
	Strategies []Strategy
	Clock      clock.Clock
	Logger     *log.Logger
}

func NewClient(baseURL string, logger *log.Logger) *Client {
	t := DefaultTimeouts()
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       &http.Client{},
		Timeouts:   t,
		Strategies: DefaultStrategies(t),
		Clock:      clock.Real(),
		Logger:     logger,
	}
}

// Retrieve runs the strategies in order until one succeeds. Progress is
// delivered without blocking: a slow reader misses intermediate values,
// never the ordering. A permanent HTTP error stops the chain. Cancelling
// ctx returns ctx.Err() and is not reported as a failure.
func (c *Client) Retrieve(ctx context.Context, req Request, progress chan<- Progress) (*Result, error) {
	if req.BuildID == "" {
		return nil, errors.New("retrieval: empty build id")
	}
	if req.Variant == "" {
		req.Variant = buildproto.VariantFull
	}
	strategies := c.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies(c.timeouts())
	}

	var last error
	for i, st := range strategies {
		attempt := i + 1
		state := StateConnecting
		if i > 0 {
			state = StateFallback
		}
		send(progress, Progress{State: state, Attempt: attempt, Strategy: st, Err: last})

		var (
			res *Result
			err error
		)
		switch st.Kind {
		case KindSnapshot:
			res, err = c.snapshot(ctx, req, st, attempt, progress)
		default:
			res, err = c.stream(ctx, req, st, attempt, progress)
		}
		if err == nil {
			res.Strategy = st
			res.Attempts = attempt
			send(progress, Progress{State: StateDone, Attempt: attempt, Strategy: st,
				Received: res.Build.Len(), Total: res.Build.Len(), Blocks: res.Build.Blocks})
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var he *HTTPError
		if errors.As(err, &he) && he.Permanent() {
			send(progress, Progress{State: StateFailed, Attempt: attempt, Strategy: st, Err: err})
			return nil, err
		}
		last = err
		c.printf("retrieve fallback build=%s attempt=%d strategy=%s err=%v", req.BuildID, attempt, st, err)
	}

	err := &ExhaustedError{Attempts: len(strategies), Last: last}
	send(progress, Progress{State: StateFailed, Attempt: len(strategies), Err: err})
	return nil, err
}

func send(ch chan<- Progress, p Progress) {
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

func (c *Client) stream(ctx context.Context, req Request, st Strategy, attempt int, progress chan<- Progress) (*Result, error) {
	t := c.timeouts()
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hard := newWatchdog(c.clock(), cancel, PhaseHardCap, t.HardCap)
	defer hard.stop()
	step := newWatchdog(c.clock(), cancel, PhaseConnect, t.Connect)
	defer step.stop()

	q := url.Values{}
	q.Set("variant", string(req.Variant))
	if req.Checksum != "" {
		q.Set("checksum", req.Checksum)
	}
	if !st.Artifact {
		q.Set("artifact", "0")
	}
	resp, err := c.get(actx, "/v1/builds/"+url.PathEscape(req.BuildID)+"/stream", q)
	if err != nil {
		return nil, failure(ctx, actx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}

	step.arm(PhaseFirstEvent, t.FirstEvent)
	var (
		seq    buildproto.Sequence
		hello  buildproto.Hello
		blocks []voxel.Block
	)
	rd := buildproto.NewReader(resp.Body)
	for {
		ev, err := rd.Next()
		if err != nil {
			if errors.Is(err, io.EOF) && context.Cause(actx) == nil {
				return nil, fmt.Errorf("%w: connection closed after %d of %d blocks", ErrStreamTruncated, len(blocks), hello.TotalBlocks)
			}
			return nil, failure(ctx, actx, err)
		}
		if err := seq.Observe(ev); err != nil {
			return nil, err
		}
		step.arm(PhaseStall, t.Stall)

		switch e := ev.(type) {
		case buildproto.Hello:
			hello = e
			blocks = make([]voxel.Block, 0, e.TotalBlocks)
			send(progress, Progress{State: StateStreaming, Attempt: attempt, Strategy: st, Total: e.TotalBlocks, Chunks: e.ChunkCount})
		case buildproto.Chunk:
			blocks = append(blocks, e.Blocks...)
			send(progress, Progress{State: StateStreaming, Attempt: attempt, Strategy: st,
				Received: len(blocks), Total: hello.TotalBlocks, Chunk: e.Index, Chunks: e.ChunkCount, Blocks: blocks[:len(blocks):len(blocks)]})
		case buildproto.Complete:
			want := max(hello.TotalBlocks, e.TotalBlocks)
			if len(blocks) < want {
				return nil, fmt.Errorf("%w: complete after %d of %d blocks", ErrStreamTruncated, len(blocks), want)
			}
			return &Result{
				BuildID:         hello.BuildID,
				Variant:         hello.Variant,
				Checksum:        hello.Checksum,
				ServerValidated: hello.ServerValidated,
				Hints:           hello.Hints,
				Build:           &voxel.Build{Version: voxel.Version, Blocks: blocks},
				Source:          hello.Source,
			}, nil
		case buildproto.Error:
			return nil, &StreamError{Message: e.Message}
		}
	}
}

func (c *Client) snapshot(ctx context.Context, req Request, st Strategy, attempt int, progress chan<- Progress) (*Result, error) {
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = c.timeouts().Snapshot
	}
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wd := newWatchdog(c.clock(), cancel, PhaseSnapshot, timeout)
	defer wd.stop()

	q := url.Values{}
	q.Set("variant", string(req.Variant))
	if req.Checksum != "" {
		q.Set("checksum", req.Checksum)
	}
	resp, err := c.get(actx, "/v1/builds/"+url.PathEscape(req.BuildID), q)
	if err != nil {
		return nil, failure(ctx, actx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}
	var snap buildproto.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, failure(ctx, actx, fmt.Errorf("decode snapshot: %w", err))
	}
	if snap.VoxelBuild == nil {
		return nil, errors.New("snapshot without voxelBuild")
	}
	n := snap.VoxelBuild.Len()
	send(progress, Progress{State: StateStreaming, Attempt: attempt, Strategy: st, Received: n, Total: n, Blocks: snap.VoxelBuild.Blocks})
	return &Result{
		BuildID:         snap.BuildID,
		Variant:         snap.Variant,
		Checksum:        snap.Checksum,
		ServerValidated: snap.ServerValidated,
		Hints:           snap.Hints,
		Build:           snap.VoxelBuild,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*http.Response, error) {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	return hc.Do(req)
}

// failure prefers a timeout cause over the transport error it produced,
// and the caller's cancellation over both.
func failure(parent, attempt context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var te *TimeoutError
	if errors.As(context.Cause(attempt), &te) {
		return te
	}
	return err
}

func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := strings.TrimSpace(string(body))
	var env struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && env.Error != "" {
		msg = env.Error
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: msg}
}

func (c *Client) timeouts() Timeouts {
	t := c.Timeouts
	d := DefaultTimeouts()
	if t.Connect <= 0 {
		t.Connect = d.Connect
	}
	if t.FirstEvent <= 0 {
		t.FirstEvent = d.FirstEvent
	}
	if t.Stall <= 0 {
		t.Stall = d.Stall
	}
	if t.HardCap <= 0 {
		t.HardCap = d.HardCap
	}
	if t.Snapshot <= 0 {
		t.Snapshot = d.Snapshot
	}
	if t.ExtendedSnapshot <= 0 {
		t.ExtendedSnapshot = d.ExtendedSnapshot
	}
	return t
}

func (c *Client) clock() clock.Clock { return clock.OrReal(c.Clock) }

func (c *Client) printf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// watchdog cancels a transfer with a *TimeoutError for the phase it was
// last armed with, unless re-armed or stopped first.
type watchdog struct {
	t      clock.Timer
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	phase Phase
	after time.Duration

	done chan struct{}
	once sync.Once
}

func newWatchdog(clk clock.Clock, cancel context.CancelCauseFunc, phase Phase, d time.Duration) *watchdog {
	w := &watchdog{
		t:      clk.NewTimer(d),
		cancel: cancel,
		phase:  phase,
		after:  d,
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *watchdog) run() {
	select {
	case <-w.done:
	case <-w.t.C():
		w.mu.Lock()
		err := &TimeoutError{Phase: w.phase, After: w.after}
		w.mu.Unlock()
		w.cancel(err)
	}
}

func (w *watchdog) arm(phase Phase, d time.Duration) {
	w.mu.Lock()
	w.phase, w.after = phase, d
	w.mu.Unlock()
	w.t.Reset(d)
}

func (w *watchdog) stop() {
	w.once.Do(func() {
		w.t.Stop()
		close(w.done)
	})
}
