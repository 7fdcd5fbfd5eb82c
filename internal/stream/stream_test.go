package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/clock"
	"voxelbench.ai/internal/voxel"
)

func i64(v int64) *int64 { return &v }

func lineBuild(n int) *voxel.Build {
	b := &voxel.Build{Version: voxel.Version, Blocks: make([]voxel.Block, n)}
	for i := range b.Blocks {
		b.Blocks[i] = voxel.Block{X: i % 1000, Y: i / 1000, Z: i % 7, Type: "stone"}
	}
	return b
}

func TestPlan_ConcreteScenario(t *testing.T) {
	p := Plan(150_000, i64(5_100_000), DefaultPlanConfig())
	if p.ChunkCount != 5 || p.ChunkBlockCount != 30_000 {
		t.Fatalf("plan: got count=%d per=%d want 5/30000", p.ChunkCount, p.ChunkBlockCount)
	}
	if p.EstimatedBytes != 5_100_000 {
		t.Fatalf("estimated bytes: got %d", p.EstimatedBytes)
	}
}

func TestPlan_Cases(t *testing.T) {
	cfg := DefaultPlanConfig()
	cases := []struct {
		name      string
		total     int
		est       *int64
		wantCount int
		wantPer   int
	}{
		{"empty", 0, nil, 0, 0},
		{"below-min-blocks", 19_999, i64(100_000_000), 1, 19_999},
		{"fits-one-chunk", 50_000, i64(1_200_000), 1, 50_000},
		{"unknown-estimate", 100_000, nil, 3, 33_334},                        // 3.4MB / 1.2MB -> 3 chunks
		{"clamped-to-max-chunk-blocks", 400_000, i64(2_400_000), 10, 40_000}, // 2 targets -> 200k per, clamp 40k
		{"clamped-to-min-chunk-blocks", 30_000, i64(500_000_000), 15, 2_000}, // 64 chunks -> 469 per, clamp 2k
	}
	for _, tc := range cases {
		p := Plan(tc.total, tc.est, cfg)
		if p.ChunkCount != tc.wantCount || p.ChunkBlockCount != tc.wantPer {
			t.Fatalf("%s: got count=%d per=%d want %d/%d", tc.name, p.ChunkCount, p.ChunkBlockCount, tc.wantCount, tc.wantPer)
		}
	}
}

func collect(t *testing.T, src Source, plan StreamPlan) []buildproto.Event {
	t.Helper()
	var out []buildproto.Event
	if err := Generate(src, plan, nil, func(ev buildproto.Event) error {
		out = append(out, ev)
		return nil
	}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	return out
}

func TestGenerate_ReassemblesExactly(t *testing.T) {
	for _, n := range []int{1, 1999, 20_000, 150_000, 151_234} {
		b := lineBuild(n)
		plan := Plan(n, i64(int64(n)*34), DefaultPlanConfig())
		src := Source{Ref: buildproto.Ref{BuildID: "b", Variant: buildproto.VariantFull, Checksum: "c"}, Build: b}
		events := collect(t, src, plan)

		var seq buildproto.Sequence
		var got []voxel.Block
		var last buildproto.Chunk
		for _, ev := range events {
			if err := seq.Observe(ev); err != nil {
				t.Fatalf("n=%d: %v", n, err)
			}
			if c, ok := ev.(buildproto.Chunk); ok {
				got = append(got, c.Blocks...)
				if c.ReceivedBlocks != len(got) {
					t.Fatalf("n=%d chunk %d: received=%d have %d", n, c.Index, c.ReceivedBlocks, len(got))
				}
				last = c
			}
		}
		if !seq.Done() {
			t.Fatalf("n=%d: no terminal event", n)
		}
		if len(got) != n {
			t.Fatalf("n=%d: reassembled %d blocks", n, len(got))
		}
		for i := range got {
			if got[i] != b.Blocks[i] {
				t.Fatalf("n=%d: block %d differs", n, i)
			}
		}
		hello := events[0].(buildproto.Hello)
		done := events[len(events)-1].(buildproto.Complete)
		if last.ReceivedBlocks != hello.TotalBlocks || done.TotalBlocks != hello.TotalBlocks {
			t.Fatalf("n=%d: totals disagree hello=%d last=%d complete=%d", n, hello.TotalBlocks, last.ReceivedBlocks, done.TotalBlocks)
		}
		if hello.Source != buildproto.SourceLive {
			t.Fatalf("default source: got %s", hello.Source)
		}
	}
}

func TestGenerate_PadsHello(t *testing.T) {
	cfg := DefaultPlanConfig()
	cfg.HelloPadBytes = 2048
	plan := Plan(10, nil, cfg)
	events := collect(t, Source{Build: lineBuild(10)}, plan)
	if got := len(events[0].(buildproto.Hello).Pad); got != 2048 {
		t.Fatalf("pad: got %d want 2048", got)
	}
}

func TestGenerate_StopsOnEmitError(t *testing.T) {
	boom := errors.New("client gone")
	calls := 0
	err := Generate(Source{Build: lineBuild(100_000)}, Plan(100_000, nil, DefaultPlanConfig()), nil, func(buildproto.Event) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) || calls != 2 {
		t.Fatalf("expected stop after second emit, got calls=%d err=%v", calls, err)
	}
}

func TestWriter_EncodesLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, nil)
	plan := Plan(3, nil, DefaultPlanConfig())
	if err := Generate(Source{Build: lineBuild(3)}, plan, nil, w.Emit); err != nil {
		t.Fatalf("generate: %v", err)
	}
	r := buildproto.NewReader(&buf)
	var kinds []string
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		kinds = append(kinds, ev.Kind())
	}
	if got := strings.Join(kinds, ","); got != "hello,chunk,complete" {
		t.Fatalf("kinds: got %s", got)
	}
}

func TestWriter_KeepAlivePingsWhenIdle(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	var buf bytes.Buffer
	w := NewWriter(&buf, clk)
	stop := w.KeepAlive(time.Second)

	waitFor(t, func() bool { return clk.Pending() == 1 })
	clk.Advance(time.Second)
	waitFor(t, func() bool { return w.Written() > 0 })
	stop()

	if got := strings.TrimSpace(buf.String()); got != `{"type":"ping"}` {
		t.Fatalf("expected one ping, got %q", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met")
}
