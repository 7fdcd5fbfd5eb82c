package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"voxelbench.ai/internal/cache"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObservePrepare("ok", time.Second)
	m.StreamStarted("http", "live", "full")()
	m.ArtifactLookup("hit")
	m.WatchCache(func() cache.Stats { return cache.Stats{} })
}

func TestMetrics_RecordAndWatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ArtifactLookup("miss")
	m.ArtifactLookup("miss")
	if got := testutil.ToFloat64(m.ArtifactLookups.WithLabelValues("miss")); got != 2 {
		t.Fatalf("artifact misses: got %v want 2", got)
	}

	done := m.StreamStarted("http", "live", "preview")
	if got := testutil.ToFloat64(m.ActiveStreams); got != 1 {
		t.Fatalf("active streams: got %v want 1", got)
	}
	done()
	if got := testutil.ToFloat64(m.ActiveStreams); got != 0 {
		t.Fatalf("active streams after done: got %v want 0", got)
	}

	m.WatchCache(func() cache.Stats { return cache.Stats{Entries: 3, Weight: 1024} })
	m.WatchQueue("precompute", func() int { return 5 })
	n, err := testutil.GatherAndCount(reg, "voxelbench_cache_entries", "voxelbench_precompute_queue_depth")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Fatalf("gathered series: got %d want 2", n)
	}
}
