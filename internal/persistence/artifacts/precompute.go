package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/metrics"
	"voxelbench.ai/internal/prepare"
	"voxelbench.ai/internal/stream"
)

var (
	ErrNoChecksum  = errors.New("build has no durable checksum")
	ErrNotEligible = errors.New("build is below the artifact size threshold")
)

type PrecomputeOptions struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	EnqueueWait   time.Duration `yaml:"enqueue_wait"`
	// UploadsPerSecond paces uploads across all workers; 0 is unlimited.
	UploadsPerSecond float64       `yaml:"uploads_per_second"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`
	// Force skips the size eligibility check.
	Force bool `yaml:"-"`
}

func (o *PrecomputeOptions) Normalize() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 256
	}
	if o.EnqueueWait <= 0 {
		o.EnqueueWait = 25 * time.Millisecond
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = 2 * time.Minute
	}
}

type PrecomputeStats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	DuplicateTotal      uint64
	SkippedTotal        uint64
	CanceledTotal       uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

// Precomputer prepares builds and uploads their encoded streams on a
// bounded worker pool. Enqueue never blocks longer than EnqueueWait.
type Precomputer struct {
	store    *Store
	preparer *prepare.Preparer
	planCfg  stream.PlanConfig
	opts     PrecomputeOptions
	limiter  *rate.Limiter
	logger   *log.Logger
	metrics  *metrics.Metrics

	ctx      context.Context
	abort    context.CancelFunc
	jobs     chan prepare.Build
	wg       sync.WaitGroup
	inflight sync.Map
	closed   atomic.Bool
	closeMu  sync.RWMutex

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	duplicateTotal      atomic.Uint64
	skippedTotal        atomic.Uint64
	canceledTotal       atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewPrecomputer(store *Store, preparer *prepare.Preparer, planCfg stream.PlanConfig, opts PrecomputeOptions, logger *log.Logger, m *metrics.Metrics) *Precomputer {
	opts.Normalize()
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.UploadsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.UploadsPerSecond), 1)
	}
	ctx, abort := context.WithCancel(context.Background())
	p := &Precomputer{
		ctx:      ctx,
		abort:    abort,
		store:    store,
		preparer: preparer,
		planCfg:  planCfg,
		opts:     opts,
		limiter:  limiter,
		logger:   logger,
		metrics:  m,
		jobs:     make(chan prepare.Build, opts.QueueCapacity),
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for b := range p.jobs {
				p.runOne(b)
			}
		}()
	}
	m.WatchQueue("precompute", func() int { return len(p.jobs) })
	return p
}

// Enqueue schedules b. It returns false when the job was dropped, skipped
// as a duplicate of one already queued, or the pool is closed.
func (p *Precomputer) Enqueue(b prepare.Build) bool {
	if p == nil {
		return false
	}
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed.Load() {
		return false
	}
	key := prepare.CacheKey(b.ID, b.ContentHash)
	if _, dup := p.inflight.LoadOrStore(key, struct{}{}); dup {
		p.duplicateTotal.Add(1)
		return false
	}
	p.enqueuedTotal.Add(1)

	select {
	case p.jobs <- b:
		return true
	default:
	}

	p.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(p.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case p.jobs <- b:
		return true
	case <-timer.C:
		p.inflight.Delete(key)
		dropped := p.droppedTotal.Add(1)
		p.metrics.Precompute("dropped")
		p.printf("precompute drop build=%s reason=queue_saturated wait_ms=%d dropped_total=%d", b.ID, p.opts.EnqueueWait.Milliseconds(), dropped)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *Precomputer) Close() {
	if p == nil {
		return
	}
	p.closeMu.Lock()
	if p.closed.Swap(true) {
		p.closeMu.Unlock()
		return
	}
	close(p.jobs)
	p.closeMu.Unlock()
	p.wg.Wait()
	p.abort()
}

// Abort cancels the running uploads and turns every queued job into a
// no-op, so a following Close returns promptly. Abort does not wait.
func (p *Precomputer) Abort() {
	if p == nil {
		return
	}
	p.abort()
}

func (p *Precomputer) Stats() PrecomputeStats {
	if p == nil {
		return PrecomputeStats{}
	}
	return PrecomputeStats{
		QueueDepth:          len(p.jobs),
		QueueCapacity:       cap(p.jobs),
		EnqueuedTotal:       p.enqueuedTotal.Load(),
		QueueSaturatedTotal: p.queueSaturatedTotal.Load(),
		DroppedTotal:        p.droppedTotal.Load(),
		DuplicateTotal:      p.duplicateTotal.Load(),
		SkippedTotal:        p.skippedTotal.Load(),
		CanceledTotal:       p.canceledTotal.Load(),
		UploadSuccessTotal:  p.uploadSuccessTotal.Load(),
		UploadFailTotal:     p.uploadFailTotal.Load(),
		LastSuccessUnix:     p.lastSuccessUnix.Load(),
		LastErrorUnix:       p.lastErrorUnix.Load(),
	}
}

func (p *Precomputer) runOne(b prepare.Build) {
	defer p.inflight.Delete(prepare.CacheKey(b.ID, b.ContentHash))
	if p.ctx.Err() != nil {
		p.canceledTotal.Add(1)
		return
	}
	err := p.Precompute(p.ctx, b)
	switch {
	case err == nil:
	case p.ctx.Err() != nil:
		p.canceledTotal.Add(1)
		p.printf("precompute canceled build=%s", b.ID)
	case errors.Is(err, ErrNoChecksum), errors.Is(err, ErrNotEligible):
		p.skippedTotal.Add(1)
		p.metrics.Precompute("skipped")
		p.printf("precompute skip build=%s reason=%v", b.ID, err)
	default:
		p.uploadFailTotal.Add(1)
		p.lastErrorUnix.Store(time.Now().UTC().Unix())
		p.metrics.Precompute("error")
		p.printf("precompute failed build=%s err=%v", b.ID, err)
	}
}

// Precompute prepares b and uploads both variants. Builds without a
// stored hash are never precomputed; builds below the eligibility
// threshold are skipped unless Force is set.
func (p *Precomputer) Precompute(ctx context.Context, b prepare.Build) error {
	if b.ContentHash == "" {
		return ErrNoChecksum
	}
	th := p.preparer.Thresholds()
	if !p.opts.Force && !th.ArtifactEligible(th.EstimateBytes(b.Metadata.ByteSize, b.Metadata.CompressedByteSize)) {
		return ErrNotEligible
	}
	pb, err := p.preparer.Prepare(ctx, b)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	if !pb.DurableChecksum {
		return ErrNoChecksum
	}
	for _, v := range []buildproto.Variant{buildproto.VariantFull, buildproto.VariantPreview} {
		src := pb.StreamSource(v, buildproto.SourceArtifact)
		plan := pb.Plan(v, p.planCfg)
		n, err := p.uploadWithRetry(ctx, src, plan)
		if err != nil {
			return err
		}
		p.uploadSuccessTotal.Add(1)
		p.lastSuccessUnix.Store(time.Now().UTC().Unix())
		p.metrics.Precompute("ok")
		p.printf("precompute uploaded key=%s blocks=%d chunks=%d bytes=%d", p.store.Key(src.Ref), plan.TotalBlocks, plan.ChunkCount, n)
	}
	return nil
}

func (p *Precomputer) uploadWithRetry(ctx context.Context, src stream.Source, plan stream.StreamPlan) (int, error) {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		uctx, cancel := context.WithTimeout(ctx, p.opts.UploadTimeout)
		n, err := p.store.Put(uctx, src, plan)
		cancel()
		if err == nil {
			return n, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			backoff := time.Duration(attempt*attempt) * 200 * time.Millisecond
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return 0, ctx.Err()
			case <-t.C:
			}
		}
	}
	return 0, lastErr
}

func (p *Precomputer) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
