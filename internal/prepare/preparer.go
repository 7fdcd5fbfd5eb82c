package prepare

import (
	"context"
	"errors"
	"fmt"
	"log"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/cache"
	"voxelbench.ai/internal/clock"
	"voxelbench.ai/internal/delivery"
	"voxelbench.ai/internal/metrics"
	"voxelbench.ai/internal/voxel"
	"voxelbench.ai/internal/voxel/schema"
)

const (
	DefaultPreviewTargetBlocks = 100_000
	DefaultMaxBlocks           = 2_000_000
)

type Options struct {
	// ArtifactsEnabled turns on caching, artifacts and preview-first
	// loading. When off every request prepares fresh and loads full.
	ArtifactsEnabled bool `yaml:"artifacts_enabled"`
	// PreviewEnabled off makes the preview the full build itself.
	PreviewEnabled      bool `yaml:"preview_enabled"`
	PreviewTargetBlocks int  `yaml:"preview_target_blocks"`
	// MaxBlocks is enforced by strict validation only.
	MaxBlocks int `yaml:"max_blocks"`

	Thresholds delivery.Thresholds `yaml:"thresholds"`
}

func DefaultOptions() Options {
	return Options{
		ArtifactsEnabled:    true,
		PreviewEnabled:      true,
		PreviewTargetBlocks: DefaultPreviewTargetBlocks,
		MaxBlocks:           DefaultMaxBlocks,
		Thresholds:          delivery.DefaultThresholds(),
	}
}

func (o *Options) Normalize() {
	if o.PreviewTargetBlocks <= 0 {
		o.PreviewTargetBlocks = DefaultPreviewTargetBlocks
	}
	if o.MaxBlocks < 0 {
		o.MaxBlocks = 0
	}
	o.Thresholds.Normalize()
}

type Preparer struct {
	opts      Options
	resolver  Resolver
	validator Validator
	cache     *cache.Cache[*PreparedBuild]
	logger    *log.Logger
	metrics   *metrics.Metrics
	clk       clock.Clock
}

// NewPreparer wires a preparer. c may be nil to disable caching; logger
// and m may be nil.
func NewPreparer(opts Options, resolver Resolver, validator Validator, c *cache.Cache[*PreparedBuild], logger *log.Logger, m *metrics.Metrics) *Preparer {
	opts.Normalize()
	if validator == nil {
		validator = schema.New()
	}
	return &Preparer{
		opts:      opts,
		resolver:  resolver,
		validator: validator,
		cache:     c,
		logger:    logger,
		metrics:   m,
		clk:       clock.Real(),
	}
}

// NewCache builds the prepared build cache with the standard weight.
func NewCache(opts cache.Options, clk clock.Clock) *cache.Cache[*PreparedBuild] {
	return cache.New[*PreparedBuild](opts, clk, Weight)
}

// WithClock sets the clock stamped into PreparedAt and used for timing.
func (p *Preparer) WithClock(clk clock.Clock) *Preparer {
	p.clk = clock.OrReal(clk)
	return p
}

func (p *Preparer) Options() Options { return p.opts }

func (p *Preparer) Thresholds() delivery.Thresholds { return p.opts.Thresholds }

// Cached returns the cached preparation for (buildID, checksum), if any.
func (p *Preparer) Cached(buildID, checksum string) (*PreparedBuild, bool) {
	if p.cache == nil || checksum == "" {
		return nil, false
	}
	return p.cache.Get(CacheKey(buildID, checksum))
}

// Prepare returns the prepared form of b. Records with a stored content
// hash are prepared once per (id, hash) while the artifact subsystem is
// enabled; concurrent callers share one preparation.
func (p *Preparer) Prepare(ctx context.Context, b Build) (*PreparedBuild, error) {
	if b.ID == "" {
		return nil, errors.New("prepare: empty build id")
	}
	if !p.opts.ArtifactsEnabled || b.ContentHash == "" || p.cache == nil {
		return p.prepare(ctx, b)
	}
	return p.cache.GetOrLoad(ctx, CacheKey(b.ID, b.ContentHash), func(ctx context.Context) (*PreparedBuild, error) {
		return p.prepare(ctx, b)
	})
}

func (p *Preparer) prepare(ctx context.Context, b Build) (*PreparedBuild, error) {
	start := p.clk.Now()

	if p.resolver == nil {
		return nil, errors.New("prepare: no payload resolver")
	}
	payload, err := p.resolver.Resolve(ctx, b)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.metrics.ObservePrepare("resolve_error", p.clk.Now().Sub(start))
		return nil, fmt.Errorf("resolve build %s: %w", b.ID, err)
	}

	lim := schema.Limits{GridSize: b.GridSize, Palette: b.Palette, MaxBlocks: p.opts.MaxBlocks}
	validated := true
	full, strictErr := p.validator.Strict(payload, lim)
	if strictErr != nil {
		var lenientErr error
		full, lenientErr = p.validator.Lenient(payload, lim)
		if lenientErr != nil {
			p.metrics.ObservePrepare("validation_error", p.clk.Now().Sub(start))
			return nil, &ValidationError{BuildID: b.ID, Err: strictErr, Lenient: lenientErr}
		}
		validated = false
		p.metrics.LenientFallback()
		p.printf("prepare lenient build=%s blocks=%d strict_err=%v", b.ID, full.Len(), strictErr)
	}

	checksum, durable := b.ContentHash, true
	if checksum == "" {
		checksum, durable = voxel.Checksum(full), false
	}

	preview := full
	if p.opts.PreviewEnabled {
		preview = voxel.DerivePreview(full, p.opts.PreviewTargetBlocks).Build
	}

	th := p.opts.Thresholds
	est := th.EstimateBytes(b.Metadata.ByteSize, b.Metadata.CompressedByteSize)
	hints := th.Hints(full.Len(), preview.Len(), est)
	if !p.opts.ArtifactsEnabled {
		hints.InitialVariant = buildproto.VariantFull
	}

	pb := &PreparedBuild{
		BuildID:         b.ID,
		Checksum:        checksum,
		DurableChecksum: durable,
		ServerValidated: validated,
		Full:            full,
		Preview:         preview,
		Hints:           hints,
		FullRef:         buildproto.Ref{BuildID: b.ID, Variant: buildproto.VariantFull, Checksum: checksum},
		PreviewRef:      buildproto.Ref{BuildID: b.ID, Variant: buildproto.VariantPreview, Checksum: checksum},
		PreparedAt:      p.clk.Now(),
	}
	dur := p.clk.Now().Sub(start)
	p.metrics.ObservePrepare("ok", dur)
	p.printf("prepared build=%s full=%d preview=%d class=%s durable=%t ms=%d", b.ID, full.Len(), preview.Len(), hints.DeliveryClass, durable, dur.Milliseconds())
	return pb, nil
}

func (p *Preparer) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
