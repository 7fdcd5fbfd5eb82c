// Package stream plans chunked transfers of a build variant and produces
// the ndjson event sequence for them.
package stream

import "voxelbench.ai/internal/delivery"

type PlanConfig struct {
	TargetChunkBytes int64 `yaml:"target_chunk_bytes"`
	MinBlocksToChunk int   `yaml:"min_blocks_to_chunk"`
	MaxChunks        int   `yaml:"max_chunks"`
	MinChunkBlocks   int   `yaml:"min_chunk_blocks"`
	MaxChunkBlocks   int   `yaml:"max_chunk_blocks"`
	HelloPadBytes    int   `yaml:"hello_pad_bytes"`
	BytesPerBlock    int64 `yaml:"bytes_per_block"`
}

func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		TargetChunkBytes: 1_200_000,
		MinBlocksToChunk: 20_000,
		MaxChunks:        64,
		MinChunkBlocks:   2_000,
		MaxChunkBlocks:   40_000,
		HelloPadBytes:    0,
		BytesPerBlock:    delivery.BytesPerBlock,
	}
}

// Normalize fills non-positive limits with defaults and swaps an inverted
// per-chunk range.
func (c *PlanConfig) Normalize() {
	d := DefaultPlanConfig()
	if c.TargetChunkBytes <= 0 {
		c.TargetChunkBytes = d.TargetChunkBytes
	}
	if c.MinBlocksToChunk < 0 {
		c.MinBlocksToChunk = 0
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = d.MaxChunks
	}
	if c.MinChunkBlocks <= 0 {
		c.MinChunkBlocks = d.MinChunkBlocks
	}
	if c.MaxChunkBlocks <= 0 {
		c.MaxChunkBlocks = d.MaxChunkBlocks
	}
	if c.MinChunkBlocks > c.MaxChunkBlocks {
		c.MinChunkBlocks, c.MaxChunkBlocks = c.MaxChunkBlocks, c.MinChunkBlocks
	}
	if c.HelloPadBytes < 0 {
		c.HelloPadBytes = 0
	}
	if c.BytesPerBlock <= 0 {
		c.BytesPerBlock = d.BytesPerBlock
	}
}

type StreamPlan struct {
	TotalBlocks     int
	EstimatedBytes  int64
	ChunkCount      int
	ChunkBlockCount int
	PadBytes        int
}

// Plan sizes the chunks for totalBlocks. Small builds, or ones whose
// estimate fits a single target chunk, go out as one chunk. Otherwise the
// chunk count follows the byte estimate, capped at MaxChunks, and the
// per-chunk block count is clamped to [MinChunkBlocks, MaxChunkBlocks]
// before the final count is recomputed from it.
func Plan(totalBlocks int, estimatedBytes *int64, cfg PlanConfig) StreamPlan {
	cfg.Normalize()
	if totalBlocks < 0 {
		totalBlocks = 0
	}
	est := int64(totalBlocks) * cfg.BytesPerBlock
	if estimatedBytes != nil && *estimatedBytes > 0 {
		est = *estimatedBytes
	}
	p := StreamPlan{TotalBlocks: totalBlocks, EstimatedBytes: est, PadBytes: cfg.HelloPadBytes}

	switch {
	case totalBlocks == 0:
		return p
	case totalBlocks < cfg.MinBlocksToChunk || est <= cfg.TargetChunkBytes:
		p.ChunkCount = 1
		p.ChunkBlockCount = totalBlocks
		return p
	}

	target := ceilDiv64(est, cfg.TargetChunkBytes)
	if target > int64(cfg.MaxChunks) {
		target = int64(cfg.MaxChunks)
	}
	per := ceilDiv(totalBlocks, int(target))
	if per < cfg.MinChunkBlocks {
		per = cfg.MinChunkBlocks
	}
	if per > cfg.MaxChunkBlocks {
		per = cfg.MaxChunkBlocks
	}
	if per > totalBlocks {
		per = totalBlocks
	}
	p.ChunkBlockCount = per
	p.ChunkCount = ceilDiv(totalBlocks, per)
	return p
}

// Bounds returns the block range of the 1-based chunk index.
func (p StreamPlan) Bounds(index int) (from, to int) {
	from = (index - 1) * p.ChunkBlockCount
	to = from + p.ChunkBlockCount
	if index == p.ChunkCount || to > p.TotalBlocks {
		to = p.TotalBlocks
	}
	return from, to
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func ceilDiv64(a, b int64) int64 {
	return (a + b - 1) / b
}
