package stream

import (
	"strings"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/clock"
	"voxelbench.ai/internal/voxel"
)

// Source is one variant of a prepared build, ready to be streamed.
type Source struct {
	Ref             buildproto.Ref
	ServerValidated bool
	Hints           *buildproto.LoadHints
	Build           *voxel.Build
	Origin          buildproto.Source
}

// Generate emits hello, one chunk per planned slice and complete. It stops
// at the first emit error and returns it. Chunks alias the source blocks.
func Generate(src Source, plan StreamPlan, clk clock.Clock, emit func(buildproto.Event) error) error {
	clk = clock.OrReal(clk)
	start := clk.Now()

	origin := src.Origin
	if origin == "" {
		origin = buildproto.SourceLive
	}
	hello := buildproto.Hello{
		BuildID:         src.Ref.BuildID,
		Variant:         src.Ref.Variant,
		Checksum:        src.Ref.Checksum,
		ServerValidated: src.ServerValidated,
		Hints:           src.Hints,
		TotalBlocks:     plan.TotalBlocks,
		ChunkCount:      plan.ChunkCount,
		ChunkBlockCount: plan.ChunkBlockCount,
		EstimatedBytes:  plan.EstimatedBytes,
		Source:          origin,
	}
	if plan.PadBytes > 0 {
		hello.Pad = strings.Repeat(" ", plan.PadBytes)
	}
	if err := emit(hello); err != nil {
		return err
	}

	received := 0
	for i := 1; i <= plan.ChunkCount; i++ {
		from, to := plan.Bounds(i)
		blocks := src.Build.Slice(from, to)
		received += len(blocks)
		if err := emit(buildproto.Chunk{
			Index:          i,
			ChunkCount:     plan.ChunkCount,
			ReceivedBlocks: received,
			TotalBlocks:    plan.TotalBlocks,
			Blocks:         blocks,
		}); err != nil {
			return err
		}
	}

	return emit(buildproto.Complete{
		TotalBlocks: plan.TotalBlocks,
		DurationMs:  clk.Now().Sub(start).Milliseconds(),
	})
}
