package voxel

// Derived is the result of fitting a build under a block budget.
type Derived struct {
	Build *Build
	// Factor is full/preview block count; 1 when the source was returned as is.
	Factor float64
	// SurfaceOnly is set when removing hidden blocks alone met the budget.
	SurfaceOnly bool
}

// DerivePreview returns a build with at most target blocks.
//
// A source already within budget is returned unchanged (same pointer).
// Otherwise hidden blocks are dropped first, then the surface is thinned
// by a per-block coordinate hash, and any shortfall is filled by striding
// over the surface blocks the hash left out. The result depends only on
// the source blocks, so re-deriving a build yields the same set. Block
// order in the result does not follow the source.
//
// A non-positive target disables sampling.
func DerivePreview(full *Build, target int) Derived {
	if full == nil {
		return Derived{}
	}
	n := len(full.Blocks)
	if target <= 0 || n <= target {
		return Derived{Build: full, Factor: 1}
	}

	surface := SurfaceBlocks(full.Blocks)
	if len(surface) <= target {
		return Derived{
			Build:       &Build{Version: full.Version, Blocks: surface},
			Factor:      ratio(n, len(surface)),
			SurfaceOnly: true,
		}
	}

	keepRatio := float64(target) / float64(len(surface))
	out := make([]Block, 0, target)
	picked := make([]bool, len(surface))
	for i, b := range surface {
		if float64(blockHash(b.X, b.Y, b.Z))/(1<<32) <= keepRatio {
			out = append(out, b)
			picked[i] = true
		}
	}
	if len(out) > target {
		out = out[:target]
	}

	if need := target - len(out); need > 0 {
		rest := make([]int, 0, len(surface)-len(out))
		for i := range surface {
			if !picked[i] {
				rest = append(rest, i)
			}
		}
		interval := len(rest) / need
		if interval < 1 {
			interval = 1
		}
		for i := 0; i < len(rest) && need > 0; i += interval {
			out = append(out, surface[rest[i]])
			need--
		}
	}

	return Derived{
		Build:  &Build{Version: full.Version, Blocks: out},
		Factor: ratio(n, len(out)),
	}
}

// SurfaceBlocks keeps blocks with at least one of the six axis neighbours
// unoccupied. Source order is preserved.
func SurfaceBlocks(blocks []Block) []Block {
	occupied := make(map[uint64]struct{}, len(blocks))
	for _, b := range blocks {
		occupied[PackKey(b.X, b.Y, b.Z)] = struct{}{}
	}
	has := func(x, y, z int) bool {
		if x < 0 || y < 0 || z < 0 {
			return false
		}
		_, ok := occupied[PackKey(x, y, z)]
		return ok
	}

	out := make([]Block, 0, len(blocks)/2)
	for _, b := range blocks {
		if !has(b.X+1, b.Y, b.Z) || !has(b.X-1, b.Y, b.Z) ||
			!has(b.X, b.Y+1, b.Z) || !has(b.X, b.Y-1, b.Z) ||
			!has(b.X, b.Y, b.Z+1) || !has(b.X, b.Y, b.Z-1) {
			out = append(out, b)
		}
	}
	return out
}

// blockHash mixes coordinates into 32 bits. The constants are part of the
// preview format: changing them changes every derived preview.
func blockHash(x, y, z int) uint32 {
	h := uint32(x)*0x8da6b343 ^ uint32(y)*0xd8163841 ^ uint32(z)*0xcb1ab31f
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

func ratio(full, preview int) float64 {
	if preview == 0 {
		return 0
	}
	return float64(full) / float64(preview)
}
