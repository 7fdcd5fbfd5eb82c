package voxel

// Version is the voxel build format tag written by this server.
const Version = "1.0"

// Block is one typed cell of a build.
type Block struct {
	X    int    `json:"x"`
	Y    int    `json:"y"`
	Z    int    `json:"z"`
	Type string `json:"type"`
}

// Build is an ordered collection of blocks. Builds are shared by pointer
// between the cache, the stream generator and the snapshot encoder, so a
// Build must never be mutated after construction; derive a new one instead.
type Build struct {
	Version string  `json:"version"`
	Blocks  []Block `json:"blocks"`
}

func (b *Build) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Blocks)
}

// Slice returns blocks [from, to) without copying.
func (b *Build) Slice(from, to int) []Block {
	if b == nil {
		return nil
	}
	if from < 0 {
		from = 0
	}
	if to > len(b.Blocks) {
		to = len(b.Blocks)
	}
	if from >= to {
		return nil
	}
	return b.Blocks[from:to:to]
}

const (
	keyBits = 21
	keyMask = 1<<keyBits - 1
)

// CoordLimit is the exclusive upper bound of a coordinate on any axis.
// Validators reject larger values so packed keys never alias.
const CoordLimit = 1 << keyBits

// PackKey packs coordinates in [0, CoordLimit) into one integer for
// occupancy lookups. Each axis gets 21 bits; larger values alias.
func PackKey(x, y, z int) uint64 {
	return uint64(x)&keyMask | (uint64(y)&keyMask)<<keyBits | (uint64(z)&keyMask)<<(2*keyBits)
}
