package voxel

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Checksum derives a content hash from the version, the block count and
// every block in order. It is order sensitive and is only ever computed
// over full builds, never over sampled previews. A nil build hashes like
// an empty one.
func Checksum(b *Build) string {
	if b == nil {
		b = &Build{}
	}
	h := blake3.New()
	var tmp [binary.MaxVarintLen64]byte

	writeString := func(s string) {
		n := binary.PutUvarint(tmp[:], uint64(len(s)))
		_, _ = h.Write(tmp[:n])
		_, _ = h.Write([]byte(s))
	}
	writeInt := func(v int) {
		n := binary.PutVarint(tmp[:], int64(v))
		_, _ = h.Write(tmp[:n])
	}

	writeString(b.Version)
	writeInt(b.Len())
	for _, blk := range b.Blocks {
		writeInt(blk.X)
		writeInt(blk.Y)
		writeInt(blk.Z)
		writeString(blk.Type)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
