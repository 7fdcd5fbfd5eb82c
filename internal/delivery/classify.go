// Package delivery decides how a build variant should reach a client from
// its estimated byte size.
package delivery

type Class string

const (
	ClassInline         Class = "inline"
	ClassSnapshot       Class = "snapshot"
	ClassLiveStream     Class = "live-stream"
	ClassArtifactStream Class = "artifact-stream"
)

const (
	MiB = 1 << 20

	DefaultInlineMaxBytes         = 8 * MiB
	DefaultSnapshotMaxBytes       = 20 * MiB
	DefaultArtifactEligibleBytes  = 32 * MiB
	DefaultArtifactStreamMinBytes = 50 * MiB
	DefaultPreferPreviewBytes     = 12 * MiB
	DefaultCompressedExpansion    = 6
)

// Thresholds are byte limits in ascending order. Sizes up to InlineMaxBytes
// are inline, up to SnapshotMaxBytes snapshot, from ArtifactStreamMinBytes
// artifact-stream, and live-stream in between. ArtifactEligibleBytes gates
// artifact precomputation and lookup; it is not a class boundary.
type Thresholds struct {
	InlineMaxBytes         int64 `yaml:"inline_max_bytes"`
	SnapshotMaxBytes       int64 `yaml:"snapshot_max_bytes"`
	ArtifactEligibleBytes  int64 `yaml:"artifact_eligible_bytes"`
	ArtifactStreamMinBytes int64 `yaml:"artifact_stream_min_bytes"`

	// PreferPreviewBytes is independent of the four-way split.
	PreferPreviewBytes int64 `yaml:"prefer_preview_bytes"`
	// CompressedExpansion estimates raw size from a compressed size.
	CompressedExpansion int64 `yaml:"compressed_expansion"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		InlineMaxBytes:         DefaultInlineMaxBytes,
		SnapshotMaxBytes:       DefaultSnapshotMaxBytes,
		ArtifactEligibleBytes:  DefaultArtifactEligibleBytes,
		ArtifactStreamMinBytes: DefaultArtifactStreamMinBytes,
		PreferPreviewBytes:     DefaultPreferPreviewBytes,
		CompressedExpansion:    DefaultCompressedExpansion,
	}
}

// Normalize fills zero values with defaults and raises any threshold that
// is below its predecessor, so the four limits are always ascending.
func (t *Thresholds) Normalize() {
	d := DefaultThresholds()
	if t.InlineMaxBytes <= 0 {
		t.InlineMaxBytes = d.InlineMaxBytes
	}
	if t.SnapshotMaxBytes <= 0 {
		t.SnapshotMaxBytes = d.SnapshotMaxBytes
	}
	if t.ArtifactEligibleBytes <= 0 {
		t.ArtifactEligibleBytes = d.ArtifactEligibleBytes
	}
	if t.ArtifactStreamMinBytes <= 0 {
		t.ArtifactStreamMinBytes = d.ArtifactStreamMinBytes
	}
	if t.PreferPreviewBytes <= 0 {
		t.PreferPreviewBytes = d.PreferPreviewBytes
	}
	if t.CompressedExpansion <= 0 {
		t.CompressedExpansion = d.CompressedExpansion
	}
	if t.SnapshotMaxBytes < t.InlineMaxBytes {
		t.SnapshotMaxBytes = t.InlineMaxBytes
	}
	if t.ArtifactEligibleBytes < t.SnapshotMaxBytes {
		t.ArtifactEligibleBytes = t.SnapshotMaxBytes
	}
	if t.ArtifactStreamMinBytes < t.ArtifactEligibleBytes {
		t.ArtifactStreamMinBytes = t.ArtifactEligibleBytes
	}
}

// Classify maps an estimated size to a delivery class. An unknown size
// (nil) is always live-stream.
func (t Thresholds) Classify(estimatedBytes *int64) Class {
	if estimatedBytes == nil {
		return ClassLiveStream
	}
	n := *estimatedBytes
	switch {
	case n <= t.InlineMaxBytes:
		return ClassInline
	case n <= t.SnapshotMaxBytes:
		return ClassSnapshot
	case n >= t.ArtifactStreamMinBytes:
		return ClassArtifactStream
	default:
		return ClassLiveStream
	}
}

// ShouldPreferPreview reports whether a client should load the preview
// first. Unknown sizes never prefer the preview.
func (t Thresholds) ShouldPreferPreview(estimatedBytes *int64) bool {
	return estimatedBytes != nil && *estimatedBytes > t.PreferPreviewBytes
}

// ArtifactEligible reports whether a build is large enough to be worth a
// precomputed artifact.
func (t Thresholds) ArtifactEligible(estimatedBytes *int64) bool {
	return estimatedBytes != nil && *estimatedBytes >= t.ArtifactEligibleBytes
}

// EstimateBytes prefers an exact size, then a compressed size times the
// expansion factor. Non-positive sizes count as unknown.
func (t Thresholds) EstimateBytes(byteSize, compressedByteSize *int64) *int64 {
	if byteSize != nil && *byteSize > 0 {
		n := *byteSize
		return &n
	}
	if compressedByteSize != nil && *compressedByteSize > 0 {
		f := t.CompressedExpansion
		if f <= 0 {
			f = DefaultCompressedExpansion
		}
		n := *compressedByteSize * f
		return &n
	}
	return nil
}

// BytesPerBlock is the encoded size of one block on the wire, used when a
// build carries no size metadata.
const BytesPerBlock = 34

// EstimateFromBlocks is the fallback byte estimate for n blocks.
func EstimateFromBlocks(n int) int64 {
	return int64(n) * BytesPerBlock
}
