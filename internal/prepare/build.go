// Package prepare turns stored build records into immutable prepared
// builds: resolved, validated, checksummed, with a preview variant and
// load hints.
package prepare

import (
	"context"
	"fmt"
	"time"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/delivery"
	"voxelbench.ai/internal/stream"
	"voxelbench.ai/internal/voxel"
	"voxelbench.ai/internal/voxel/schema"
)

// Build is a stored build record. Payload holds either inline bytes or a
// reference into the blob store.
type Build struct {
	ID          string
	GridSize    int
	Palette     string
	BlockCount  int
	Metadata    Metadata
	ContentHash string
	Payload     Payload
}

type Metadata struct {
	ByteSize           *int64
	CompressedByteSize *int64
}

type Payload struct {
	Inline []byte
	Ref    string
}

// Resolver fetches the raw payload bytes of a build.
type Resolver interface {
	Resolve(ctx context.Context, b Build) ([]byte, error)
}

// Validator decodes payloads. Lenient is only tried after Strict fails.
type Validator interface {
	Strict(payload []byte, lim schema.Limits) (*voxel.Build, error)
	Lenient(payload []byte, lim schema.Limits) (*voxel.Build, error)
}

// PreparedBuild is shared by every request for the same content and must
// not be modified after Prepare returns it.
type PreparedBuild struct {
	BuildID  string
	Checksum string
	// DurableChecksum is false when Checksum was derived from the payload
	// because the record had no stored hash. Such builds are never cached
	// and never have artifacts.
	DurableChecksum bool
	ServerValidated bool

	Full    *voxel.Build
	Preview *voxel.Build
	Hints   delivery.LoadHints

	FullRef    buildproto.Ref
	PreviewRef buildproto.Ref
	PreparedAt time.Time
}

func CacheKey(buildID, checksum string) string {
	return buildID + ":" + checksum
}

// CacheKey is empty for builds without a durable checksum.
func (p *PreparedBuild) CacheKey() string {
	if !p.DurableChecksum || p.Checksum == "" {
		return ""
	}
	return CacheKey(p.BuildID, p.Checksum)
}

// Variant returns the block set for v. Unknown variants get the full build.
func (p *PreparedBuild) Variant(v buildproto.Variant) *voxel.Build {
	if v == buildproto.VariantPreview {
		return p.Preview
	}
	return p.Full
}

func (p *PreparedBuild) Ref(v buildproto.Variant) buildproto.Ref {
	if v == buildproto.VariantPreview {
		return p.PreviewRef
	}
	return p.FullRef
}

// EstimatedBytes is the size estimate for one variant. The preview
// estimate scales the full estimate by block count. Nil means unknown.
func (p *PreparedBuild) EstimatedBytes(v buildproto.Variant) *int64 {
	full := p.Hints.EstimatedBytes
	if full == nil || v != buildproto.VariantPreview {
		return full
	}
	if p.Full.Len() == 0 || p.Preview == p.Full {
		return full
	}
	n := *full * int64(p.Preview.Len()) / int64(p.Full.Len())
	return &n
}

// PreviewBlockWeight is the in-memory cost charged per materialized
// preview block.
const PreviewBlockWeight = 48

// Weight estimates the memory held by a cached build. The full variant is
// charged at a fifth of its byte estimate since it is mostly streamed out
// rather than held; the preview is charged per block.
func Weight(p *PreparedBuild) int64 {
	if p == nil {
		return 0
	}
	fullBytes := delivery.EstimateFromBlocks(p.Full.Len())
	if p.Hints.EstimatedBytes != nil {
		fullBytes = *p.Hints.EstimatedBytes
	}
	return fullBytes/5 + int64(p.Preview.Len())*PreviewBlockWeight
}

// ValidationError means both the strict and lenient parses rejected the
// payload. It is not retried.
type ValidationError struct {
	BuildID string
	Err     error
	Lenient error
}

func (e *ValidationError) Error() string {
	if e.Lenient != nil {
		return fmt.Sprintf("build %s failed validation: %v (lenient: %v)", e.BuildID, e.Err, e.Lenient)
	}
	return fmt.Sprintf("build %s failed validation: %v", e.BuildID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StreamSource is the streamable form of one variant.
func (p *PreparedBuild) StreamSource(v buildproto.Variant, origin buildproto.Source) stream.Source {
	hints := p.Hints
	return stream.Source{
		Ref:             p.Ref(v),
		ServerValidated: p.ServerValidated,
		Hints:           &hints,
		Build:           p.Variant(v),
		Origin:          origin,
	}
}

// Plan sizes the stream of one variant.
func (p *PreparedBuild) Plan(v buildproto.Variant, cfg stream.PlanConfig) stream.StreamPlan {
	return stream.Plan(p.Variant(v).Len(), p.EstimatedBytes(v), cfg)
}

// Snapshot is the single-body response for one variant.
func (p *PreparedBuild) Snapshot(v buildproto.Variant) buildproto.Snapshot {
	hints := p.Hints
	return buildproto.Snapshot{
		BuildID:         p.BuildID,
		Variant:         v,
		Checksum:        p.Checksum,
		ServerValidated: p.ServerValidated,
		Hints:           &hints,
		VoxelBuild:      p.Variant(v),
	}
}
