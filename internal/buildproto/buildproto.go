// Package buildproto is the build delivery wire format: line-delimited
// stream events, the snapshot body and the shared reference types.
package buildproto

import "voxelbench.ai/internal/voxel"

type Variant string

const (
	VariantFull    Variant = "full"
	VariantPreview Variant = "preview"
)

// ParseVariant maps a query value to a variant. Empty means full.
func ParseVariant(s string) (Variant, bool) {
	switch Variant(s) {
	case "", VariantFull:
		return VariantFull, true
	case VariantPreview:
		return VariantPreview, true
	default:
		return "", false
	}
}

// Ref names one variant of one build at one content checksum.
type Ref struct {
	BuildID  string  `json:"buildId"`
	Variant  Variant `json:"variant"`
	Checksum string  `json:"checksum"`
}

type LoadHints struct {
	InitialVariant Variant `json:"initialVariant"`
	DeliveryClass  string  `json:"deliveryClass"`
	FullBlocks     int     `json:"fullBlocks"`
	PreviewBlocks  int     `json:"previewBlocks"`
	EstimatedBytes *int64  `json:"estimatedBytes"`
}

// Snapshot is the non-streaming response body.
type Snapshot struct {
	BuildID         string       `json:"buildId"`
	Variant         Variant      `json:"variant"`
	Checksum        string       `json:"checksum"`
	ServerValidated bool         `json:"serverValidated"`
	Hints           *LoadHints   `json:"buildLoadHints,omitempty"`
	VoxelBuild      *voxel.Build `json:"voxelBuild"`
}
