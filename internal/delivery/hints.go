package delivery

import "voxelbench.ai/internal/buildproto"

// LoadHints travel with a prepared build and in hello/snapshot payloads,
// so the wire package owns the type.
type LoadHints = buildproto.LoadHints

// Hints assembles load hints. The preview is chosen first only when the
// size calls for it and the preview actually has fewer blocks.
func (t Thresholds) Hints(fullBlocks, previewBlocks int, estimatedBytes *int64) LoadHints {
	initial := buildproto.VariantFull
	if t.ShouldPreferPreview(estimatedBytes) && previewBlocks < fullBlocks {
		initial = buildproto.VariantPreview
	}
	return LoadHints{
		InitialVariant: initial,
		DeliveryClass:  string(t.Classify(estimatedBytes)),
		FullBlocks:     fullBlocks,
		PreviewBlocks:  previewBlocks,
		EstimatedBytes: estimatedBytes,
	}
}
