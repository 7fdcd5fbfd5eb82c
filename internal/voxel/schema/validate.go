// Package schema checks raw build payloads and decodes them into voxel
// builds. Strict is the default path; Lenient is the structural fallback
// used when a payload fails strict checks but is still usable.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"voxelbench.ai/internal/voxel"
)

//go:embed build.schema.json
var buildSchemaJSON string

var buildSchema = jsonschema.MustCompileString("build.schema.json", buildSchemaJSON)

// ErrInvalid is wrapped by every rejection from Strict and Lenient.
var ErrInvalid = errors.New("invalid voxel build")

// DefaultSchemaMaxBytes bounds the documents run through the JSON Schema
// pass. Larger documents get the typed checks only.
const DefaultSchemaMaxBytes = 4 << 20

// Limits are the per-build constraints taken from the build record.
type Limits struct {
	GridSize  int    // exclusive upper bound per axis; 0 disables the check
	Palette   string // "" disables the type check
	MaxBlocks int    // 0 disables the check
}

type Validator struct {
	SchemaMaxBytes int
}

func New() *Validator {
	return &Validator{SchemaMaxBytes: DefaultSchemaMaxBytes}
}

type strictBlock struct {
	X    *int    `json:"x"`
	Y    *int    `json:"y"`
	Z    *int    `json:"z"`
	Type *string `json:"type"`
}

type strictBuild struct {
	Version string         `json:"version"`
	Blocks  *[]strictBlock `json:"blocks"`
}

// Strict validates payload against the build schema, the grid bounds, the
// palette and the block ceiling.
func (v *Validator) Strict(payload []byte, lim Limits) (*voxel.Build, error) {
	if v == nil {
		v = New()
	}
	if v.SchemaMaxBytes <= 0 || len(payload) <= v.SchemaMaxBytes {
		var doc any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if err := buildSchema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	var raw strictBuild
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalid)
	}
	if raw.Blocks == nil || len(*raw.Blocks) == 0 {
		return nil, fmt.Errorf("%w: missing blocks", ErrInvalid)
	}
	rawBlocks := *raw.Blocks
	if lim.MaxBlocks > 0 && len(rawBlocks) > lim.MaxBlocks {
		return nil, fmt.Errorf("%w: %d blocks exceeds max %d", ErrInvalid, len(rawBlocks), lim.MaxBlocks)
	}

	var allowed paletteSet
	if lim.Palette != "" {
		p, ok := paletteIndex[lim.Palette]
		if !ok {
			return nil, fmt.Errorf("%w: unknown palette %q", ErrInvalid, lim.Palette)
		}
		allowed = p
	}

	seen := make(map[uint64]struct{}, len(rawBlocks))
	blocks := make([]voxel.Block, len(rawBlocks))
	for i, rb := range rawBlocks {
		if rb.X == nil || rb.Y == nil || rb.Z == nil || rb.Type == nil {
			return nil, fmt.Errorf("%w: block %d missing field", ErrInvalid, i)
		}
		b := voxel.Block{X: *rb.X, Y: *rb.Y, Z: *rb.Z, Type: *rb.Type}
		if !inBounds(b.X, b.Y, b.Z, lim.GridSize) {
			return nil, fmt.Errorf("%w: block %d at (%d,%d,%d) outside grid %d", ErrInvalid, i, b.X, b.Y, b.Z, lim.GridSize)
		}
		if b.Type == "" {
			return nil, fmt.Errorf("%w: block %d has empty type", ErrInvalid, i)
		}
		if allowed != nil {
			if _, ok := allowed[b.Type]; !ok {
				return nil, fmt.Errorf("%w: block %d type %q not in palette %s", ErrInvalid, i, b.Type, lim.Palette)
			}
		}
		k := voxel.PackKey(b.X, b.Y, b.Z)
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: block %d duplicates (%d,%d,%d)", ErrInvalid, i, b.X, b.Y, b.Z)
		}
		seen[k] = struct{}{}
		blocks[i] = b
	}
	return &voxel.Build{Version: raw.Version, Blocks: blocks}, nil
}

type lenientBuild struct {
	Version any               `json:"version"`
	Blocks  []json.RawMessage `json:"blocks"`
}

type lenientBlock struct {
	X    any `json:"x"`
	Y    any `json:"y"`
	Z    any `json:"z"`
	Type any `json:"type"`
}

// Lenient decodes whatever cells are structurally usable. Malformed,
// out-of-grid and duplicate cells are dropped; palette membership and the
// block ceiling are not enforced. It fails only when no blocks array is
// present or nothing usable remains.
func (v *Validator) Lenient(payload []byte, lim Limits) (*voxel.Build, error) {
	var raw lenientBuild
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw.Blocks); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	} else if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw.Blocks == nil {
		return nil, fmt.Errorf("%w: missing blocks", ErrInvalid)
	}

	version, _ := raw.Version.(string)
	if version == "" {
		version = voxel.Version
	}

	seen := make(map[uint64]struct{}, len(raw.Blocks))
	blocks := make([]voxel.Block, 0, len(raw.Blocks))
	for _, msg := range raw.Blocks {
		var lb lenientBlock
		if err := json.Unmarshal(msg, &lb); err != nil {
			continue
		}
		x, okx := asCoord(lb.X)
		y, oky := asCoord(lb.Y)
		z, okz := asCoord(lb.Z)
		typ, okt := lb.Type.(string)
		if !okx || !oky || !okz || !okt || typ == "" {
			continue
		}
		if !inBounds(x, y, z, lim.GridSize) {
			continue
		}
		k := voxel.PackKey(x, y, z)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		blocks = append(blocks, voxel.Block{X: x, Y: y, Z: z, Type: typ})
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no usable blocks", ErrInvalid)
	}
	return &voxel.Build{Version: version, Blocks: blocks}, nil
}

// asCoord accepts integral JSON numbers, including ones written as 3.0.
func asCoord(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func inBounds(x, y, z, grid int) bool {
	if x < 0 || y < 0 || z < 0 {
		return false
	}
	if x >= voxel.CoordLimit || y >= voxel.CoordLimit || z >= voxel.CoordLimit {
		return false
	}
	if grid <= 0 {
		return true
	}
	return x < grid && y < grid && z < grid
}
