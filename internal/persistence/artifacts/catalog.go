package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/persistence/blobstore"
)

// Catalog is implemented by blob stores that can enumerate and remove
// objects; *blobstore.Client does.
type Catalog interface {
	List(ctx context.Context, prefix string, limit, offset int) ([]blobstore.Object, error)
	Delete(ctx context.Context, keys ...string) error
}

var ErrNoCatalog = errors.New("artifact blob store cannot list or delete")

// Entry is one stored artifact.
type Entry struct {
	Ref       buildproto.Ref
	Key       string
	Size      int64
	UpdatedAt time.Time
}

const listPage = 100

// List returns the artifacts stored for buildID. Objects whose names do
// not parse as "{variant}-{checksum}.ndjson" are skipped.
func (s *Store) List(ctx context.Context, buildID string) ([]Entry, error) {
	cat, ok := s.blobs.(Catalog)
	if !ok {
		return nil, ErrNoCatalog
	}
	dir := buildDir(s.prefix, buildID)
	var out []Entry
	for offset := 0; ; offset += listPage {
		objs, err := cat.List(ctx, dir, listPage, offset)
		if err != nil {
			return nil, fmt.Errorf("list artifacts build=%s: %w", buildID, err)
		}
		for _, o := range objs {
			ref, ok := parseName(buildID, path.Base(o.Name))
			if !ok {
				continue
			}
			out = append(out, Entry{Ref: ref, Key: Path(s.prefix, ref), Size: o.Metadata.Size, UpdatedAt: o.UpdatedAt})
		}
		if len(objs) < listPage {
			return out, nil
		}
	}
}

// Prune deletes the artifacts of buildID whose checksum is not current and
// returns them. An empty current checksum deletes every artifact of the
// build, since none can be served without one.
func (s *Store) Prune(ctx context.Context, buildID, current string) ([]Entry, error) {
	entries, err := s.List(ctx, buildID)
	if err != nil {
		return nil, err
	}
	var stale []Entry
	var keys []string
	for _, e := range entries {
		if current != "" && e.Ref.Checksum == current {
			continue
		}
		stale = append(stale, e)
		keys = append(keys, e.Key)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if err := s.blobs.(Catalog).Delete(ctx, keys...); err != nil {
		return nil, fmt.Errorf("prune artifacts build=%s: %w", buildID, err)
	}
	s.printf("pruned artifacts build=%s count=%d", buildID, len(keys))
	return stale, nil
}

func parseName(buildID, name string) (buildproto.Ref, bool) {
	stem, ok := strings.CutSuffix(name, ".ndjson")
	if !ok {
		return buildproto.Ref{}, false
	}
	variant, checksum, ok := strings.Cut(stem, "-")
	if !ok || checksum == "" {
		return buildproto.Ref{}, false
	}
	v, ok := buildproto.ParseVariant(variant)
	if !ok || variant == "" {
		return buildproto.Ref{}, false
	}
	return buildproto.Ref{BuildID: buildID, Variant: v, Checksum: checksum}, true
}
