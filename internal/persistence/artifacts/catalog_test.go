package artifacts

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"
	"testing"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/persistence/blobstore"
)

// catalogBlobs adds listing and deletion to memBlobs.
type catalogBlobs struct {
	*memBlobs
}

func (c catalogBlobs) List(ctx context.Context, prefix string, limit, offset int) ([]blobstore.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for k := range c.objects {
		if strings.HasPrefix(k, prefix+"/") {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	if offset >= len(names) {
		return nil, nil
	}
	names = names[offset:]
	if len(names) > limit {
		names = names[:limit]
	}
	out := make([]blobstore.Object, len(names))
	for i, k := range names {
		out[i].Name = path.Base(k)
		out[i].Metadata.Size = int64(len(c.objects[k]))
	}
	return out, nil
}

func (c catalogBlobs) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.objects, k)
	}
	return nil
}

func TestStore_ListAndPrune(t *testing.T) {
	blobs := catalogBlobs{newMemBlobs()}
	s := NewStore(blobs, "arts", false, nil, nil)
	for _, key := range []string{
		"arts/b1/full-old.ndjson",
		"arts/b1/preview-old.ndjson",
		"arts/b1/full-new.ndjson",
		"arts/b1/notes.txt",
		"arts/b2/full-new.ndjson",
	} {
		blobs.objects[key] = []byte("{}\n")
	}

	entries, err := s.List(context.Background(), "b1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries: got %+v", entries)
	}
	for _, e := range entries {
		if e.Ref.BuildID != "b1" || e.Key != Path("arts", e.Ref) || e.Size != 3 {
			t.Fatalf("entry: %+v", e)
		}
	}

	pruned, err := s.Prune(context.Background(), "b1", "new")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(pruned) != 2 {
		t.Fatalf("pruned: got %+v", pruned)
	}
	for _, e := range pruned {
		if e.Ref.Checksum != "old" {
			t.Fatalf("pruned current artifact %+v", e)
		}
	}
	for _, key := range []string{"arts/b1/full-new.ndjson", "arts/b1/notes.txt", "arts/b2/full-new.ndjson"} {
		if _, ok := blobs.objects[key]; !ok {
			t.Fatalf("expected %s kept", key)
		}
	}
	if _, ok := blobs.objects["arts/b1/full-old.ndjson"]; ok {
		t.Fatalf("expected stale artifact deleted")
	}
}

func TestStore_PruneWithoutChecksumDropsAll(t *testing.T) {
	blobs := catalogBlobs{newMemBlobs()}
	s := NewStore(blobs, "arts", false, nil, nil)
	blobs.objects[Path("arts", buildproto.Ref{BuildID: "b1", Variant: buildproto.VariantFull, Checksum: "c"})] = []byte("{}\n")

	pruned, err := s.Prune(context.Background(), "b1", "")
	if err != nil || len(pruned) != 1 {
		t.Fatalf("prune: %+v %v", pruned, err)
	}
	if len(blobs.keys()) != 0 {
		t.Fatalf("objects left: %v", blobs.keys())
	}
}

func TestStore_ListNeedsCatalog(t *testing.T) {
	s := NewStore(newMemBlobs(), "arts", false, nil, nil)
	if _, err := s.List(context.Background(), "b1"); !errors.Is(err, ErrNoCatalog) {
		t.Fatalf("err: got %v want ErrNoCatalog", err)
	}
}
