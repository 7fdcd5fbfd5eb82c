package buildstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"voxelbench.ai/internal/persistence/blobstore"
	"voxelbench.ai/internal/prepare"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "builds.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func i64(v int64) *int64 { return &v }

func TestStore_PutGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	in := prepare.Build{
		ID: "b1", GridSize: 64, Palette: "simple", BlockCount: 3,
		Metadata:    prepare.Metadata{ByteSize: i64(120)},
		ContentHash: "h1",
		Payload:     prepare.Payload{Inline: []byte(`{"version":"1.0","blocks":[]}`)},
	}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.GridSize != 64 || got.Palette != "simple" || got.ContentHash != "h1" || got.BlockCount != 3 {
		t.Fatalf("record mismatch: %+v", got)
	}
	if got.Metadata.ByteSize == nil || *got.Metadata.ByteSize != 120 || got.Metadata.CompressedByteSize != nil {
		t.Fatalf("metadata mismatch: %+v", got.Metadata)
	}
	if !bytes.Equal(got.Payload.Inline, in.Payload.Inline) || got.Payload.Ref != "" {
		t.Fatalf("payload mismatch: %+v", got.Payload)
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, prepare.Build{ID: "empty"}); err == nil {
		t.Fatalf("expected error for record without payload")
	}
}

func TestStore_ListFiltersAndPopularity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builds.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	ctx := context.Background()
	puts := []prepare.Build{
		{ID: "a", ContentHash: "ha", Metadata: prepare.Metadata{ByteSize: i64(100 << 20)}, Payload: prepare.Payload{Ref: "p/a"}},
		{ID: "b", ContentHash: "hb", Metadata: prepare.Metadata{CompressedByteSize: i64(10 << 20)}, Payload: prepare.Payload{Ref: "p/b"}},
		{ID: "c", Metadata: prepare.Metadata{ByteSize: i64(100 << 20)}, Payload: prepare.Payload{Ref: "p/c"}},
		{ID: "d", ContentHash: "hd", Metadata: prepare.Metadata{ByteSize: i64(1 << 20)}, Payload: prepare.Payload{Ref: "p/d"}},
	}
	for _, b := range puts {
		if err := s.Put(ctx, b); err != nil {
			t.Fatalf("Put %s: %v", b.ID, err)
		}
	}
	for i := 0; i < 3; i++ {
		s.RecordServe("b")
	}
	// Close flushes the serve writer; reopen to read the counters.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.List(ctx, ListOptions{MinBytes: 32 << 20, CompressedExpansion: 6, HashedOnly: true, ByPopularity: true})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, sm := range got {
		ids = append(ids, sm.ID)
		if sm.Payload.Inline != nil {
			t.Fatalf("list must not load inline payloads")
		}
	}
	if fmt.Sprint(ids) != "[b a]" {
		t.Fatalf("candidates: got %v want [b a]", ids)
	}
	if got[0].ServeCount != 3 {
		t.Fatalf("serve count: got %d want 3", got[0].ServeCount)
	}
}

type mapBlobs map[string][]byte

func (m mapBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", blobstore.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestResolver(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var zbuf bytes.Buffer
	enc, err := blobstore.NewEncoder(&zbuf)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	_, _ = enc.Write([]byte("zipped"))
	_ = enc.Close()

	blobs := mapBlobs{"payloads/z": zbuf.Bytes(), "payloads/plain": []byte("plain")}
	r := NewResolver(s, blobs)

	cases := []struct {
		name string
		b    prepare.Build
		want string
	}{
		{"inline", prepare.Build{ID: "i", Payload: prepare.Payload{Inline: []byte("inline")}}, "inline"},
		{"inline-zstd", prepare.Build{ID: "iz", Payload: prepare.Payload{Inline: zbuf.Bytes()}}, "zipped"},
		{"ref-zstd", prepare.Build{ID: "r", Payload: prepare.Payload{Ref: "payloads/z"}}, "zipped"},
		{"ref-plain", prepare.Build{ID: "p", Payload: prepare.Payload{Ref: "payloads/plain"}}, "plain"},
	}
	for _, tc := range cases {
		got, err := r.Resolve(ctx, tc.b)
		if err != nil || string(got) != tc.want {
			t.Fatalf("%s: got %q, %v", tc.name, got, err)
		}
	}

	if err := s.Put(ctx, prepare.Build{ID: "stored", Payload: prepare.Payload{Ref: "payloads/plain"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, err := r.Resolve(ctx, prepare.Build{ID: "stored"}); err != nil || string(got) != "plain" {
		t.Fatalf("reload by id: got %q, %v", got, err)
	}

	if _, err := r.Resolve(ctx, prepare.Build{ID: "x", Payload: prepare.Payload{Ref: "payloads/missing"}}); !errors.Is(err, ErrPayloadMissing) {
		t.Fatalf("expected ErrPayloadMissing, got %v", err)
	}
}
