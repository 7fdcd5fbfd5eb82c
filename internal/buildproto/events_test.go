package buildproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"voxelbench.ai/internal/voxel"
)

func TestMarshal_CarriesTypeTag(t *testing.T) {
	cases := []struct {
		ev   Event
		want string
	}{
		{Ping{}, `{"type":"ping"}`},
		{Error{Message: "boom"}, `{"type":"error","message":"boom"}`},
		{Complete{TotalBlocks: 3, DurationMs: 12}, `{"type":"complete","totalBlocks":3,"durationMs":12}`},
	}
	for _, tc := range cases {
		b, err := json.Marshal(tc.ev)
		if err != nil {
			t.Fatalf("marshal %s: %v", tc.ev.Kind(), err)
		}
		if string(b) != tc.want {
			t.Fatalf("marshal %s: got %s want %s", tc.ev.Kind(), b, tc.want)
		}
	}
}

func TestHello_OmitsEmptyOptionalFields(t *testing.T) {
	b, err := json.Marshal(Hello{BuildID: "b1", Variant: VariantFull, Checksum: "c", Source: SourceLive})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(b)
	if !strings.HasPrefix(s, `{"type":"hello",`) {
		t.Fatalf("unexpected prefix: %s", s)
	}
	if strings.Contains(s, "pad") || strings.Contains(s, "buildLoadHints") {
		t.Fatalf("optional fields should be omitted: %s", s)
	}
}

func TestReader_DecodesStream(t *testing.T) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	events := []Event{
		Hello{BuildID: "b1", Variant: VariantPreview, TotalBlocks: 2, ChunkCount: 1, ChunkBlockCount: 2, Source: SourceArtifact},
		Ping{},
		Chunk{Index: 1, ChunkCount: 1, ReceivedBlocks: 2, TotalBlocks: 2, Blocks: []voxel.Block{{X: 1, Type: "stone"}, {Y: 2, Type: "dirt"}}},
		Complete{TotalBlocks: 2, DurationMs: 5},
	}
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	buf.WriteString("\n") // trailing blank line

	r := NewReader(&buf)
	var seq Sequence
	var kinds []string
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if err := seq.Observe(ev); err != nil {
			t.Fatalf("observe: %v", err)
		}
		kinds = append(kinds, ev.Kind())
		if c, ok := ev.(Chunk); ok && c.Blocks[1].Type != "dirt" {
			t.Fatalf("chunk blocks not decoded: %+v", c.Blocks)
		}
		if h, ok := ev.(Hello); ok && h.Source != SourceArtifact {
			t.Fatalf("hello source: got %s", h.Source)
		}
	}
	if got := strings.Join(kinds, ","); got != "hello,ping,chunk,complete" {
		t.Fatalf("kinds: got %s", got)
	}
	if !seq.Done() {
		t.Fatalf("expected terminal event")
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"nope"}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for bad json")
	}
}

func TestSequence_RejectsBadOrdering(t *testing.T) {
	cases := []struct {
		name   string
		events []Event
	}{
		{"chunk-first", []Event{Chunk{Index: 1}}},
		{"double-hello", []Event{Hello{}, Hello{}}},
		{"skipped-index", []Event{Hello{}, Chunk{Index: 2}}},
		{"after-complete", []Event{Hello{}, Complete{}, Ping{}}},
	}
	for _, tc := range cases {
		var seq Sequence
		var err error
		for _, ev := range tc.events {
			if err = seq.Observe(ev); err != nil {
				break
			}
		}
		if !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("%s: expected ErrOutOfOrder, got %v", tc.name, err)
		}
	}
}

func TestParseVariant(t *testing.T) {
	if v, ok := ParseVariant(""); !ok || v != VariantFull {
		t.Fatalf("empty: got %q %v", v, ok)
	}
	if v, ok := ParseVariant("preview"); !ok || v != VariantPreview {
		t.Fatalf("preview: got %q %v", v, ok)
	}
	if _, ok := ParseVariant("huge"); ok {
		t.Fatalf("expected unknown variant to fail")
	}
}
