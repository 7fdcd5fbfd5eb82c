// Package artifacts stores precomputed build event streams in the blob
// store, keyed by build id, variant and checksum.
package artifacts

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/clock"
	"voxelbench.ai/internal/metrics"
	"voxelbench.ai/internal/persistence/blobstore"
	"voxelbench.ai/internal/stream"
)

// Blobs is the subset of the blob store client artifacts need.
type Blobs interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

const DefaultPrefix = "build-artifacts"

// Path is "{prefix}/{buildId}/{variant}-{checksum}.ndjson".
func Path(prefix string, ref buildproto.Ref) string {
	return path.Join(buildDir(prefix, ref.BuildID), string(ref.Variant)+"-"+ref.Checksum+".ndjson")
}

func buildDir(prefix, buildID string) string {
	prefix = strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/")
	return path.Join(prefix, buildID)
}

type Store struct {
	blobs    Blobs
	prefix   string
	compress bool
	logger   *log.Logger
	metrics  *metrics.Metrics
}

func NewStore(blobs Blobs, prefix string, compress bool, logger *log.Logger, m *metrics.Metrics) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{blobs: blobs, prefix: prefix, compress: compress, logger: logger, metrics: m}
}

func (s *Store) Key(ref buildproto.Ref) string { return Path(s.prefix, ref) }

// Open returns the stored event stream for ref as plain ndjson. A missing
// object, a missing checksum, or an object whose hello does not match ref
// all report found=false with a nil error.
func (s *Store) Open(ctx context.Context, ref buildproto.Ref) (io.ReadCloser, bool, error) {
	if s == nil || s.blobs == nil {
		return nil, false, nil
	}
	if ref.Checksum == "" || ref.BuildID == "" {
		s.metrics.ArtifactLookup("skipped")
		return nil, false, nil
	}
	key := s.Key(ref)
	body, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			s.metrics.ArtifactLookup("miss")
			return nil, false, nil
		}
		s.metrics.ArtifactLookup("error")
		return nil, false, fmt.Errorf("artifact get %s: %w", key, err)
	}
	rc, err := blobstore.Decode(body)
	if err != nil {
		s.metrics.ArtifactLookup("error")
		return nil, false, fmt.Errorf("artifact decode %s: %w", key, err)
	}

	br := bufio.NewReaderSize(rc, 64*1024)
	first, err := br.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		rc.Close()
		s.metrics.ArtifactLookup("error")
		return nil, false, fmt.Errorf("artifact read %s: %w", key, err)
	}
	if reason := checkHeader(first, ref); reason != "" {
		rc.Close()
		s.metrics.ArtifactLookup("stale")
		s.printf("artifact ignored key=%s reason=%s", key, reason)
		return nil, false, nil
	}
	s.metrics.ArtifactLookup("hit")
	return &readCloser{Reader: io.MultiReader(bytes.NewReader(first), br), close: rc.Close}, true, nil
}

func checkHeader(line []byte, ref buildproto.Ref) string {
	ev, err := buildproto.Decode(bytes.TrimSpace(line))
	if err != nil {
		return "undecodable_header"
	}
	h, ok := ev.(buildproto.Hello)
	if !ok {
		return "first_event_" + ev.Kind()
	}
	if h.Checksum != ref.Checksum || h.BuildID != ref.BuildID || h.Variant != ref.Variant {
		return "ref_mismatch"
	}
	return ""
}

// Encode renders the full event stream for src, zstd-compressed when the
// store compresses.
func (s *Store) Encode(src stream.Source, plan stream.StreamPlan) ([]byte, error) {
	src.Origin = buildproto.SourceArtifact
	var buf bytes.Buffer
	if !s.compress {
		if err := stream.Generate(src, plan, clock.Real(), stream.NewWriter(&buf, nil).Emit); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	enc, err := blobstore.NewEncoder(&buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Generate(src, plan, clock.Real(), stream.NewWriter(enc, nil).Emit); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Put encodes and uploads the stream for src under its ref.
func (s *Store) Put(ctx context.Context, src stream.Source, plan stream.StreamPlan) (int, error) {
	if src.Ref.Checksum == "" {
		return 0, errors.New("artifact put: empty checksum")
	}
	data, err := s.Encode(src, plan)
	if err != nil {
		return 0, fmt.Errorf("artifact encode: %w", err)
	}
	key := s.Key(src.Ref)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), stream.ContentType); err != nil {
		return 0, fmt.Errorf("artifact put %s: %w", key, err)
	}
	return len(data), nil
}

func (s *Store) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }
