package buildstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"voxelbench.ai/internal/persistence/blobstore"
	"voxelbench.ai/internal/prepare"
)

// ErrPayloadMissing means a record points at a blob that does not exist.
var ErrPayloadMissing = errors.New("build payload missing")

// Getter reads blobs; *blobstore.Client satisfies it.
type Getter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Resolver returns payload bytes for build records: inline bytes first,
// then the blob reference, then a reload of the record by id for records
// listed without their payload. Zstd payloads are decompressed.
type Resolver struct {
	store *Store
	blobs Getter
	// MaxPayloadBytes bounds decompressed payloads; 0 is unlimited.
	MaxPayloadBytes int64
}

func NewResolver(store *Store, blobs Getter) *Resolver {
	return &Resolver{store: store, blobs: blobs}
}

func (r *Resolver) Resolve(ctx context.Context, b prepare.Build) ([]byte, error) {
	if len(b.Payload.Inline) == 0 && b.Payload.Ref == "" && r.store != nil {
		full, err := r.store.Get(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Payload = full.Payload
	}
	switch {
	case len(b.Payload.Inline) > 0:
		data, err := blobstore.DecodeBytes(b.Payload.Inline)
		if err != nil {
			return nil, fmt.Errorf("decompress inline payload: %w", err)
		}
		return data, nil
	case b.Payload.Ref != "":
		return r.fetch(ctx, b.Payload.Ref)
	default:
		return nil, fmt.Errorf("%w: build %s has no payload", ErrPayloadMissing, b.ID)
	}
}

func (r *Resolver) fetch(ctx context.Context, ref string) ([]byte, error) {
	if r.blobs == nil {
		return nil, fmt.Errorf("payload ref %s: no blob store configured", ref)
	}
	body, err := r.blobs.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPayloadMissing, ref)
		}
		return nil, fmt.Errorf("fetch payload %s: %w", ref, err)
	}
	rc, err := blobstore.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", ref, err)
	}
	defer rc.Close()

	var src io.Reader = rc
	if r.MaxPayloadBytes > 0 {
		src = io.LimitReader(rc, r.MaxPayloadBytes+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", ref, err)
	}
	if r.MaxPayloadBytes > 0 && int64(len(data)) > r.MaxPayloadBytes {
		return nil, fmt.Errorf("payload %s exceeds %d bytes", ref, r.MaxPayloadBytes)
	}
	return data, nil
}
