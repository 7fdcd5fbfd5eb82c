package main

import (
	"fmt"
	"log"

	"voxelbench.ai/internal/config"
	"voxelbench.ai/internal/metrics"
	"voxelbench.ai/internal/persistence/artifacts"
	"voxelbench.ai/internal/persistence/blobstore"
	"voxelbench.ai/internal/persistence/buildstore"
	"voxelbench.ai/internal/prepare"
)

// storageRuntime holds the blob store clients and the artifact pipeline.
// Everything is nil when no storage endpoint is configured.
type storageRuntime struct {
	enabled     bool
	payloads    *blobstore.Client
	artifacts   *artifacts.Store
	precomputer *artifacts.Precomputer
}

func buildStorageRuntime(cfg config.Config, logger *log.Logger, m *metrics.Metrics) (*storageRuntime, error) {
	if !cfg.StorageEnabled() {
		return &storageRuntime{}, nil
	}
	if cfg.Storage.Token == "" {
		return nil, fmt.Errorf("VB_STORAGE_ENDPOINT is set but VB_STORAGE_TOKEN is empty")
	}

	payloads, err := blobstore.New(cfg.Storage.Endpoint, cfg.Storage.PayloadBucket, cfg.Storage.Token)
	if err != nil {
		return nil, err
	}
	artifactBlobs, err := blobstore.New(cfg.Storage.Endpoint, cfg.Artifacts.Bucket, cfg.Storage.Token)
	if err != nil {
		return nil, err
	}
	return &storageRuntime{
		enabled:   true,
		payloads:  payloads,
		artifacts: artifacts.NewStore(artifactBlobs, cfg.Artifacts.Prefix, cfg.Artifacts.Compress, logger, m),
	}, nil
}

// payloadGetter keeps a nil client from becoming a non-nil interface.
func (r *storageRuntime) payloadGetter() buildstore.Getter {
	if r == nil || r.payloads == nil {
		return nil
	}
	return r.payloads
}

func (r *storageRuntime) startPrecompute(p *prepare.Preparer, cfg config.Config, logger *log.Logger, m *metrics.Metrics) {
	if r == nil || !r.enabled {
		return
	}
	r.precomputer = artifacts.NewPrecomputer(r.artifacts, p, cfg.Stream, cfg.Precompute, logger, m)
}

func (r *storageRuntime) Close() {
	if r == nil || r.precomputer == nil {
		return
	}
	// Queued uploads are redone by the next miss or by cmd/precompute.
	r.precomputer.Abort()
	r.precomputer.Close()
}
