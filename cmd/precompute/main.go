package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"voxelbench.ai/internal/config"
	"voxelbench.ai/internal/persistence/artifacts"
	"voxelbench.ai/internal/persistence/blobstore"
	"voxelbench.ai/internal/persistence/buildstore"
	"voxelbench.ai/internal/prepare"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to a YAML config file (optional)")
		envFile    = pflag.String("env", ".env", "dotenv file loaded before VB_* overrides")
		limit      = pflag.Int("limit", 100, "max builds to precompute")
		minBytes   = pflag.Int64("min-bytes", 0, "only builds at least this large (default: artifact eligibility threshold)")
		popular    = pflag.Bool("popular", true, "process the most served builds first")
		force      = pflag.Bool("force", false, "precompute builds below the eligibility threshold")
		dryRun     = pflag.Bool("dry-run", false, "list candidates without uploading")
	)
	pflag.Parse()

	logger := log.New(os.Stdout, "[precompute] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if !cfg.StorageEnabled() {
		logger.Fatalf("VB_STORAGE_ENDPOINT is required")
	}

	store, err := buildstore.OpenSQLite(cfg.Server.DBPath)
	if err != nil {
		logger.Fatalf("open build store: %v", err)
	}
	defer store.Close()

	th := cfg.Prepare.Thresholds
	opts := buildstore.ListOptions{
		MinBytes:            *minBytes,
		CompressedExpansion: th.CompressedExpansion,
		HashedOnly:          true,
		ByPopularity:        *popular,
		Limit:               *limit,
	}
	if opts.MinBytes == 0 && !*force {
		opts.MinBytes = th.ArtifactEligibleBytes
	}

	ctx, cancel := signalContext()
	defer cancel()

	candidates, err := store.List(ctx, opts)
	if err != nil {
		logger.Fatalf("list: %v", err)
	}
	logger.Printf("candidates=%d min_bytes=%d popular=%t force=%t", len(candidates), opts.MinBytes, *popular, *force)
	if *dryRun {
		for _, c := range candidates {
			est := th.EstimateBytes(c.Metadata.ByteSize, c.Metadata.CompressedByteSize)
			logger.Printf("candidate build=%s hash=%s est_bytes=%d serves=%d", c.ID, c.ContentHash, deref(est), c.ServeCount)
		}
		return
	}

	payloads, err := blobstore.New(cfg.Storage.Endpoint, cfg.Storage.PayloadBucket, cfg.Storage.Token)
	if err != nil {
		logger.Fatalf("payload store: %v", err)
	}
	artifactBlobs, err := blobstore.New(cfg.Storage.Endpoint, cfg.Artifacts.Bucket, cfg.Storage.Token)
	if err != nil {
		logger.Fatalf("artifact store: %v", err)
	}

	resolver := buildstore.NewResolver(store, payloads)
	resolver.MaxPayloadBytes = cfg.Storage.MaxPayloadBytes
	// Each build is prepared once; caching would only hold memory.
	preparer := prepare.NewPreparer(cfg.Prepare, resolver, nil, nil, logger, nil)

	pcOpts := cfg.Precompute
	pcOpts.Force = *force
	if pcOpts.QueueCapacity < len(candidates) {
		pcOpts.QueueCapacity = len(candidates)
	}
	pc := artifacts.NewPrecomputer(
		artifacts.NewStore(artifactBlobs, cfg.Artifacts.Prefix, cfg.Artifacts.Compress, logger, nil),
		preparer, cfg.Stream, pcOpts, logger, nil)

	go func() {
		<-ctx.Done()
		pc.Abort()
	}()

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if !pc.Enqueue(c.Build) {
			logger.Printf("enqueue dropped build=%s", c.ID)
		}
	}
	pc.Close()

	st := pc.Stats()
	logger.Printf("done uploaded=%d skipped=%d failed=%d dropped=%d canceled=%d", st.UploadSuccessTotal, st.SkippedTotal, st.UploadFailTotal, st.DroppedTotal, st.CanceledTotal)
	if st.UploadFailTotal > 0 {
		os.Exit(1)
	}
}

func deref(v *int64) int64 {
	if v == nil {
		return -1
	}
	return *v
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
