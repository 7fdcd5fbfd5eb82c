package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/retrieval"
)

func main() {
	var (
		baseURL    = pflag.String("url", "http://localhost:8080", "delivery server base url")
		buildID    = pflag.String("build", "", "build id (required)")
		variant    = pflag.String("variant", "full", "full or preview")
		checksum   = pflag.String("checksum", "", "expected checksum (optional)")
		out        = pflag.String("out", "", "write the retrieved build as JSON to this path")
		noArtifact = pflag.Bool("no-artifact", false, "skip the artifact-backed stream strategy")
		stall      = pflag.Duration("stall-timeout", 0, "override the stall timeout")
	)
	pflag.Parse()

	logger := log.New(os.Stdout, "[fetch] ", log.LstdFlags|log.Lmicroseconds)
	if *buildID == "" {
		logger.Fatalf("--build is required")
	}
	v, ok := buildproto.ParseVariant(*variant)
	if !ok {
		logger.Fatalf("unknown variant %q", *variant)
	}

	client := retrieval.NewClient(*baseURL, logger)
	if *stall > 0 {
		client.Timeouts.Stall = *stall
	}
	if *noArtifact {
		client.Strategies = client.Strategies[1:]
	}

	ctx, cancel := signalContext()
	defer cancel()

	progress := make(chan retrieval.Progress, 64)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		var lastChunk int
		for p := range progress {
			switch p.State {
			case retrieval.StateStreaming:
				if p.Chunk == lastChunk && p.Received != 0 {
					continue
				}
				lastChunk = p.Chunk
				logger.Printf("%s attempt=%d strategy=%s blocks=%d/%d chunk=%d/%d", p.State, p.Attempt, p.Strategy, p.Received, p.Total, p.Chunk, p.Chunks)
			case retrieval.StateFallback:
				logger.Printf("%s attempt=%d strategy=%s after=%v", p.State, p.Attempt, p.Strategy, p.Err)
			default:
				logger.Printf("%s attempt=%d strategy=%s", p.State, p.Attempt, p.Strategy)
			}
		}
	}()

	start := time.Now()
	res, err := client.Retrieve(ctx, retrieval.Request{BuildID: *buildID, Variant: v, Checksum: *checksum}, progress)
	close(progress)
	<-printed

	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		logger.Fatalf("retrieve: %v", err)
	}
	logger.Printf("retrieved build=%s variant=%s checksum=%s blocks=%d source=%s strategy=%s attempts=%d validated=%t ms=%d",
		res.BuildID, res.Variant, res.Checksum, res.Build.Len(), res.Source, res.Strategy, res.Attempts, res.ServerValidated, time.Since(start).Milliseconds())

	if *out != "" {
		b, err := json.Marshal(res.Build)
		if err != nil {
			logger.Fatalf("encode: %v", err)
		}
		if err := os.WriteFile(*out, b, 0o644); err != nil {
			logger.Fatalf("write %s: %v", *out, err)
		}
	}
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
