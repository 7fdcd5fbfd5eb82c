package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"voxelbench.ai/internal/config"
	"voxelbench.ai/internal/metrics"
	"voxelbench.ai/internal/persistence/buildstore"
	"voxelbench.ai/internal/persistence/deliverylog"
	"voxelbench.ai/internal/prepare"
	"voxelbench.ai/internal/transport/httpapi"
)

func main() {
	var (
		configPath = pflag.String("config", "", "path to a YAML config file (optional)")
		envFile    = pflag.String("env", ".env", "dotenv file loaded before VB_* overrides (ignored if missing)")
		addr       = pflag.String("addr", "", "http listen address (overrides config)")
	)
	pflag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	store, err := buildstore.OpenSQLite(cfg.Server.DBPath)
	if err != nil {
		logger.Fatalf("open build store: %v", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	st, err := buildStorageRuntime(cfg, logger, m)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	resolver := buildstore.NewResolver(store, st.payloadGetter())
	resolver.MaxPayloadBytes = cfg.Storage.MaxPayloadBytes
	c := prepare.NewCache(cfg.Cache, nil)
	m.WatchCache(c.Stats)
	preparer := prepare.NewPreparer(cfg.Prepare, resolver, nil, c, logger, m)

	api := httpapi.NewServer(store, preparer, httpapi.Options{
		Plan:             cfg.Stream,
		PingInterval:     cfg.Server.PingInterval,
		PrecomputeOnMiss: cfg.Artifacts.PrecomputeOnMiss,
	}, logger).WithMetrics(m, reg)

	if st.enabled && cfg.Prepare.ArtifactsEnabled {
		st.startPrecompute(preparer, cfg, logger, m)
		api.WithArtifacts(st.artifacts, st.precomputer)
	} else {
		logger.Printf("artifacts disabled (storage_configured=%t artifacts_enabled=%t)", st.enabled, cfg.Prepare.ArtifactsEnabled)
	}
	defer st.Close()

	if cfg.DeliveryLog.Enabled {
		dl := deliverylog.New(cfg.DeliveryLog.Dir, "", nil)
		defer func() {
			if err := dl.Close(); err != nil {
				logger.Printf("delivery log close: %v", err)
			}
		}()
		api.WithDeliveryLog(dl)
	}

	if cfg.Server.RateLimit != "" {
		rl, err := httpapi.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.TrustForwarded, m, logger)
		if err != nil {
			logger.Fatalf("%v", err)
		}
		api.WithRateLimiter(rl)
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s db=%s artifacts=%t preview=%t", cfg.Server.Addr, cfg.Server.DBPath, st.enabled && cfg.Prepare.ArtifactsEnabled, cfg.Prepare.PreviewEnabled)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("ListenAndServe: %v", err)
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
