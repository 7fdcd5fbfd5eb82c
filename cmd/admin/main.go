package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"voxelbench.ai/internal/config"
	"voxelbench.ai/internal/persistence/artifacts"
	"voxelbench.ai/internal/persistence/blobstore"
	"voxelbench.ai/internal/persistence/buildstore"
	"voxelbench.ai/internal/persistence/deliverylog"
	"voxelbench.ai/internal/prepare"
	"voxelbench.ai/internal/voxel"
	"voxelbench.ai/internal/voxel/schema"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "import":
			importCmd(os.Args[2:])
			return
		case "deliveries":
			deliveriesCmd(os.Args[2:])
			return
		case "list":
			listCmd(os.Args[2:])
			return
		case "artifacts":
			artifactsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func loadConfig(fs *pflag.FlagSet, args []string) config.Config {
	configPath := fs.String("config", "", "path to a YAML config file (optional)")
	envFile := fs.String("env", ".env", "dotenv file loaded before VB_* overrides")
	_ = fs.Parse(args)
	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fatal("config: %v", err)
	}
	return cfg
}

func openStore(cfg config.Config) *buildstore.Store {
	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o755); err != nil {
		fatal("db dir: %v", err)
	}
	store, err := buildstore.OpenSQLite(cfg.Server.DBPath)
	if err != nil {
		fatal("open %s: %v", cfg.Server.DBPath, err)
	}
	return store
}

func listCmd(args []string) {
	fs := pflag.NewFlagSet("list", pflag.ExitOnError)
	minBytes := fs.Int64("min-bytes", 0, "only builds at least this large")
	popular := fs.Bool("popular", false, "order by serve count")
	hashed := fs.Bool("hashed", false, "only builds with a stored content hash")
	limit := fs.Int("limit", 50, "result limit")
	cfg := loadConfig(fs, args)

	store := openStore(cfg)
	defer store.Close()

	rows, err := store.List(context.Background(), buildstore.ListOptions{
		MinBytes:            *minBytes,
		CompressedExpansion: cfg.Prepare.Thresholds.CompressedExpansion,
		HashedOnly:          *hashed,
		ByPopularity:        *popular,
		Limit:               *limit,
	})
	if err != nil {
		fatal("list: %v", err)
	}
	th := cfg.Prepare.Thresholds
	for _, r := range rows {
		est := th.EstimateBytes(r.Metadata.ByteSize, r.Metadata.CompressedByteSize)
		estStr := "?"
		if est != nil {
			estStr = fmt.Sprintf("%d", *est)
		}
		hash := r.ContentHash
		if hash == "" {
			hash = "-"
		}
		fmt.Printf("%s\tblocks=%d\test_bytes=%s\tclass=%s\thash=%s\tserves=%d\n",
			r.ID, r.BlockCount, estStr, th.Classify(est), hash, r.ServeCount)
	}
}

func importCmd(args []string) {
	fs := pflag.NewFlagSet("import", pflag.ExitOnError)
	id := fs.String("id", "", "build id (default: file name without extension; single file only)")
	grid := fs.Int("grid", 0, "grid size (0 disables the bounds check)")
	palette := fs.String("palette", "simple", "block palette name")
	compress := fs.Bool("compress", true, "store the payload zstd-compressed")
	upload := fs.Bool("upload", false, "upload the payload to the blob store instead of storing it inline")
	noHash := fs.Bool("no-hash", false, "do not store a content hash")
	cfg := loadConfig(fs, args)

	files := fs.Args()
	if len(files) == 0 {
		fatal("usage: admin import [flags] build.json...")
	}
	if *id != "" && len(files) > 1 {
		fatal("--id needs exactly one file")
	}

	var blobs *blobstore.Client
	if *upload {
		if !cfg.StorageEnabled() {
			fatal("--upload needs VB_STORAGE_ENDPOINT")
		}
		c, err := blobstore.New(cfg.Storage.Endpoint, cfg.Storage.PayloadBucket, cfg.Storage.Token)
		if err != nil {
			fatal("blob store: %v", err)
		}
		blobs = c
	}

	store := openStore(cfg)
	defer store.Close()

	ctx := context.Background()
	v := schema.New()
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			fatal("read: %v", err)
		}
		buildID := *id
		if buildID == "" {
			buildID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}

		lim := schema.Limits{GridSize: *grid, Palette: *palette, MaxBlocks: cfg.Prepare.MaxBlocks}
		build, err := v.Strict(raw, lim)
		if err != nil {
			lenient, lerr := v.Lenient(raw, lim)
			if lerr != nil {
				fatal("%s: %v (lenient: %v)", path, err, lerr)
			}
			fmt.Fprintf(os.Stderr, "%s: strict validation failed, imported leniently: %v\n", path, err)
			build = lenient
		}

		size := int64(len(raw))
		b := prepare.Build{
			ID:         buildID,
			GridSize:   *grid,
			Palette:    *palette,
			BlockCount: build.Len(),
			Metadata:   prepare.Metadata{ByteSize: &size},
		}
		if !*noHash {
			b.ContentHash = voxel.Checksum(build)
		}

		payload := raw
		if *compress {
			var buf bytes.Buffer
			enc, err := blobstore.NewEncoder(&buf)
			if err != nil {
				fatal("zstd: %v", err)
			}
			_, _ = enc.Write(raw)
			if err := enc.Close(); err != nil {
				fatal("zstd: %v", err)
			}
			payload = buf.Bytes()
			csize := int64(len(payload))
			b.Metadata.CompressedByteSize = &csize
		}

		if blobs != nil {
			key := blobstore.NormalizeKey("payloads/" + buildID + ".json")
			if *compress {
				key += ".zst"
			}
			if err := blobs.PutBytes(ctx, key, payload, "application/octet-stream"); err != nil {
				fatal("upload %s: %v", key, err)
			}
			b.Payload.Ref = key
		} else {
			b.Payload.Inline = payload
		}

		if err := store.Put(ctx, b); err != nil {
			fatal("put %s: %v", buildID, err)
		}
		fmt.Printf("imported %s blocks=%d bytes=%d stored=%d hash=%s\n", buildID, b.BlockCount, size, len(payload), b.ContentHash)
	}
}

func deliveriesCmd(args []string) {
	fs := pflag.NewFlagSet("deliveries", pflag.ExitOnError)
	dir := fs.String("dir", "", "delivery log directory (default: from config)")
	cfg := loadConfig(fs, args)

	logDir := *dir
	if logDir == "" {
		logDir = cfg.DeliveryLog.Dir
	}
	files, err := deliverylog.New(logDir, "", nil).Files()
	if err != nil {
		fatal("list: %v", err)
	}

	type agg struct {
		requests, canceled, failed int
		bytes                      int64
	}
	byKey := map[string]*agg{}
	for _, f := range files {
		recs, err := deliverylog.ReadFile(f)
		if err != nil {
			fatal("%v", err)
		}
		for _, r := range recs {
			src := r.Source
			if src == "" {
				src = "-"
			}
			k := r.Transport + "\t" + src + "\t" + r.Variant
			a := byKey[k]
			if a == nil {
				a = &agg{}
				byKey[k] = a
			}
			a.requests++
			a.bytes += r.Bytes
			if r.Canceled {
				a.canceled++
			}
			if r.Error != "" {
				a.failed++
			}
		}
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("files=%d\n", len(files))
	for _, k := range keys {
		a := byKey[k]
		fmt.Printf("%s\trequests=%d\tbytes=%d\tcanceled=%d\tfailed=%d\n", k, a.requests, a.bytes, a.canceled, a.failed)
	}
}

func artifactsCmd(args []string) {
	fs := pflag.NewFlagSet("artifacts", pflag.ExitOnError)
	buildID := fs.String("build", "", "only this build (default: every build in the store)")
	limit := fs.Int("limit", 1000, "max builds to scan")
	prune := fs.Bool("prune", false, "delete artifacts whose checksum is not the build's current content hash")
	cfg := loadConfig(fs, args)

	if !cfg.StorageEnabled() {
		fatal("artifacts needs VB_STORAGE_ENDPOINT")
	}
	blobs, err := blobstore.New(cfg.Storage.Endpoint, cfg.Artifacts.Bucket, cfg.Storage.Token)
	if err != nil {
		fatal("blob store: %v", err)
	}
	arts := artifacts.NewStore(blobs, cfg.Artifacts.Prefix, cfg.Artifacts.Compress, nil, nil)

	store := openStore(cfg)
	defer store.Close()

	ctx := context.Background()
	var builds []prepare.Build
	if *buildID != "" {
		b, err := store.Get(ctx, *buildID)
		if err != nil {
			fatal("get %s: %v", *buildID, err)
		}
		builds = append(builds, b)
	} else {
		rows, err := store.List(ctx, buildstore.ListOptions{Limit: *limit})
		if err != nil {
			fatal("list: %v", err)
		}
		for _, r := range rows {
			builds = append(builds, r.Build)
		}
	}

	var total, stale int
	for _, b := range builds {
		entries, err := arts.List(ctx, b.ID)
		if err != nil {
			fatal("%v", err)
		}
		for _, e := range entries {
			state := "current"
			if e.Ref.Checksum != b.ContentHash {
				state = "stale"
				stale++
			}
			total++
			fmt.Printf("%s\tvariant=%s\tchecksum=%s\tbytes=%d\t%s\n", b.ID, e.Ref.Variant, e.Ref.Checksum, e.Size, state)
		}
		if *prune {
			pruned, err := arts.Prune(ctx, b.ID, b.ContentHash)
			if err != nil {
				fatal("%v", err)
			}
			for _, e := range pruned {
				fmt.Printf("deleted %s\n", e.Key)
			}
		}
	}
	fmt.Printf("builds=%d artifacts=%d stale=%d pruned=%t\n", len(builds), total, stale, *prune)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
