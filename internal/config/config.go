package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"voxelbench.ai/internal/cache"
	"voxelbench.ai/internal/persistence/artifacts"
	"voxelbench.ai/internal/prepare"
	"voxelbench.ai/internal/stream"
)

type Config struct {
	Server      ServerConfig                `yaml:"server"`
	Prepare     prepare.Options             `yaml:"prepare"`
	Cache       cache.Options               `yaml:"cache"`
	Stream      stream.PlanConfig           `yaml:"stream"`
	Artifacts   ArtifactsConfig             `yaml:"artifacts"`
	Precompute  artifacts.PrecomputeOptions `yaml:"precompute"`
	Storage     StorageConfig               `yaml:"storage"`
	DeliveryLog DeliveryLogConfig           `yaml:"delivery_log"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`
	// DBPath defaults to <data_dir>/builds.sqlite.
	DBPath       string        `yaml:"db_path"`
	PingInterval time.Duration `yaml:"ping_interval"`
	// RateLimit uses the limiter format, e.g. "120-M". Empty disables it.
	RateLimit      string `yaml:"rate_limit"`
	TrustForwarded bool   `yaml:"trust_forwarded"`
}

type ArtifactsConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Compress bool   `yaml:"compress"`
	// PrecomputeOnMiss enqueues eligible builds served live.
	PrecomputeOnMiss bool `yaml:"precompute_on_miss"`
}

type StorageConfig struct {
	Endpoint string `yaml:"endpoint"`
	// PayloadBucket holds build payloads referenced by buildstore records.
	PayloadBucket string `yaml:"payload_bucket"`
	Token         string `yaml:"-"`
	// MaxPayloadBytes caps a decoded payload; 0 is unlimited.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes"`
}

type DeliveryLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			DataDir:      "./data",
			PingInterval: 10 * time.Second,
			RateLimit:    "300-M",
		},
		Prepare: prepare.DefaultOptions(),
		Cache: cache.Options{
			MaxEntries: cache.DefaultMaxEntries,
			MaxWeight:  cache.DefaultMaxWeight,
		},
		Stream: stream.DefaultPlanConfig(),
		Artifacts: ArtifactsConfig{
			Bucket:           "builds",
			Prefix:           artifacts.DefaultPrefix,
			Compress:         true,
			PrecomputeOnMiss: true,
		},
		Precompute: artifacts.PrecomputeOptions{
			Workers:       2,
			QueueCapacity: 256,
			EnqueueWait:   25 * time.Millisecond,
			UploadTimeout: 2 * time.Minute,
		},
		Storage: StorageConfig{
			PayloadBucket: "builds",
		},
		DeliveryLog: DeliveryLogConfig{Enabled: true},
	}
}

// Load layers configuration: defaults, then the YAML file at path (if
// any), then envFiles via godotenv (existing variables win), then VB_*
// environment variables. The result is validated.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := decodeYAML(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("%s: %w", f, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// fill derives values that depend on other keys.
func (c *Config) fill() {
	if c.Server.DBPath == "" && c.Server.DataDir != "" {
		c.Server.DBPath = filepath.Join(c.Server.DataDir, "builds.sqlite")
	}
	if c.DeliveryLog.Dir == "" && c.Server.DataDir != "" {
		c.DeliveryLog.Dir = filepath.Join(c.Server.DataDir, "deliveries")
	}
}

// Validate rejects settings the components would otherwise silently repair.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	t := c.Prepare.Thresholds
	if t.InlineMaxBytes <= 0 || t.SnapshotMaxBytes <= 0 || t.ArtifactEligibleBytes <= 0 || t.ArtifactStreamMinBytes <= 0 {
		bad("thresholds must be positive")
	} else if !(t.InlineMaxBytes <= t.SnapshotMaxBytes && t.SnapshotMaxBytes <= t.ArtifactEligibleBytes && t.ArtifactEligibleBytes <= t.ArtifactStreamMinBytes) {
		bad("thresholds must ascend: inline=%d snapshot=%d artifact_eligible=%d artifact_stream_min=%d",
			t.InlineMaxBytes, t.SnapshotMaxBytes, t.ArtifactEligibleBytes, t.ArtifactStreamMinBytes)
	}
	if t.PreferPreviewBytes <= 0 {
		bad("prefer_preview_bytes must be positive")
	}
	if t.CompressedExpansion <= 0 {
		bad("compressed_expansion must be positive")
	}
	if c.Prepare.PreviewTargetBlocks <= 0 {
		bad("preview_target_blocks must be positive")
	}
	if c.Prepare.MaxBlocks < 0 {
		bad("max_blocks must not be negative")
	}
	if c.Cache.MaxEntries <= 0 || c.Cache.MaxWeight <= 0 {
		bad("cache bounds must be positive")
	}

	s := c.Stream
	if s.TargetChunkBytes <= 0 || s.MaxChunks <= 0 || s.BytesPerBlock <= 0 {
		bad("stream target_chunk_bytes, max_chunks and bytes_per_block must be positive")
	}
	if s.MinChunkBlocks <= 0 || s.MaxChunkBlocks < s.MinChunkBlocks {
		bad("stream chunk block bounds invalid: min=%d max=%d", s.MinChunkBlocks, s.MaxChunkBlocks)
	}
	if s.MinBlocksToChunk < 0 || s.HelloPadBytes < 0 {
		bad("stream min_blocks_to_chunk and hello_pad_bytes must not be negative")
	}

	if c.Server.Addr == "" {
		bad("server addr is required")
	}
	if c.Server.PingInterval < 0 {
		bad("ping_interval must not be negative")
	}
	if c.Prepare.ArtifactsEnabled && c.Storage.Endpoint != "" && c.Artifacts.Bucket == "" {
		bad("artifacts bucket is required when storage is configured")
	}
	if c.Precompute.Workers < 0 || c.Precompute.QueueCapacity < 0 || c.Precompute.UploadsPerSecond < 0 {
		bad("precompute options must not be negative")
	}
	return errors.Join(errs...)
}

// StorageEnabled reports whether a blob store endpoint is configured.
func (c Config) StorageEnabled() bool {
	return strings.TrimSpace(c.Storage.Endpoint) != ""
}

// ApplyEnv overrides cfg from VB_* variables read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("VB_ADDR", &cfg.Server.Addr)
	e.str("VB_DATA_DIR", &cfg.Server.DataDir)
	e.str("VB_DB_PATH", &cfg.Server.DBPath)
	e.duration("VB_PING_INTERVAL", &cfg.Server.PingInterval)
	e.str("VB_RATE_LIMIT", &cfg.Server.RateLimit)
	e.boolean("VB_TRUST_FORWARDED", &cfg.Server.TrustForwarded)

	e.boolean("VB_ARTIFACTS_ENABLED", &cfg.Prepare.ArtifactsEnabled)
	e.boolean("VB_PREVIEW_ENABLED", &cfg.Prepare.PreviewEnabled)
	e.integer("VB_PREVIEW_TARGET_BLOCKS", &cfg.Prepare.PreviewTargetBlocks)
	e.integer("VB_MAX_BLOCKS", &cfg.Prepare.MaxBlocks)

	e.integer("VB_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	e.int64("VB_CACHE_MAX_WEIGHT", &cfg.Cache.MaxWeight)

	th := &cfg.Prepare.Thresholds
	e.int64("VB_INLINE_MAX_BYTES", &th.InlineMaxBytes)
	e.int64("VB_SNAPSHOT_MAX_BYTES", &th.SnapshotMaxBytes)
	e.int64("VB_ARTIFACT_ELIGIBLE_BYTES", &th.ArtifactEligibleBytes)
	e.int64("VB_ARTIFACT_STREAM_MIN_BYTES", &th.ArtifactStreamMinBytes)
	e.int64("VB_PREFER_PREVIEW_BYTES", &th.PreferPreviewBytes)
	e.int64("VB_COMPRESSED_EXPANSION", &th.CompressedExpansion)

	st := &cfg.Stream
	e.int64("VB_STREAM_TARGET_CHUNK_BYTES", &st.TargetChunkBytes)
	e.integer("VB_STREAM_MIN_BLOCKS_TO_CHUNK", &st.MinBlocksToChunk)
	e.integer("VB_STREAM_MAX_CHUNKS", &st.MaxChunks)
	e.integer("VB_STREAM_MIN_CHUNK_BLOCKS", &st.MinChunkBlocks)
	e.integer("VB_STREAM_MAX_CHUNK_BLOCKS", &st.MaxChunkBlocks)
	e.integer("VB_STREAM_HELLO_PAD_BYTES", &st.HelloPadBytes)

	e.str("VB_ARTIFACT_BUCKET", &cfg.Artifacts.Bucket)
	e.str("VB_ARTIFACT_PREFIX", &cfg.Artifacts.Prefix)
	e.boolean("VB_ARTIFACT_COMPRESS", &cfg.Artifacts.Compress)
	e.boolean("VB_PRECOMPUTE_ON_MISS", &cfg.Artifacts.PrecomputeOnMiss)

	e.integer("VB_PRECOMPUTE_WORKERS", &cfg.Precompute.Workers)
	e.integer("VB_PRECOMPUTE_QUEUE", &cfg.Precompute.QueueCapacity)
	e.float("VB_PRECOMPUTE_UPLOADS_PER_SECOND", &cfg.Precompute.UploadsPerSecond)
	e.duration("VB_PRECOMPUTE_UPLOAD_TIMEOUT", &cfg.Precompute.UploadTimeout)

	e.str("VB_STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	e.str("VB_STORAGE_TOKEN", &cfg.Storage.Token)
	e.str("VB_PAYLOAD_BUCKET", &cfg.Storage.PayloadBucket)
	e.int64("VB_MAX_PAYLOAD_BYTES", &cfg.Storage.MaxPayloadBytes)

	e.boolean("VB_DELIVERY_LOG", &cfg.DeliveryLog.Enabled)
	e.str("VB_DELIVERY_LOG_DIR", &cfg.DeliveryLog.Dir)

	return errors.Join(e.errs...)
}

// envReader collects parse errors instead of falling back to defaults, so
// a typo in a deployment variable fails startup.
type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) int64(key string, dst *int64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := parseBytes(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = f
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

// parseBytes accepts a plain integer or one suffixed with KiB, MiB or GiB.
func parseBytes(v string) (int64, error) {
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10}} {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSpace(strings.TrimSuffix(v, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
