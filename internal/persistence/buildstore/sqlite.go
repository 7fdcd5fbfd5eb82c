// Package buildstore keeps build records in SQLite and resolves their
// payloads from inline bytes or the blob store.
package buildstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelbench.ai/internal/prepare"
)

var ErrNotFound = errors.New("build not found")

type Store struct {
	db *sql.DB

	served  chan string
	closeMu sync.RWMutex
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool

	droppedServes atomic.Uint64
}

func OpenSQLite(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		served: make(chan string, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			grid_size INTEGER NOT NULL,
			palette TEXT NOT NULL,
			block_count INTEGER NOT NULL,
			byte_size INTEGER,
			compressed_byte_size INTEGER,
			content_hash TEXT,
			payload_inline BLOB,
			payload_ref TEXT,
			created_at TEXT NOT NULL,
			serve_count INTEGER NOT NULL DEFAULT 0,
			last_served_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_byte_size ON builds(byte_size);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_serve_count ON builds(serve_count);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closeMu.Lock()
		s.closed.Store(true)
		close(s.served)
		s.closeMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

const selectColumns = `id, grid_size, palette, block_count, byte_size, compressed_byte_size, content_hash, payload_ref`

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner, extra ...any) (prepare.Build, error) {
	var (
		b          prepare.Build
		byteSize   sql.NullInt64
		compressed sql.NullInt64
		hash       sql.NullString
		ref        sql.NullString
	)
	dest := append([]any{&b.ID, &b.GridSize, &b.Palette, &b.BlockCount, &byteSize, &compressed, &hash, &ref}, extra...)
	if err := row.Scan(dest...); err != nil {
		return prepare.Build{}, err
	}
	if byteSize.Valid {
		v := byteSize.Int64
		b.Metadata.ByteSize = &v
	}
	if compressed.Valid {
		v := compressed.Int64
		b.Metadata.CompressedByteSize = &v
	}
	b.ContentHash = hash.String
	b.Payload.Ref = ref.String
	return b, nil
}

// Get loads a build record including any inline payload.
func (s *Store) Get(ctx context.Context, id string) (prepare.Build, error) {
	var inline []byte
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+`, payload_inline FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row, &inline)
	if errors.Is(err, sql.ErrNoRows) {
		return prepare.Build{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return prepare.Build{}, fmt.Errorf("get build %s: %w", id, err)
	}
	b.Payload.Inline = inline
	return b, nil
}

// Put inserts or replaces a build record. Serve counters survive a
// replace.
func (s *Store) Put(ctx context.Context, b prepare.Build) error {
	if b.ID == "" {
		return fmt.Errorf("put build: empty id")
	}
	if len(b.Payload.Inline) == 0 && b.Payload.Ref == "" {
		return fmt.Errorf("put build %s: no payload", b.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (id, grid_size, palette, block_count, byte_size, compressed_byte_size, content_hash, payload_inline, payload_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			grid_size = excluded.grid_size,
			palette = excluded.palette,
			block_count = excluded.block_count,
			byte_size = excluded.byte_size,
			compressed_byte_size = excluded.compressed_byte_size,
			content_hash = excluded.content_hash,
			payload_inline = excluded.payload_inline,
			payload_ref = excluded.payload_ref`,
		b.ID, b.GridSize, b.Palette, b.BlockCount,
		nullInt(b.Metadata.ByteSize), nullInt(b.Metadata.CompressedByteSize),
		nullString(b.ContentHash), nullBytes(b.Payload.Inline), nullString(b.Payload.Ref),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put build %s: %w", b.ID, err)
	}
	return nil
}

type ListOptions struct {
	// MinBytes keeps builds whose known or compressed-estimated size is at
	// least this many bytes. Builds without size metadata are excluded
	// when MinBytes > 0.
	MinBytes            int64
	CompressedExpansion int64
	HashedOnly          bool
	// ByPopularity orders by serve count instead of id.
	ByPopularity bool
	Limit        int
}

type Summary struct {
	prepare.Build
	ServeCount int64
}

// List returns build records without inline payloads.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}
	if opts.CompressedExpansion <= 0 {
		opts.CompressedExpansion = 1
	}
	q := `SELECT ` + selectColumns + `, serve_count FROM builds WHERE 1=1`
	var args []any
	if opts.HashedOnly {
		q += ` AND content_hash IS NOT NULL AND content_hash != ''`
	}
	if opts.MinBytes > 0 {
		q += ` AND COALESCE(byte_size, compressed_byte_size * ?) >= ?`
		args = append(args, opts.CompressedExpansion, opts.MinBytes)
	}
	if opts.ByPopularity {
		q += ` ORDER BY serve_count DESC, id ASC`
	} else {
		q += ` ORDER BY id ASC`
	}
	q += ` LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var served int64
		b, err := scanBuild(rows, &served)
		if err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		out = append(out, Summary{Build: b, ServeCount: served})
	}
	return out, rows.Err()
}

// RecordServe counts a delivery of id. It never blocks; records are
// dropped when the writer falls behind.
func (s *Store) RecordServe(id string) {
	if s == nil || id == "" {
		return
	}
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed.Load() {
		return
	}
	select {
	case s.served <- id:
	default:
		s.droppedServes.Add(1)
	}
}

func (s *Store) loop() {
	for id := range s.served {
		_, _ = s.db.Exec(`UPDATE builds SET serve_count = serve_count + 1, last_served_at = ? WHERE id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), id)
	}
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
