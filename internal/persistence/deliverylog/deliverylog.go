// Package deliverylog records one JSON line per served build request into
// hourly zstd-compressed files.
package deliverylog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelbench.ai/internal/clock"
)

// Record describes one finished request.
type Record struct {
	Time       time.Time `json:"time"`
	RequestID  string    `json:"request_id"`
	BuildID    string    `json:"build_id"`
	Variant    string    `json:"variant"`
	Checksum   string    `json:"checksum,omitempty"`
	Transport  string    `json:"transport"` // stream, ws, snapshot
	Source     string    `json:"source,omitempty"`
	Class      string    `json:"class,omitempty"`
	Status     int       `json:"status"`
	Blocks     int       `json:"blocks"`
	Chunks     int       `json:"chunks,omitempty"`
	Bytes      int64     `json:"bytes"`
	DurationMs int64     `json:"duration_ms"`
	Canceled   bool      `json:"canceled,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Log writes records to {dir}/{prefix}-{YYYY-MM-DD-HH}.jsonl.zst, opening a
// new file when the UTC hour changes. A nil *Log discards records.
type Log struct {
	dir    string
	prefix string
	clk    clock.Clock

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func New(dir, prefix string, clk clock.Clock) *Log {
	if prefix == "" {
		prefix = "deliveries"
	}
	return &Log{dir: dir, prefix: prefix, clk: clock.OrReal(clk)}
}

func (l *Log) Write(r Record) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now().UTC()
	if r.Time.IsZero() {
		r.Time = now
	}
	hour := now.Format("2006-01-02-15")
	if hour != l.curHour {
		if err := l.rotateLocked(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := l.w.Write(b); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	// Each record ends a zstd block so readers see it before rotation.
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.enc.Flush()
}

// Flush pushes buffered records into the current zstd block.
func (l *Log) Flush() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.enc.Flush()
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

// Files lists the log files written so far, oldest first.
func (l *Log) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, l.prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (l *Log) rotateLocked(hour string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.f = f
	l.enc = enc
	l.w = bufio.NewWriterSize(enc, 64*1024)
	l.curHour = hour
	return nil
}

func (l *Log) closeLocked() error {
	var err error
	if l.w != nil {
		err = l.w.Flush()
	}
	if l.enc != nil {
		if cerr := l.enc.Close(); err == nil {
			err = cerr
		}
		l.enc = nil
	}
	if l.f != nil {
		if cerr := l.f.Close(); err == nil {
			err = cerr
		}
		l.f = nil
	}
	l.w = nil
	l.curHour = ""
	return err
}

func (l *Log) pathForHour(hour string) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s-%s.jsonl.zst", l.prefix, hour))
}

// ReadFile decodes every record in one log file. Files appended to across
// restarts hold several zstd frames; they decode as one stream. The last
// frame of a file still being written, or of a killed process, has no end
// marker; records up to its last complete block are returned.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Record
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return out, fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return out, nil
}
