package stream

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"voxelbench.ai/internal/buildproto"
	"voxelbench.ai/internal/clock"
)

// ContentType is the media type of an event stream.
const ContentType = "application/x-ndjson"

// Writer encodes events as ndjson lines. When the underlying writer is an
// http.Flusher every line is flushed. Emit and WriteLine are safe for
// concurrent use with the ping loop.
type Writer struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   http.Flusher
	clk       clock.Clock
	lastWrite time.Time
	written   int64
	err       error
}

func NewWriter(w io.Writer, clk clock.Clock) *Writer {
	clk = clock.OrReal(clk)
	sw := &Writer{w: w, clk: clk, lastWrite: clk.Now()}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

func (w *Writer) Emit(ev buildproto.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return w.WriteLine(line)
}

// WriteLine writes one pre-encoded event line. A trailing newline is added
// when missing.
func (w *Writer) WriteLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	n, err := w.w.Write(line)
	w.written += int64(n)
	if err != nil {
		w.err = err
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	w.lastWrite = w.clk.Now()
	return nil
}

// Written reports the bytes written so far.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// KeepAlive emits a ping whenever interval passes without a write, until
// the returned stop func is called. Stop waits for the loop to exit.
func (w *Writer) KeepAlive(interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := w.clk.NewTimer(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C():
			}
			w.mu.Lock()
			idle := w.clk.Now().Sub(w.lastWrite)
			w.mu.Unlock()
			next := interval - idle
			if idle >= interval {
				if err := w.Emit(buildproto.Ping{}); err != nil {
					return
				}
				next = interval
			}
			t.Reset(next)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}
