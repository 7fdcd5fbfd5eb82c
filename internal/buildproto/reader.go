package buildproto

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Reader decodes an ndjson event stream one line at a time.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event, or io.EOF once the input is exhausted.
// Blank lines are skipped. A final line without a newline is accepted.
func (r *Reader) Next() (Event, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			ev, decErr := Decode(trimmed)
			if decErr != nil {
				return nil, decErr
			}
			return ev, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

// ErrOutOfOrder is returned by Sequence for events that break the
// hello, body, terminal ordering.
var ErrOutOfOrder = errors.New("event out of order")

// Sequence enforces stream ordering: exactly one hello first, then chunks
// and pings, then exactly one complete or error.
type Sequence struct {
	sawHello bool
	done     bool
	nextIdx  int
}

func (s *Sequence) Observe(ev Event) error {
	if s.done {
		return fmt.Errorf("%w: %s after terminal event", ErrOutOfOrder, ev.Kind())
	}
	switch ev.(type) {
	case Hello:
		if s.sawHello {
			return fmt.Errorf("%w: second hello", ErrOutOfOrder)
		}
		s.sawHello = true
		s.nextIdx = 1
		return nil
	case Error:
		// A server may fail before it has anything to announce.
		s.done = true
		return nil
	}
	if !s.sawHello {
		return fmt.Errorf("%w: %s before hello", ErrOutOfOrder, ev.Kind())
	}
	switch e := ev.(type) {
	case Chunk:
		if e.Index != s.nextIdx {
			return fmt.Errorf("%w: chunk %d, expected %d", ErrOutOfOrder, e.Index, s.nextIdx)
		}
		s.nextIdx++
	case Complete:
		s.done = true
	}
	return nil
}

// Done reports whether a terminal event has been observed.
func (s *Sequence) Done() bool { return s.done }
