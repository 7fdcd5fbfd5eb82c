package retrieval

import (
	"context"
	"errors"
	"sync"
)

// Update is what a Selector reports for the active selection. Final is
// set on the last update of a generation, with Result or Err.
type Update struct {
	Generation uint64
	Request    Request
	Progress   Progress
	Final      bool
	Result     *Result
	Err        error
}

// Selector owns the "active build" choice. Selecting a build cancels the
// previous retrieval, and updates from superseded generations are dropped,
// so a consumer only ever sees the current selection.
type Selector struct {
	client  *Client
	updates chan<- Update

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSelector(c *Client, updates chan<- Update) *Selector {
	return &Selector{client: c, updates: updates}
}

// Select starts retrieving req and returns its generation.
func (s *Selector) Select(ctx context.Context, req Request) uint64 {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(rctx, cancel, gen, req)
	return gen
}

// Current returns the active generation.
func (s *Selector) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Cancel aborts the active retrieval without starting another. Its final
// update is suppressed.
func (s *Selector) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
}

// Wait blocks until every started retrieval has returned.
func (s *Selector) Wait() { s.wg.Wait() }

func (s *Selector) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Selector) run(ctx context.Context, cancel context.CancelFunc, gen uint64, req Request) {
	defer s.wg.Done()
	defer cancel()

	progress := make(chan Progress, 32)
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for p := range progress {
			if !s.current(gen) {
				continue
			}
			select {
			case s.updates <- Update{Generation: gen, Request: req, Progress: p}:
			default:
			}
		}
	}()

	res, err := s.client.Retrieve(ctx, req, progress)
	close(progress)
	<-forwarded

	if errors.Is(err, context.Canceled) || !s.current(gen) {
		return
	}
	select {
	case s.updates <- Update{Generation: gen, Request: req, Final: true, Result: res, Err: err}:
	case <-ctx.Done():
	}
}
