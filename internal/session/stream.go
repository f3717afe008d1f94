package session

import (
	"context"
	"strings"
	"sync"
)

// Stream carries parsed output events from a running subprocess to the
// caller while it is still alive (adapted from the teacher's
// internal/agent.Stream).
type Stream struct {
	ctx    context.Context
	ch     chan Chunk
	stopFn func(graceful bool)

	mu           sync.Mutex
	err          error
	done         bool
	chunks       []Chunk
	inputTokens  int
	outputTokens int
}

func NewStream(ctx context.Context, stopFn func(graceful bool)) *Stream {
	return &Stream{ctx: ctx, ch: make(chan Chunk, 64), stopFn: stopFn}
}

// Stop requests the underlying subprocess stop: graceful=true sends
// SIGTERM, graceful=false sends SIGKILL. Safe to call after the stream
// has already closed (a no-op in that case, since stopFn targets a
// process that has already exited).
func (s *Stream) Stop(graceful bool) {
	if s.stopFn != nil {
		s.stopFn(graceful)
	}
}

func (s *Stream) Send(c Chunk) {
	select {
	case s.ch <- c:
	case <-s.ctx.Done():
	}
}

func (s *Stream) Close(err error) {
	s.mu.Lock()
	s.err = err
	s.done = true
	s.mu.Unlock()
	close(s.ch)
}

// Next blocks for the next chunk; ok is false once the stream is closed.
func (s *Stream) Next() (Chunk, bool) {
	c, ok := <-s.ch
	if ok {
		s.mu.Lock()
		s.chunks = append(s.chunks, c)
		s.mu.Unlock()
	}
	return c, ok
}

// Text returns every chunk seen so far, concatenated.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, c := range s.chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Stream) SetTokens(input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputTokens, s.outputTokens = input, output
}

func (s *Stream) Tokens() (input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputTokens, s.outputTokens
}
