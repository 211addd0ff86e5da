// ABOUTME: Per-session ordered envelope queue feeding a single delivery goroutine
// ABOUTME: Stamps sequence numbers and non-decreasing timestamps at publish time

package dispatch

import (
	"sync"

	"github.com/2389/coven-stream/internal/envelope"
)

// stream is the logical envelope stream of one session. Producers append to
// pending without blocking; one worker goroutine takes batches in order.
type stream struct {
	mu       sync.Mutex
	pending  []envelope.Envelope
	seq      uint64
	lastTS   int64
	terminal bool

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

func newStream() *stream {
	return &stream{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// push stamps and enqueues env. It returns false once the stream has
// accepted its terminal envelope.
func (s *stream) push(sessionID string, env envelope.Envelope, nowMS int64) (envelope.Envelope, bool) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return envelope.Envelope{}, false
	}
	s.seq++
	if nowMS < s.lastTS {
		nowMS = s.lastTS
	}
	s.lastTS = nowMS

	env.SessionID = sessionID
	env.Seq = s.seq
	env.Timestamp = nowMS
	s.pending = append(s.pending, env)
	s.terminal = env.Terminal()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return env, true
}

// take returns and clears everything pending.
func (s *stream) take() []envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

func (s *stream) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0
}

func (s *stream) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}
