// Package memory keeps responses in process. It backs tests, examples and
// single-binary deployments where requester and worker share a process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/drblury/replyflow/sink"
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// Sink implements sink.Sink and sink.Reader on maps guarded by a mutex.
// Notifications are fire-and-forget: a subscriber that is not ready misses
// them, exactly like Redis pub/sub.
type Sink struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[string]entry
	subs    map[string]map[chan []byte]struct{}
}

var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Reader = (*Sink)(nil)
)

// Option customises a Sink.
type Option func(*Sink)

// WithClock replaces the clock used to expire entries.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Sink) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(opts ...Option) *Sink {
	s := &Sink{
		clock:   clockwork.NewRealClock(),
		entries: make(map[string]entry),
		subs:    make(map[string]map[chan []byte]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sink) Store(_ context.Context, address string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.clock.Now().Add(ttl)
	}
	s.entries[address] = entry{payload: append([]byte(nil), payload...), expiresAt: expiresAt}
	return nil
}

func (s *Sink) Notify(_ context.Context, address string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs[address] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (s *Sink) Fetch(_ context.Context, address string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookup(address)
}

func (s *Sink) Await(ctx context.Context, address string) ([]byte, error) {
	ch, cancel := s.Subscribe(address)
	defer cancel()

	if payload, err := s.Fetch(ctx, address); err == nil {
		return payload, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload := <-ch:
		return payload, nil
	}
}

// Subscribe registers for notifications on address. The returned cancel
// function must be called to release the subscription.
func (s *Sink) Subscribe(address string) (<-chan []byte, func()) {
	ch := make(chan []byte, 1)

	s.mu.Lock()
	if s.subs[address] == nil {
		s.subs[address] = make(map[chan []byte]struct{})
	}
	s.subs[address][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[address], ch)
			if len(s.subs[address]) == 0 {
				delete(s.subs, address)
			}
		})
	}
}

// Len reports how many unexpired responses are held.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for address := range s.entries {
		if _, err := s.lookup(address); err == nil {
			n++
		}
	}
	return n
}

// TTL reports the remaining lifetime of a stored response.
func (s *Sink) TTL(address string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[address]
	if !ok || e.expiresAt.IsZero() {
		return 0, ok
	}
	remaining := e.expiresAt.Sub(s.clock.Now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// lookup expects s.mu to be held and evicts expired entries lazily.
func (s *Sink) lookup(address string) ([]byte, error) {
	e, ok := s.entries[address]
	if !ok {
		return nil, sink.ErrNotFound
	}
	if !e.expiresAt.IsZero() && !s.clock.Now().Before(e.expiresAt) {
		delete(s.entries, address)
		return nil, sink.ErrNotFound
	}
	return append([]byte(nil), e.payload...), nil
}
