// Package backoff computes retry delays for lanes and stream restarts and
// drives cenkalti/backoff retry loops on an injectable clock.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

const (
	MessageFloor = 60 * time.Second
	MessageStep  = 2 * time.Second
	StreamFloor  = 60 * time.Second
	StreamStep   = 10 * time.Second
)

// Strategy returns the pause before a retry. retry counts from 0: the
// first failure waits Delay(0).
type Strategy interface {
	Delay(retry int) time.Duration
}

// Policy waits max(Floor, retry*Step). With the default constants the floor
// dominates until the step term passes it.
type Policy struct {
	Floor time.Duration
	Step  time.Duration
}

func (p Policy) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	var d time.Duration
	if p.Step > 0 {
		if int64(retry) > math.MaxInt64/int64(p.Step) {
			return time.Duration(math.MaxInt64)
		}
		d = time.Duration(retry) * p.Step
	}
	return max(p.Floor, d)
}

// MessagePolicy is the per-envelope retry policy.
func MessagePolicy() Policy {
	return Policy{Floor: MessageFloor, Step: MessageStep}
}

// StreamPolicy is the policy applied between stream restarts.
func StreamPolicy() Policy {
	return Policy{Floor: StreamFloor, Step: StreamStep}
}

// Sequence is a cenkalti BackOff that walks a Strategy. It never returns
// Stop, so loops driven by it only end on success or cancellation. A
// Sequence belongs to one loop and is not safe for concurrent use.
type Sequence struct {
	strategy Strategy
	retries  int
}

var _ cenkalti.BackOff = (*Sequence)(nil)

// NewSequence starts a Sequence at retry 0.
func NewSequence(strategy Strategy) *Sequence {
	return &Sequence{strategy: strategy}
}

func (s *Sequence) NextBackOff() time.Duration {
	d := s.strategy.Delay(s.retries)
	s.retries++
	return d
}

// Reset starts the sequence over at retry 0.
func (s *Sequence) Reset() { s.retries = 0 }

// Retries reports how many delays were handed out since the last Reset.
func (s *Sequence) Retries() int { return s.retries }

// clockTimer implements cenkalti.Timer on a clockwork clock so fake clocks
// control retry waits.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

// NewTimer returns a cenkalti Timer backed by clock.
func NewTimer(clock clockwork.Clock) cenkalti.Timer {
	return &clockTimer{clock: clock}
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}

// Retry runs op until it returns nil, pausing by b between attempts on
// clock. notify sees every failure with the delay that follows it. Retry
// returns ctx.Err() once ctx ends, or the error wrapped in a
// cenkalti.PermanentError returned by op.
func Retry(ctx context.Context, clock clockwork.Clock, b cenkalti.BackOff, op func() error, notify func(err error, delay time.Duration)) error {
	return cenkalti.RetryNotifyWithTimer(op, cenkalti.WithContext(b, ctx), notify, NewTimer(clock))
}

// Permanent marks err as final for Retry.
func Permanent(err error) error {
	return cenkalti.Permanent(err)
}

// Transient strips cenkalti.PermanentError wrappers so Retry keeps going
// regardless of what op returned.
func Transient(err error) error {
	var permanent *cenkalti.PermanentError
	for errors.As(err, &permanent) && permanent.Err != nil {
		err = permanent.Err
	}
	return err
}
