package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		retry  int
		want   time.Duration
	}{
		{"message first failure", MessagePolicy(), 0, 60 * time.Second},
		{"message floor dominates", MessagePolicy(), 30, 60 * time.Second},
		{"message step overtakes floor", MessagePolicy(), 31, 62 * time.Second},
		{"message far out", MessagePolicy(), 100, 200 * time.Second},
		{"stream first fault", StreamPolicy(), 0, 60 * time.Second},
		{"stream floor holds", StreamPolicy(), 6, 60 * time.Second},
		{"stream step overtakes floor", StreamPolicy(), 7, 70 * time.Second},
		{"negative retry", MessagePolicy(), -3, 60 * time.Second},
		{"custom policy", Policy{Floor: time.Second, Step: 3 * time.Second}, 2, 6 * time.Second},
		{"no step", Policy{Floor: 5 * time.Second}, 10, 5 * time.Second},
		{"overflow saturates", Policy{Step: time.Hour}, math.MaxInt, time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.retry))
		})
	}
}

func TestPolicyIsNonDecreasing(t *testing.T) {
	for _, p := range []Policy{MessagePolicy(), StreamPolicy()} {
		prev := time.Duration(0)
		for retry := 0; retry <= 200; retry++ {
			d := p.Delay(retry)
			require.GreaterOrEqual(t, d, prev)
			require.GreaterOrEqual(t, d, p.Floor)
			prev = d
		}
	}
}

func TestSequenceSchedule(t *testing.T) {
	delays := func(s *Sequence, n int) []time.Duration {
		out := make([]time.Duration, n)
		for i := range out {
			out[i] = s.NextBackOff()
		}
		return out
	}

	message := delays(NewSequence(MessagePolicy()), 33)
	assert.Equal(t, 60*time.Second, message[0], "failure 1")
	assert.Equal(t, 60*time.Second, message[30], "failure 31")
	assert.Equal(t, 62*time.Second, message[31], "failure 32")
	assert.Equal(t, 64*time.Second, message[32], "failure 33")

	stream := delays(NewSequence(StreamPolicy()), 8)
	assert.Equal(t, 60*time.Second, stream[6], "fault 7")
	assert.Equal(t, 70*time.Second, stream[7], "fault 8")
}

func TestSequenceNeverStopsAndResets(t *testing.T) {
	s := NewSequence(Policy{Step: time.Second})
	for range 1000 {
		require.NotEqual(t, cenkalti.Stop, s.NextBackOff())
	}
	assert.Equal(t, 1000, s.Retries())

	s.Reset()
	assert.Zero(t, s.Retries())
	assert.Equal(t, time.Duration(0), s.NextBackOff())
	assert.Equal(t, time.Second, s.NextBackOff())
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		calls    int
		notified []time.Duration
	)
	op := func() error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	}
	notify := func(_ error, d time.Duration) { notified = append(notified, d) }

	done := make(chan error, 1)
	go func() { done <- Retry(ctx, clock, NewSequence(MessagePolicy()), op, notify) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(59 * time.Second)
	select {
	case <-done:
		t.Fatal("retry returned before the delay elapsed")
	default:
	}
	clock.Advance(time.Second)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	require.NoError(t, <-done)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, notified)
}

func TestRetryCancelledWhileWaiting(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, clock, NewSequence(MessagePolicy()), func() error { return errors.New("boom") }, nil)
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRetryAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, clockwork.NewFakeClock(), NewSequence(MessagePolicy()), func() error {
		calls++
		return errors.New("boom")
	}, func(error, time.Duration) { t.Fatal("no retry should be scheduled") })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	final := errors.New("final")
	err := Retry(context.Background(), clockwork.NewFakeClock(), NewSequence(MessagePolicy()), func() error {
		return Permanent(final)
	}, nil)
	assert.ErrorIs(t, err, final)
}

func TestTransientStripsPermanent(t *testing.T) {
	base := errors.New("base")
	assert.Same(t, base, Transient(Permanent(base)))
	assert.Same(t, base, Transient(base))
	assert.NoError(t, Transient(nil))

	var permanent *cenkalti.PermanentError
	assert.False(t, errors.As(Transient(Permanent(Permanent(base))), &permanent))
}
