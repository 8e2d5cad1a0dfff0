package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/replyflow/sink"
)

func TestStoreAndFetch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "tx:0:42", []byte("ok"), 5*time.Minute))

	got, err := s.Fetch(ctx, "tx:0:42")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)

	ttl, ok := s.TTL("tx:0:42")
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, ttl)
	assert.Equal(t, 1, s.Len())
}

func TestEntriesExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "tx:0:1", []byte("ok"), time.Minute))

	clock.Advance(59 * time.Second)
	_, err := s.Fetch(ctx, "tx:0:1")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = s.Fetch(ctx, "tx:0:1")
	assert.ErrorIs(t, err, sink.ErrNotFound)
	assert.Zero(t, s.Len())
}

func TestStoredPayloadIsCopied(t *testing.T) {
	s := New()
	payload := []byte("abc")
	require.NoError(t, s.Store(context.Background(), "a", payload, 0))
	payload[0] = 'x'

	got, err := s.Fetch(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestNotifyReachesSubscribers(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe("tx:0:2")
	defer cancel()

	require.NoError(t, s.Notify(context.Background(), "tx:0:2", []byte("hi")))
	require.NoError(t, s.Notify(context.Background(), "tx:0:3", []byte("other")))

	select {
	case got := <-ch:
		assert.Equal(t, []byte("hi"), got)
	default:
		t.Fatal("expected a notification")
	}

	select {
	case got := <-ch:
		t.Fatalf("unexpected notification %q", got)
	default:
	}
}

func TestNotifyWithoutSubscribersIsDropped(t *testing.T) {
	s := New()
	assert.NoError(t, s.Notify(context.Background(), "nobody", []byte("x")))
}

func TestAwait(t *testing.T) {
	t.Run("already stored", func(t *testing.T) {
		s := New()
		ctx := context.Background()
		require.NoError(t, s.Store(ctx, "a", []byte("early"), time.Minute))

		got, err := s.Await(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("early"), got)
	})

	t.Run("notified later", func(t *testing.T) {
		s := New()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		result := make(chan []byte, 1)
		go func() {
			got, _ := s.Await(ctx, "b")
			result <- got
		}()

		require.Eventually(t, func() bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return len(s.subs["b"]) == 1
		}, time.Second, time.Millisecond)
		require.NoError(t, s.Notify(ctx, "b", []byte("late")))

		assert.Equal(t, []byte("late"), <-result)
	})

	t.Run("cancelled", func(t *testing.T) {
		s := New()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Await(ctx, "c")
		assert.ErrorIs(t, err, context.Canceled)

		s.mu.Lock()
		defer s.mu.Unlock()
		assert.Empty(t, s.subs, "subscription released")
	})
}
