package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
)

func newTestPublisher(t *testing.T) (*ResponsePublisher, *recordingSink, *recordingLogger, *ListenerMetrics) {
	t.Helper()
	s := newRecordingSink(clockwork.NewFakeClock())
	logger := newRecordingLogger()
	metrics := NewListenerMetrics(prometheus.NewRegistry())
	require.NoError(t, metrics.Register())

	p, err := NewResponsePublisher(s, 0, 0, logger, metrics)
	require.NoError(t, err)
	return p, s, logger, metrics
}

func TestNewResponsePublisherRequiresSink(t *testing.T) {
	_, err := NewResponsePublisher(nil, time.Minute, time.Second, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrSinkRequired)
}

func TestResponsePublisherStoresThenNotifies(t *testing.T) {
	p, s, _, metrics := newTestPublisher(t)

	err := p.Publish(context.Background(), ResponseRecord{
		Listener: "transactions",
		Position: Position{Partition: 0, Offset: 42},
		Result:   receipt{ID: "tx-42", Status: "settled"},
		Address:  "base:0:42",
	})
	require.NoError(t, err)

	stored := s.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "base:0:42", stored[0].address)
	assert.Equal(t, 5*time.Minute, stored[0].ttl)
	assert.JSONEq(t, `{"id":"tx-42","status":"settled"}`, string(stored[0].payload))
	assert.Equal(t, []string{"base:0:42"}, s.notified())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.responses.WithLabelValues("transactions")))
}

func TestResponsePublisherSkipsNotifyWhenStoreFails(t *testing.T) {
	p, s, logger, metrics := newTestPublisher(t)
	s.storeErr = errors.New("redis down")

	err := p.Publish(context.Background(), ResponseRecord{Listener: "transactions", Address: "base:0:1", Result: "ok"})

	require.Error(t, err)
	assert.Empty(t, s.notified())
	entries := logger.find("Failed to store response")
	require.Len(t, entries, 1)
	assert.Equal(t, "base:0:1", entries[0].fields["address"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.publishFailures.WithLabelValues("transactions", StageStore)))
}

func TestResponsePublisherCountsNotifyFailure(t *testing.T) {
	p, s, _, metrics := newTestPublisher(t)
	s.notifyErr = errors.New("publish failed")

	err := p.Publish(context.Background(), ResponseRecord{Listener: "transactions", Address: "base:0:1", Result: "ok"})

	require.Error(t, err)
	assert.Len(t, s.stored(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.publishFailures.WithLabelValues("transactions", StageNotify)))
	assert.Zero(t, testutil.ToFloat64(metrics.responses.WithLabelValues("transactions")))
}

func TestResponsePublisherEncodeFailure(t *testing.T) {
	p, s, _, metrics := newTestPublisher(t)

	err := p.Publish(context.Background(), ResponseRecord{Listener: "transactions", Address: "base:0:1", Result: unencodable{}})

	require.Error(t, err)
	assert.Empty(t, s.stored())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.publishFailures.WithLabelValues("transactions", StageEncode)))
}

func TestResponsePublisherOutlivesCancelledContext(t *testing.T) {
	p, s, _, _ := newTestPublisher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var observed error
	p.sink = &ctxCheckingSink{recordingSink: s, observed: &observed}

	require.NoError(t, p.Publish(ctx, ResponseRecord{Listener: "transactions", Address: "base:0:1", Result: []byte("raw")}))
	assert.NoError(t, observed)
	assert.Equal(t, []byte("raw"), s.stored()[0].payload)
}

func TestResponsePublisherResolvesOverride(t *testing.T) {
	p, s, _, _ := newTestPublisher(t)

	require.NoError(t, p.Publish(context.Background(), ResponseRecord{
		Listener:        "transactions",
		Position:        Position{Partition: 1, Offset: 3},
		AddressOverride: "requests",
		Result:          "ok",
	}))
	assert.Equal(t, []string{"requests:1:3"}, s.storedAddresses())

	assert.Error(t, p.Publish(context.Background(), ResponseRecord{Listener: "transactions", Result: "ok"}))
}

// ctxCheckingSink records the write context's error instead of delegating to
// the memory sink.
type ctxCheckingSink struct {
	*recordingSink
	observed *error
}

func (c *ctxCheckingSink) Store(ctx context.Context, address string, payload []byte, ttl time.Duration) error {
	*c.observed = ctx.Err()
	c.mu.Lock()
	c.stores = append(c.stores, storedResponse{address: address, payload: payload, ttl: ttl})
	c.mu.Unlock()
	return nil
}

func (c *ctxCheckingSink) Notify(ctx context.Context, _ string, _ []byte) error {
	if err := ctx.Err(); err != nil {
		*c.observed = err
	}
	return nil
}

type unencodable struct{}

func (unencodable) MarshalJSON() ([]byte, error) { return nil, errors.New("cannot encode") }
