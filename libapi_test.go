package replyflow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memorysink "github.com/drblury/replyflow/sink/memory"
)

type order struct {
	ID    string  `json:"id"`
	Total float64 `json:"total"`
}

func TestRegisterListenerRequiresService(t *testing.T) {
	err := RegisterListener(nil, Listener[string, order, string]{Name: "orders"})
	assert.ErrorIs(t, err, ErrServiceRequired)
}

func TestAddressExport(t *testing.T) {
	assert.Equal(t, "orders:3:17", Address("orders", Position{Partition: 3, Offset: 17}))
}

func TestDecoderExports(t *testing.T) {
	decoded, err := JSONDecoder[order]()([]byte(`{"id":"o-1","total":12.5}`))
	require.NoError(t, err)
	assert.Equal(t, order{ID: "o-1", Total: 12.5}, decoded)

	raw, err := BytesDecoder()([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), raw)
}

func TestFilterExports(t *testing.T) {
	env := Envelope[string, order]{Value: &order{ID: "o-1", Total: 250}}

	requireID := RequireString[string](func(o *order) string { return o.ID })
	assert.True(t, WithDefault(requireID)(env))
	assert.False(t, WithDefault(requireID)(Envelope[string, order]{}))

	large, err := CELFilter[string, order]("value.total > 100")
	require.NoError(t, err)
	assert.True(t, AllFilters(requireID, large)(env))

	env.Value.Total = 10
	assert.False(t, AllFilters(requireID, large)(env))
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	_, err := Marshal(payload)
	require.NoError(t, err)
	_, err = MarshalIndent(payload, "", "  ")
	require.NoError(t, err)
	require.NoError(t, Unmarshal([]byte(`{"hello":"there"}`), &payload))
	assert.Equal(t, "there", payload["hello"])
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyCorrelationID, "c-1")
	assert.Equal(t, "c-1", md[MetadataKeyCorrelationID])
}

func TestErrorCategoryConstants(t *testing.T) {
	assert.Equal(t, ErrorCategory("none"), ErrorCategoryNone)
	assert.Equal(t, ErrorCategory("panic"), ErrorCategoryPanic)
}

func TestFacadeEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memorysink.New()
	clock := clockwork.NewFakeClock()
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	svc, err := TryNewService(&Config{ResponseStore: SinkMemory}, logger, ctx, ServiceDependencies{
		Sink:       store,
		Reader:     store,
		Clock:      clock,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	source := SliceSource(Envelope[string, order]{
		Key:      "o-1",
		Value:    &order{ID: "o-1", Total: 42},
		Position: Position{Topic: "orders", Offset: 7},
	})
	require.NoError(t, RegisterListener(svc, Listener[string, order, string]{
		Name:    "orders",
		Channel: "orders",
		Source:  source,
		Operation: func(_ context.Context, env Envelope[string, order]) (string, error) {
			return "accepted:" + env.Value.ID, nil
		},
	}))

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer awaitCancel()
	payload, err := svc.AwaitResponse(awaitCtx, "orders:0:7")
	require.NoError(t, err)
	assert.Equal(t, "accepted:o-1", string(payload))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
}
