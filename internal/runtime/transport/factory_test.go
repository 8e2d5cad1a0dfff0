package transport

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/replyflow/internal/runtime/config"
	"github.com/drblury/replyflow/internal/runtime/logging"
	"github.com/drblury/replyflow/transport"
)

func testLogger() watermill.LoggerAdapter {
	slogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return logging.NewWatermillAdapter(logging.NewSlogServiceLogger(slogger))
}

func TestDefaultFactoryBuildsChannel(t *testing.T) {
	tr, err := DefaultFactory().Build(context.Background(), &config.Config{PubSubSystem: "channel"}, testLogger())

	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	require.NoError(t, tr.Close())
}

func TestDefaultFactoryErrors(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := DefaultFactory().Build(context.Background(), nil, testLogger())
		assert.EqualError(t, err, "config is required")
	})

	t.Run("unknown transport", func(t *testing.T) {
		_, err := DefaultFactory().Build(context.Background(), &config.Config{PubSubSystem: "carrier-pigeon"}, testLogger())
		assert.ErrorContains(t, err, "carrier-pigeon")
	})
}

func TestFactoryFunc(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() { _ = pubSub.Close() }()

	var seen *config.Config
	factory := FactoryFunc(func(_ context.Context, conf *config.Config, _ watermill.LoggerAdapter) (transport.Transport, error) {
		seen = conf
		return transport.Transport{Publisher: pubSub, Subscriber: pubSub}, nil
	})

	conf := &config.Config{PubSubSystem: "custom"}
	tr, err := factory.Build(context.Background(), conf, testLogger())

	require.NoError(t, err)
	assert.Same(t, conf, seen)
	assert.Same(t, pubSub, tr.Publisher)
}
