package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetKafkaInitialOffset() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetNATSClientName() string     { return "" }

type mockPublisher struct {
	closed int
	err    error
}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error {
	m.closed++
	return m.err
}

type mockSubscriber struct {
	closed int
	err    error
}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	m.closed++
	return m.err
}

type mockPubSub struct {
	mockSubscriber
}

func (m *mockPubSub) Publish(string, ...*message.Message) error { return nil }

func okBuilder(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
	return Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
}

func TestRegistryRegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())

	reg.Register("Test-Transport", okBuilder)
	assert.True(t, reg.Has("test-transport"))

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: " TEST-transport "}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistryCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("kafka", okBuilder, KafkaCapabilities)

	assert.True(t, reg.GetCapabilities("kafka").SupportsNativePositions)

	unknown := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", unknown.Name)
	assert.False(t, unknown.SupportsNativePositions)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	_, err := reg.Build(ctx, nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(ctx, &mockConfig{pubSubSystem: "missing"}, nil)
	assert.ErrorContains(t, err, "unknown transport")

	boom := errors.New("builder error")
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, boom
	})
	_, err = reg.Build(ctx, &mockConfig{pubSubSystem: "failing"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestRegistryBuildPassesNopLoggerWhenNil(t *testing.T) {
	reg := NewRegistry()
	var got watermill.LoggerAdapter
	reg.Register("capture", func(_ context.Context, _ Config, logger watermill.LoggerAdapter) (Transport, error) {
		got = logger
		return Transport{}, nil
	})

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "capture"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("nats", okBuilder)
	reg.Register("channel", okBuilder)
	reg.Register("kafka", okBuilder)

	assert.Equal(t, []string{"channel", "kafka", "nats"}, reg.Names())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 100 {
				reg.Register("transport", okBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		})
	}
	wg.Wait()

	assert.True(t, reg.Has("transport"))
}

func TestPackageLevelRegistry(t *testing.T) {
	RegisterWithCapabilities("test-pkg-transport", okBuilder, Capabilities{Name: "test-pkg-transport", SupportsAck: true})

	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	assert.True(t, GetCapabilities("test-pkg-transport").SupportsAck)

	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "nonexistent"}, nil)
	assert.Error(t, err)
}

func TestTransportClose(t *testing.T) {
	t.Run("separate halves", func(t *testing.T) {
		pub := &mockPublisher{}
		sub := &mockSubscriber{}
		require.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
		assert.Equal(t, 1, pub.closed)
		assert.Equal(t, 1, sub.closed)
	})

	t.Run("shared pubsub closed once", func(t *testing.T) {
		ps := &mockPubSub{}
		require.NoError(t, Transport{Publisher: ps, Subscriber: ps}.Close())
		assert.Equal(t, 1, ps.closed)
	})

	t.Run("first error wins", func(t *testing.T) {
		sub := &mockSubscriber{err: errors.New("sub")}
		pub := &mockPublisher{err: errors.New("pub")}
		assert.EqualError(t, Transport{Publisher: pub, Subscriber: sub}.Close(), "sub")
		assert.Equal(t, 1, pub.closed)
	})
}
