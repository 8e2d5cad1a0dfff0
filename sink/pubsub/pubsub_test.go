package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/replyflow/internal/runtime/metadata"
)

func TestNotifyPublishesOnAddressTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1}, watermill.NopLogger{})
	defer ps.Close()

	messages, err := ps.Subscribe(ctx, "transactions:0:42")
	require.NoError(t, err)

	n := New(ps)
	require.NoError(t, n.Notify(ctx, "transactions:0:42", []byte(`{"ok":true}`)))

	select {
	case msg := <-messages:
		assert.Equal(t, `{"ok":true}`, string(msg.Payload))
		assert.Equal(t, "transactions:0:42", msg.Metadata.Get(metadata.KeyAddress))
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("notification not received")
	}
}

func TestNotifyWithFixedTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 1}, watermill.NopLogger{})
	defer ps.Close()

	messages, err := ps.Subscribe(ctx, "responses")
	require.NoError(t, err)

	require.NoError(t, New(ps, WithFixedTopic("responses")).Notify(ctx, "accounts:3:9", []byte("x")))

	select {
	case msg := <-messages:
		assert.Equal(t, "accounts:3:9", msg.Metadata.Get(metadata.KeyAddress))
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("notification not received")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("down") }
func (failingPublisher) Close() error                              { return nil }

func TestNotifyWrapsPublishErrors(t *testing.T) {
	err := New(failingPublisher{}).Notify(context.Background(), "a:0:1", nil)
	assert.ErrorContains(t, err, "publish notification to a:0:1: down")
}
