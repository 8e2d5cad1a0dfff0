// Package pubsub announces responses through any Watermill publisher, so a
// NATS, RabbitMQ or Kafka topic can carry notifications while another backend
// keeps the stored copy.
package pubsub

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/replyflow/internal/runtime/ids"
	"github.com/drblury/replyflow/internal/runtime/metadata"
	"github.com/drblury/replyflow/sink"
)

// TopicFunc maps a response address to the topic it is published on.
type TopicFunc func(address string) string

// Notifier implements sink.Notifier.
type Notifier struct {
	publisher message.Publisher
	topic     TopicFunc
}

var _ sink.Notifier = (*Notifier)(nil)

// Option customises a Notifier.
type Option func(*Notifier)

// WithTopic routes notifications to topic(address) instead of the address.
func WithTopic(topic TopicFunc) Option {
	return func(n *Notifier) {
		if topic != nil {
			n.topic = topic
		}
	}
}

// WithFixedTopic routes every notification to one topic. Receivers tell
// responses apart with the replyflow_address header.
func WithFixedTopic(topic string) Option {
	return WithTopic(func(string) string { return topic })
}

func New(publisher message.Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		publisher: publisher,
		topic:     func(address string) string { return address },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Notifier) Notify(ctx context.Context, address string, payload []byte) error {
	msg := message.NewMessage(ids.New(), payload)
	msg.Metadata = metadata.ToWatermill(metadata.New(metadata.KeyAddress, address))
	msg.SetContext(ctx)

	topic := n.topic(address)
	if err := n.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish notification to %s: %w", topic, err)
	}
	return nil
}
