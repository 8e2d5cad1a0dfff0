package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	codecpkg "github.com/drblury/replyflow/internal/runtime/codec"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	idspkg "github.com/drblury/replyflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/replyflow/internal/runtime/metadata"
)

// Producer emits events onto the stream a listener consumes.
type Producer interface {
	PublishEvent(ctx context.Context, topic, key string, event any, metadata metadatapkg.Metadata) error
}

// NewEventMessage encodes event like a response result and stamps the key and
// a correlation id into the message metadata.
func NewEventMessage(key string, event any, metadata metadatapkg.Metadata) (*message.Message, error) {
	if event == nil {
		return nil, errspkg.ErrEventRequired
	}

	payload, err := codecpkg.EncodeResult(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	md := metadata.Clone()
	if key != "" {
		md[metadatapkg.KeyKey] = key
	}
	if _, ok := md.Lookup(metadatapkg.KeyCorrelationID); !ok {
		md[metadatapkg.KeyCorrelationID] = idspkg.New()
	}

	msg := message.NewMessage(idspkg.New(), payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg, nil
}

// PublishEvent encodes the event and publishes it to topic.
func PublishEvent(ctx context.Context, publisher message.Publisher, topic, key string, event any, metadata metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewEventMessage(key, event, metadata)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(topic, msg)
}

// PublishEvent emits the event on the Service transport.
func (s *Service) PublishEvent(ctx context.Context, topic, key string, event any, metadata metadatapkg.Metadata) error {
	if s == nil {
		return errors.New("replyflow service is nil")
	}
	return PublishEvent(ctx, s.publisher, topic, key, event, metadata)
}
