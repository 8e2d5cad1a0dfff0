package runtime

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	codecpkg "github.com/drblury/replyflow/internal/runtime/codec"
	errspkg "github.com/drblury/replyflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/replyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/replyflow/internal/runtime/metadata"
	"github.com/drblury/replyflow/transport/kafka"
)

// Source yields envelopes until ctx ends. Every Consume call starts a fresh
// sequence; a non-nil error in the sequence is a stream fault.
type Source[K, V any] interface {
	Consume(ctx context.Context) iter.Seq2[Envelope[K, V], error]
}

// SourceFunc adapts a function to Source.
type SourceFunc[K, V any] func(ctx context.Context) iter.Seq2[Envelope[K, V], error]

func (f SourceFunc[K, V]) Consume(ctx context.Context) iter.Seq2[Envelope[K, V], error] {
	return f(ctx)
}

// SliceSource yields envelopes once and then blocks until ctx ends, so a
// listener does not treat the exhausted slice as a closed stream.
func SliceSource[K, V any](envelopes ...Envelope[K, V]) Source[K, V] {
	return SourceFunc[K, V](func(ctx context.Context) iter.Seq2[Envelope[K, V], error] {
		return func(yield func(Envelope[K, V], error) bool) {
			for _, env := range envelopes {
				if ctx.Err() != nil || !yield(env, nil) {
					return
				}
			}
			<-ctx.Done()
		}
	})
}

// WatermillSource consumes one topic of a Watermill subscriber and decodes
// payloads into V. Messages are acked once the listener has accepted or
// filtered them.
type WatermillSource[V any] struct {
	subscriber message.Subscriber
	topic      string
	decoder    codecpkg.Decoder[V]
	logger     loggingpkg.ServiceLogger

	nextOffset atomic.Int64
}

// NewWatermillSource validates its collaborators. A nil logger discards logs.
func NewWatermillSource[V any](subscriber message.Subscriber, topic string, decoder codecpkg.Decoder[V], logger loggingpkg.ServiceLogger) (*WatermillSource[V], error) {
	if subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if decoder == nil {
		return nil, errspkg.ErrDecoderRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &WatermillSource[V]{
		subscriber: subscriber,
		topic:      topic,
		decoder:    decoder,
		logger:     logger.With(loggingpkg.LogFields{"topic": topic}),
	}, nil
}

// NewTopicSource consumes topic from the service's transport.
func NewTopicSource[V any](svc *Service, topic string, decoder codecpkg.Decoder[V]) (*WatermillSource[V], error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	return NewWatermillSource(svc.subscriber, topic, decoder, svc.Logger)
}

func (s *WatermillSource[V]) Consume(ctx context.Context) iter.Seq2[Envelope[string, V], error] {
	return func(yield func(Envelope[string, V], error) bool) {
		messages, err := s.subscriber.Subscribe(ctx, s.topic)
		if err != nil {
			yield(Envelope[string, V]{}, fmt.Errorf("subscribe to %s: %w", s.topic, err))
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					if ctx.Err() == nil {
						yield(Envelope[string, V]{}, errspkg.ErrStreamClosed)
					}
					return
				}
				if !yield(s.envelope(msg), nil) {
					msg.Nack()
					return
				}
				msg.Ack()
			}
		}
	}
}

func (s *WatermillSource[V]) envelope(msg *message.Message) Envelope[string, V] {
	md := metadatapkg.FromWatermill(msg.Metadata)

	env := Envelope[string, V]{
		Key:      msg.UUID,
		Position: s.position(msg, md),
		Metadata: md,
	}
	if key, ok := md.Lookup(metadatapkg.KeyKey); ok {
		env.Key = key
	}

	if len(msg.Payload) == 0 {
		return env
	}
	value, err := s.decoder(msg.Payload)
	if err != nil {
		s.logger.Error("Failed to decode payload", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"partition":    env.Position.Partition,
			"offset":       env.Position.Offset,
		})
		return env
	}
	env.Value = &value
	return env
}

// position prefers the broker's coordinates, then producer headers, then a
// per-source counter on partition 0.
func (s *WatermillSource[V]) position(msg *message.Message, md metadatapkg.Metadata) Position {
	pos := Position{Topic: s.topic}

	if partition, offset, ok := kafka.Position(msg.Context()); ok {
		pos.Partition = partition
		pos.Offset = offset
		return pos
	}

	if offset, ok := md.Int64(metadatapkg.KeyOffset); ok {
		if partition, ok := md.Int64(metadatapkg.KeyPartition); ok {
			pos.Partition = int32(partition)
		}
		pos.Offset = offset
		return pos
	}

	pos.Offset = s.nextOffset.Add(1) - 1
	return pos
}
