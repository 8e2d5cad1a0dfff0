// Package rabbitmq provides a RabbitMQ/AMQP transport. Durable queues are
// named after their topic, and positions travel in message metadata:
// producer coordinates when present, otherwise partition 0 and the AMQP
// delivery tag.
package rabbitmq

import (
	"context"
	"strconv"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/replyflow/internal/runtime/metadata"
	"github.com/drblury/replyflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport sharing one connection between the
// publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()

	amqpConfig := amqp.NewDurablePubSubConfig(
		url,
		amqp.GenerateQueueNameTopicName,
	)
	amqpConfig.Marshaler = positionMarshaler{base: amqpConfig.Marshaler}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// positionMarshaler stamps partition 0 and the delivery tag as the offset on
// deliveries that arrive without an offset header.
type positionMarshaler struct {
	base amqp.Marshaler
}

func (m positionMarshaler) Marshal(msg *message.Message) (amqp091.Publishing, error) {
	return m.base.Marshal(msg)
}

func (m positionMarshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	msg, err := m.base.Unmarshal(delivery)
	if err != nil {
		return nil, err
	}
	if msg.Metadata.Get(metadata.KeyOffset) == "" {
		msg.Metadata.Set(metadata.KeyPartition, "0")
		msg.Metadata.Set(metadata.KeyOffset, strconv.FormatUint(delivery.DeliveryTag, 10))
	}
	return msg, nil
}
