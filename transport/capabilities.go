package transport

// Capabilities describes what a stream backend guarantees to listeners.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// SupportsOrdering means delivery order is preserved within a partition.
	SupportsOrdering bool

	// SupportsPartitioning means the backend shards topics into partitions.
	SupportsPartitioning bool

	// SupportsNativePositions means each message carries a partition and
	// offset of its own. Without it producers set the replyflow_partition and
	// replyflow_offset headers or the source numbers messages itself.
	SupportsNativePositions bool

	// SupportsAck indicates explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates negative acknowledgment triggers redelivery.
	SupportsNack bool

	// SupportsReplay means a restarted consumer resumes from its committed
	// position instead of only seeing new messages.
	SupportsReplay bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true for at-least-once backends.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// RequiresPositionHeaders reports whether producers must stamp positions in
// headers for response addresses to be stable across restarts.
func (c Capabilities) RequiresPositionHeaders() bool {
	return !c.SupportsNativePositions
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                    "kafka",
		SupportsOrdering:        true,
		SupportsPartitioning:    true,
		SupportsNativePositions: true,
		SupportsAck:             true,
		SupportsReplay:          true,
		MaxMessageSize:          1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsReplay:   true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576,
	}

	JetStreamCapabilities = Capabilities{
		Name:                    "nats-jetstream",
		SupportsOrdering:        true,
		SupportsNativePositions: true,
		SupportsAck:             true,
		SupportsNack:            true,
		SupportsReplay:          true,
		MaxMessageSize:          1048576,
	}
)
