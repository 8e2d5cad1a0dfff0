// Package jetstream provides a NATS JetStream transport. Every consumed
// message is stamped with its stream sequence as the offset, so response
// addresses stay stable across redeliveries.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/replyflow/internal/runtime/metadata"
	"github.com/drblury/replyflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream created when none is configured.
	DefaultStreamName = "REPLYFLOW"

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	fetchBatch = 10
)

var errClosed = errors.New("jetstream: transport is closed")

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:        cfg.GetNATSURL(),
		ClientName: cfg.GetNATSClientName(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	URL        string
	ClientName string

	// StreamName is the JetStream stream holding every topic as a subject
	// below it. Defaults to DefaultStreamName.
	StreamName string

	// AckWait is the duration the server waits for an ack before redelivery.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// MaxAge bounds how long the stream retains messages. Zero keeps them
	// until limits are reached.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport implements Publisher and Subscriber for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]*nats.Subscription
	subMu         sync.Mutex

	closeOnce  sync.Once
	closedChan chan struct{}
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	options := []nats.Option{nats.MaxReconnects(-1)}
	if cfg.ClientName != "" {
		options = append(options, nats.Name(cfg.ClientName))
	}

	nc, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{
		nc:            nc,
		js:            js,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]*nats.Subscription),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		MaxAge:    t.config.MaxAge,
		Replicas:  t.config.Replicas,
		Retention: nats.LimitsPolicy,
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("ensure stream %s: %w", t.config.StreamName, err)
		}
	}
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closedChan:
		return true
	default:
		return false
	}
}

// Publish publishes messages to the topic's subject. The message UUID is used
// as the JetStream message id, so duplicate publishes are dropped server side.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}

	subject := t.topicToSubject(topic)
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(subject, msg)); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe creates or updates a durable pull consumer for topic and streams
// its messages. The next batch is fetched only after the previous message is
// acked or nacked.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}

	subject := t.topicToSubject(topic)
	consumerName := t.topicToConsumer(topic)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", consumerName, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumerName)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	t.subMu.Lock()
	t.subscriptions[topic] = sub
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, sub, output, topic)

	return output, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if t.isClosed() || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			msg := toMessage(natsMsg)
			msg.SetContext(ctx)

			select {
			case output <- msg:
			case <-ctx.Done():
				return
			}

			select {
			case <-msg.Acked():
				if err := natsMsg.Ack(); err != nil {
					t.logger.Error("Failed to ack", err, watermill.LogFields{"topic": topic})
				}
			case <-msg.Nacked():
				if err := natsMsg.Nak(); err != nil {
					t.logger.Error("Failed to nak", err, watermill.LogFields{"topic": topic})
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(nats.MsgIdHdr, msg.UUID)

	return &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  headers,
	}
}

// toMessage converts a JetStream message, stamping partition 0 and the stream
// sequence as the offset.
func toMessage(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewUUID()
	}

	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if len(v) > 0 && k != nats.MsgIdHdr {
			msg.Metadata.Set(k, v[0])
		}
	}

	if meta, err := natsMsg.Metadata(); err == nil {
		msg.Metadata.Set(metadata.KeyPartition, "0")
		msg.Metadata.Set(metadata.KeyOffset, strconv.FormatUint(meta.Sequence.Stream, 10))
	}
	return msg
}

func (t *Transport) topicToSubject(topic string) string {
	return t.config.StreamName + "." + topic
}

func (t *Transport) topicToConsumer(topic string) string {
	return "replyflow_" + topic
}

// Close unsubscribes every consumer and closes the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closedChan)

		t.subMu.Lock()
		for topic, sub := range t.subscriptions {
			if err := sub.Unsubscribe(); err != nil {
				t.logger.Error("Failed to unsubscribe", err, watermill.LogFields{"topic": topic})
			}
		}
		clear(t.subscriptions)
		t.subMu.Unlock()

		t.nc.Close()
	})
	return nil
}
