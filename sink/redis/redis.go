// Package redis stores responses as expiring Redis keys and announces them
// on a Redis pub/sub channel of the same name.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/drblury/replyflow/sink"
)

// Sink implements sink.Sink and sink.Reader. The caller owns the client and
// closes it.
type Sink struct {
	client goredis.UniversalClient
}

var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Reader = (*Sink)(nil)
)

// New wraps an existing client.
func New(client goredis.UniversalClient) *Sink {
	return &Sink{client: client}
}

// NewFromAddrs opens a client for addrs. A single address gives a plain
// client, several give a cluster or failover client.
func NewFromAddrs(addrs []string, username, password string, db int) *Sink {
	return New(goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    addrs,
		Username: username,
		Password: password,
		DB:       db,
	}))
}

// Client exposes the underlying client so the owner can close it.
func (s *Sink) Client() goredis.UniversalClient {
	return s.client
}

// Store runs SET address payload EX ttl.
func (s *Sink) Store(ctx context.Context, address string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, address, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", address, err)
	}
	return nil
}

// Notify runs PUBLISH address payload.
func (s *Sink) Notify(ctx context.Context, address string, payload []byte) error {
	if err := s.client.Publish(ctx, address, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", address, err)
	}
	return nil
}

// Fetch returns the stored response or sink.ErrNotFound.
func (s *Sink) Fetch(ctx context.Context, address string) ([]byte, error) {
	payload, err := s.client.Get(ctx, address).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, sink.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", address, err)
	}
	return payload, nil
}

// Await subscribes before reading so a response written between the read and
// the subscription is not missed.
func (s *Sink) Await(ctx context.Context, address string) ([]byte, error) {
	pubsub := s.client.Subscribe(ctx, address)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redis subscribe %s: %w", address, err)
	}

	payload, err := s.Fetch(ctx, address)
	if err == nil {
		return payload, nil
	}
	if !errors.Is(err, sink.ErrNotFound) {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-pubsub.Channel():
		if !ok {
			return nil, fmt.Errorf("redis subscribe %s: channel closed", address)
		}
		return []byte(msg.Payload), nil
	}
}
