// Package sink defines where completed responses go: a keyed store the
// requester can poll and a notification the requester can subscribe to.
package sink

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by readers when no response is stored at an
// address, either because it was never written or because it expired.
var ErrNotFound = errors.New("replyflow: response not found")

// Store persists a response under its address for ttl.
type Store interface {
	Store(ctx context.Context, address string, payload []byte, ttl time.Duration) error
}

// Notifier announces a response on its address.
type Notifier interface {
	Notify(ctx context.Context, address string, payload []byte) error
}

// Sink is the write side used by the response publisher.
type Sink interface {
	Store
	Notifier
}

// Reader is the requester side. Await blocks until a response for address is
// available or ctx ends.
type Reader interface {
	Fetch(ctx context.Context, address string) ([]byte, error)
	Await(ctx context.Context, address string) ([]byte, error)
}

type composite struct {
	store    Store
	notifier Notifier
}

// Compose joins a store and a notifier that live on different backends.
func Compose(store Store, notifier Notifier) Sink {
	return composite{store: store, notifier: notifier}
}

func (c composite) Store(ctx context.Context, address string, payload []byte, ttl time.Duration) error {
	return c.store.Store(ctx, address, payload, ttl)
}

func (c composite) Notify(ctx context.Context, address string, payload []byte) error {
	return c.notifier.Notify(ctx, address, payload)
}
