// Package channel defines the broadcast transport a presence session runs
// on. A channel delivers every published message to every subscriber of the
// same scope, including the publisher itself, at least once and without
// ordering guarantees across senders.
package channel

import (
	"context"
	"errors"

	"github.com/DoyleJ11/trip-presence/pkg/types"
)

var (
	ErrClosed              = errors.New("channel closed")
	ErrUnknownSubscription = errors.New("unknown subscription")
	// ErrUnrecoverable marks a Join failure that retrying will not fix, such
	// as an invalid scope or a rejected credential.
	ErrUnrecoverable = errors.New("unrecoverable channel failure")
)

// Handler receives every message delivered on any scope joined through the
// channel. Handlers must not block.
type Handler func(scope string, msg types.Message)

// Subscription is a live membership in one scope. Done is closed when the
// subscription ends for any reason; Err then reports why, or nil after
// Leave.
type Subscription interface {
	Scope() string
	Done() <-chan struct{}
	Err() error
}

type Channel interface {
	// Join subscribes to scope and returns once delivery is established.
	Join(ctx context.Context, scope string) (Subscription, error)
	Publish(ctx context.Context, scope string, msg types.Message) error
	OnMessage(h Handler)
	Leave(sub Subscription) error
}

// Closer is implemented by transports that own a network resource.
type Closer interface {
	Close() error
}
