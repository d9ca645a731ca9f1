// Package redischan is a presence channel over Redis pub/sub. Every scope
// maps to one Redis channel; there is no server, so snapshot requests are
// answered by peers.
package redischan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/channel"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

const DefaultPrefix = "presence:"

type Option func(*Client)

// WithPrefix sets the Redis channel name prefix.
func WithPrefix(p string) Option {
	return func(c *Client) { c.prefix = p }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

type Client struct {
	rdb    redis.UniversalClient
	prefix string
	owned  bool
	log    *zap.Logger

	mu   sync.Mutex
	h    channel.Handler
	subs map[*channel.Sub]*redis.PubSub
}

var _ channel.Channel = (*Client)(nil)

// New wraps an existing Redis client. The caller keeps ownership of rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Client {
	c := &Client{
		rdb:    rdb,
		prefix: DefaultPrefix,
		log:    zap.NewNop(),
		subs:   make(map[*channel.Sub]*redis.PubSub),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("redischan")
	return c
}

// Dial connects to redisURL and checks the connection. Close releases the
// Redis client too.
func Dial(ctx context.Context, redisURL string, opts ...Option) (*Client, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis url: %v", channel.ErrUnrecoverable, err)
	}
	rdb := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	c := New(rdb, opts...)
	c.owned = true
	return c, nil
}

func (c *Client) key(scope string) string { return c.prefix + scope }

func (c *Client) OnMessage(h channel.Handler) {
	c.mu.Lock()
	c.h = h
	c.mu.Unlock()
}

func (c *Client) handler() channel.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

// Join subscribes and waits for Redis to confirm the subscription, so
// nothing published after Join returns is missed.
func (c *Client) Join(ctx context.Context, scope string) (channel.Subscription, error) {
	ps := c.rdb.Subscribe(ctx, c.key(scope))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", scope, err)
	}

	sub := channel.NewSub(scope)
	c.mu.Lock()
	c.subs[sub] = ps
	c.mu.Unlock()

	go c.read(sub, ps)
	return sub, nil
}

func (c *Client) read(sub *channel.Sub, ps *redis.PubSub) {
	log := c.log.With(zap.String("scope", sub.Scope()))
	for {
		rm, err := ps.ReceiveMessage(context.Background())
		if err != nil {
			c.drop(sub)
			_ = ps.Close()
			if sub.End(err) {
				log.Debug("redis subscription lost", zap.Error(err))
			}
			return
		}
		msg, err := types.Decode([]byte(rm.Payload))
		if err != nil {
			log.Debug("undecodable payload dropped", zap.Error(err))
			continue
		}
		if h := c.handler(); h != nil {
			h(sub.Scope(), msg)
		}
	}
}

func (c *Client) Publish(ctx context.Context, scope string, msg types.Message) error {
	msg.Scope = scope
	payload, err := types.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := c.rdb.Publish(ctx, c.key(scope), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", scope, err)
	}
	return nil
}

func (c *Client) Leave(sub channel.Subscription) error {
	s, ok := sub.(*channel.Sub)
	if !ok {
		return channel.ErrUnknownSubscription
	}
	ps := c.drop(s)
	if ps == nil {
		return channel.ErrUnknownSubscription
	}
	s.End(nil)
	return quiet(ps.Close())
}

// Close leaves every scope, and closes the Redis client when Dial created
// it.
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[*channel.Sub]*redis.PubSub)
	c.mu.Unlock()

	var errs error
	for sub, ps := range subs {
		sub.End(nil)
		errs = multierr.Append(errs, quiet(ps.Close()))
	}
	if c.owned {
		errs = multierr.Append(errs, quiet(c.rdb.Close()))
	}
	return errs
}

func (c *Client) drop(sub *channel.Sub) *redis.PubSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.subs[sub]
	if !ok {
		return nil
	}
	delete(c.subs, sub)
	return ps
}

func quiet(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
