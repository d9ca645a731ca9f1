// Package wschan is a presence channel backed by the relay server's
// websocket endpoint. Each joined scope holds one websocket.
package wschan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/channel"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

const readLimit = 1 << 20

var ErrNotJoined = errors.New("wschan: scope not joined")

type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithHTTPHeader adds headers to every dial, for relay authentication.
func WithHTTPHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

type Client struct {
	endpoint string
	header   http.Header
	log      *zap.Logger

	mu    sync.Mutex
	h     channel.Handler
	conns map[*channel.Sub]*websocket.Conn
}

var _ channel.Channel = (*Client)(nil)

// New returns a client for the relay websocket endpoint, such as
// ws://localhost:8080/ws.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		log:      zap.NewNop(),
		conns:    make(map[*channel.Sub]*websocket.Conn),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("wschan")
	return c
}

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

func (c *Client) Join(ctx context.Context, scope string) (channel.Subscription, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: relay url: %v", channel.ErrUnrecoverable, err)
	}
	q := u.Query()
	q.Set("scope", scope)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: relay refused %s: %s", channel.ErrUnrecoverable, scope, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", scope, err)
	}
	conn.SetReadLimit(readLimit)

	sub := channel.NewSub(scope)
	c.mu.Lock()
	c.conns[sub] = conn
	c.mu.Unlock()

	go c.read(sub, conn)
	return sub, nil
}

func (c *Client) read(sub *channel.Sub, conn *websocket.Conn) {
	log := c.log.With(zap.String("scope", sub.Scope()))
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.drop(sub)
			if sub.End(err) {
				log.Debug("relay connection lost", zap.Error(err))
			}
			return
		}
		msg, err := types.Decode(data)
		if err != nil {
			log.Debug("undecodable frame dropped", zap.Error(err))
			continue
		}
		if msg.Type == types.TypeError {
			log.Warn("relay rejected a frame", zap.String("reason", msg.Error))
			continue
		}
		if h := c.handler(); h != nil {
			h(sub.Scope(), msg)
		}
	}
}

func (c *Client) Publish(ctx context.Context, scope string, msg types.Message) error {
	conn := c.conn(scope)
	if conn == nil {
		return fmt.Errorf("publish %s: %w", scope, ErrNotJoined)
	}
	msg.Scope = scope
	payload, err := types.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("publish %s: %w", scope, err)
	}
	return nil
}

func (c *Client) Leave(sub channel.Subscription) error {
	s, ok := sub.(*channel.Sub)
	if !ok {
		return channel.ErrUnknownSubscription
	}
	conn := c.drop(s)
	if conn == nil {
		return channel.ErrUnknownSubscription
	}
	s.End(nil)
	return closeConn(conn)
}

// Close leaves every joined scope.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[*channel.Sub]*websocket.Conn)
	c.mu.Unlock()

	var errs error
	for sub, conn := range conns {
		sub.End(nil)
		errs = multierr.Append(errs, closeConn(conn))
	}
	return errs
}

func (c *Client) conn(scope string) *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub, conn := range c.conns {
		if sub.Scope() == scope && !sub.Ended() {
			return conn
		}
	}
	return nil
}

func (c *Client) drop(sub *channel.Sub) *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[sub]
	if !ok {
		return nil
	}
	delete(c.conns, sub)
	return conn
}

func closeConn(conn *websocket.Conn) error {
	err := conn.Close(websocket.StatusNormalClosure, "leave")
	var ce websocket.CloseError
	if err == nil || errors.As(err, &ce) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
