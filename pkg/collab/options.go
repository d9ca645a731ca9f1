package collab

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/conn"
	"github.com/DoyleJ11/trip-presence/internal/heartbeat"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

type options struct {
	clk            clockwork.Clock
	log            *zap.Logger
	timings        heartbeat.Timings
	queueSize      int
	maxAttempts    int
	serveSnapshots bool
	status         types.Status
	pagePath       string
	jitter         func() float64
}

func defaultOptions() options {
	return options{
		clk:       clockwork.NewRealClock(),
		log:       zap.NewNop(),
		timings:   heartbeat.DefaultTimings(),
		queueSize: conn.DefaultQueueSize,
		status:    types.StatusOnline,
	}
}

type Option func(*options)

func WithClock(clk clockwork.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clk = clk
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithTimings replaces every tunable interval. New rejects timings that
// fail heartbeat.Timings.Validate.
func WithTimings(t heartbeat.Timings) Option {
	return func(o *options) { o.timings = t }
}

// WithQueueSize bounds the mutations held back while offline.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithMaxAttempts gives up after n consecutive connection failures. Zero
// retries forever.
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithServeSnapshots makes the session answer other participants'
// snapshot requests from its own state. Use it on transports without a
// relay server, such as Redis.
func WithServeSnapshots() Option {
	return func(o *options) { o.serveSnapshots = true }
}

func WithInitialStatus(s types.Status) Option {
	return func(o *options) { o.status = s }
}

func WithPagePath(p string) Option {
	return func(o *options) { o.pagePath = p }
}

// WithJitter replaces the random source of the reconnect backoff. fn must
// return values in [0, 1); 0.5 disables jitter.
func WithJitter(fn func() float64) Option {
	return func(o *options) { o.jitter = fn }
}
