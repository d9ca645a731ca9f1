// Package heartbeat provides the periodic liveness tick and the tunable
// timing constants shared by the presence subsystem.
package heartbeat

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrTimings = errors.New("invalid timings")

// Timings are the only tunable constants of a session. They must satisfy
// HeartbeatInterval < StaleThreshold < LeaseDuration.
type Timings struct {
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	PendingAfter      time.Duration
	LeaseDuration     time.Duration
	SnapshotTimeout   time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	ClaimSettle       time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		HeartbeatInterval: 8 * time.Second,
		StaleThreshold:    24 * time.Second,
		PendingAfter:      16 * time.Second,
		LeaseDuration:     30 * time.Second,
		SnapshotTimeout:   5 * time.Second,
		BackoffBase:       500 * time.Millisecond,
		BackoffCap:        10 * time.Second,
		ClaimSettle:       150 * time.Millisecond,
	}
}

func (t Timings) Validate() error {
	switch {
	case t.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat interval must be > 0", ErrTimings)
	case t.StaleThreshold <= t.HeartbeatInterval:
		return fmt.Errorf("%w: stale threshold %s must exceed heartbeat interval %s",
			ErrTimings, t.StaleThreshold, t.HeartbeatInterval)
	case t.LeaseDuration <= t.StaleThreshold:
		return fmt.Errorf("%w: lease duration %s must exceed stale threshold %s",
			ErrTimings, t.LeaseDuration, t.StaleThreshold)
	case t.PendingAfter < 0 || t.PendingAfter >= t.StaleThreshold:
		return fmt.Errorf("%w: pending-after %s must be in [0, stale threshold)", ErrTimings, t.PendingAfter)
	case t.SnapshotTimeout <= 0:
		return fmt.Errorf("%w: snapshot timeout must be > 0", ErrTimings)
	case t.BackoffBase <= 0 || t.BackoffCap < t.BackoffBase:
		return fmt.Errorf("%w: backoff base %s / cap %s", ErrTimings, t.BackoffBase, t.BackoffCap)
	case t.ClaimSettle < 0:
		return fmt.Errorf("%w: claim settle must be >= 0", ErrTimings)
	}
	return nil
}

// Source emits a tick every interval while running. It is driven by a
// clockwork.Clock so tests can advance time by hand.
type Source struct {
	clk      clockwork.Clock
	interval time.Duration
	ticker   clockwork.Ticker
}

func New(clk clockwork.Clock, interval time.Duration) *Source {
	return &Source{clk: clk, interval: interval}
}

// Start arms the ticker. Calling Start on a running source is a no-op.
func (s *Source) Start() {
	if s.ticker != nil {
		return
	}
	s.ticker = s.clk.NewTicker(s.interval)
}

// C returns the tick channel, or nil when stopped so that a select on it
// never fires.
func (s *Source) C() <-chan time.Time {
	if s.ticker == nil {
		return nil
	}
	return s.ticker.Chan()
}

func (s *Source) Stop() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
}

func (s *Source) Running() bool { return s.ticker != nil }

func (s *Source) Interval() time.Duration { return s.interval }

// Millis converts a clock reading to the wire's millisecond timestamps.
func Millis(t time.Time) int64 { return t.UnixMilli() }
