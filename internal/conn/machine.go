// Package conn tracks the health of one scope subscription: the
// connection state machine, its reconnect backoff and the queue of
// mutations held back while the channel is down.
package conn

import (
	"errors"
	"fmt"
	"time"

	"github.com/DoyleJ11/trip-presence/internal/channel"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

var ErrInvalidTransition = errors.New("invalid connection state transition")

// ConnectionError describes one failed attempt to open or keep a
// subscription. It is logged and drives backoff; callers never see it as a
// returned error.
type ConnectionError struct {
	Scope   string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed (attempt %d): %v", e.Scope, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Machine is the per-scope connection lifecycle:
//
//	disconnected → connecting → connected ⇄ reconnecting
//
// with every state able to fall back to disconnected on an explicit stop or
// an unrecoverable failure. Machine is not safe for concurrent use.
type Machine struct {
	state       types.ConnectionState
	attempt     int
	backoff     *Backoff
	maxAttempts int
}

// NewMachine returns a machine in the disconnected state. maxAttempts caps
// consecutive failures before giving up; zero retries forever.
func NewMachine(b *Backoff, maxAttempts int) *Machine {
	if b == nil {
		b = NewBackoff(DefaultBackoffBase, DefaultBackoffCap)
	}
	return &Machine{state: types.StateDisconnected, backoff: b, maxAttempts: maxAttempts}
}

func (m *Machine) State() types.ConnectionState { return m.state }

// Attempt is the number of consecutive failures since the last Ready.
func (m *Machine) Attempt() int { return m.attempt }

func (m *Machine) Connect() error {
	if m.state != types.StateDisconnected {
		return fmt.Errorf("%w: connect from %s", ErrInvalidTransition, m.state)
	}
	m.state = types.StateConnecting
	return nil
}

// Ready records that the subscription is up and returns the state it left.
func (m *Machine) Ready() (types.ConnectionState, error) {
	prev := m.state
	if prev != types.StateConnecting && prev != types.StateReconnecting {
		return prev, fmt.Errorf("%w: ready from %s", ErrInvalidTransition, prev)
	}
	m.state = types.StateConnected
	m.attempt = 0
	return prev, nil
}

// Fail records a failed dial or a lost subscription. When retry is true the
// machine is reconnecting and the next dial should happen after delay.
// Otherwise the failure was unrecoverable and the machine is disconnected.
func (m *Machine) Fail(err error) (delay time.Duration, retry bool) {
	if m.state == types.StateDisconnected {
		return 0, false
	}
	m.attempt++
	if errors.Is(err, channel.ErrUnrecoverable) || (m.maxAttempts > 0 && m.attempt > m.maxAttempts) {
		m.Disconnect()
		return 0, false
	}
	m.state = types.StateReconnecting
	return m.backoff.Delay(m.attempt - 1), true
}

// Disconnect is legal from every state.
func (m *Machine) Disconnect() {
	m.state = types.StateDisconnected
	m.attempt = 0
}

// Queueing reports whether mutations must be held back instead of sent.
func (m *Machine) Queueing() bool {
	return m.state == types.StateConnecting || m.state == types.StateReconnecting
}
