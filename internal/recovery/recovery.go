// Package recovery resynchronizes a session with the scope after it
// (re)connects: request a snapshot, replace local state with it, or fall
// back to possibly-stale local state when no snapshot arrives in time.
package recovery

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/DoyleJ11/trip-presence/internal/editlock"
	"github.com/DoyleJ11/trip-presence/internal/presence"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

// SnapshotTimeoutError reports a snapshot request nobody answered. The
// session keeps running on its local state.
type SnapshotTimeoutError struct {
	Scope     string
	RequestID string
	After     time.Duration
}

func (e *SnapshotTimeoutError) Error() string {
	return fmt.Sprintf("no snapshot for %s within %s (request %s)", e.Scope, e.After, e.RequestID)
}

// Coordinator tracks the one outstanding snapshot request of a session.
// It is not safe for concurrent use.
type Coordinator struct {
	scope   string
	timeout time.Duration
	pending string
	stale   bool
}

func New(scope string, timeout time.Duration) *Coordinator {
	return &Coordinator{scope: scope, timeout: timeout}
}

// Begin starts a new request, superseding any outstanding one, and returns
// the message to publish.
func (c *Coordinator) Begin() types.Message {
	c.pending = ulid.Make().String()
	return types.SnapshotRequestMessage(c.scope, c.pending)
}

// Pending returns the outstanding request id.
func (c *Coordinator) Pending() (string, bool) {
	return c.pending, c.pending != ""
}

// Accept checks whether msg answers the outstanding request. ok is false
// for responses to other peers' requests. A matching but malformed payload
// ends the request with an error wrapping types.ErrMalformedSnapshot.
func (c *Coordinator) Accept(msg types.Message) (snap types.Snapshot, ok bool, err error) {
	if msg.Type != types.TypeSnapshotResponse || c.pending == "" || msg.RequestID != c.pending {
		return types.Snapshot{}, false, nil
	}
	c.pending = ""
	snap = msg.Snapshot()
	if err := snap.Validate(); err != nil {
		c.stale = true
		return types.Snapshot{}, true, err
	}
	c.stale = false
	return snap, true, nil
}

// Expire is called when the timeout armed for requestID fires. It returns
// nil when that request was already answered or superseded.
func (c *Coordinator) Expire(requestID string) *SnapshotTimeoutError {
	if c.pending == "" || c.pending != requestID {
		return nil
	}
	c.pending = ""
	c.stale = true
	return &SnapshotTimeoutError{Scope: c.scope, RequestID: requestID, After: c.timeout}
}

// Cancel forgets the outstanding request, on disconnect.
func (c *Coordinator) Cancel() { c.pending = "" }

// PossiblyStale reports whether the last recovery failed, so local state
// may have drifted from the scope.
func (c *Coordinator) PossiblyStale() bool { return c.stale }

func (c *Coordinator) Timeout() time.Duration { return c.timeout }

// Apply replaces both tables wholesale with snap and rebuilds the
// editingItemId mirror from the lock table.
func Apply(snap types.Snapshot, store *presence.Store, locks *editlock.Manager, nowMs int64) {
	store.Replace(snap.Participants)
	locks.Replace(snap.Locks)
	store.SyncEditing(locks.Snapshot(nowMs))
}
