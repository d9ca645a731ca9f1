package collab

import (
	"errors"
	"fmt"

	"github.com/DoyleJ11/trip-presence/internal/conn"
	"github.com/DoyleJ11/trip-presence/internal/recovery"
)

var (
	ErrClosed        = errors.New("session closed")
	ErrStarted       = errors.New("session already started")
	ErrInvalidItem   = errors.New("item id must not be empty")
	ErrInvalidStatus = errors.New("invalid status")

	// ErrNotStarted is returned while the session is disconnected: before
	// Start, or after the connection failed for good.
	ErrNotStarted = errors.New("session not started")

	// ErrOperationDropped is returned to a StartEditing call that was queued
	// while offline and later evicted by newer operations.
	ErrOperationDropped = errors.New("queued operation dropped")
)

// LockContentionError is the error form of a denied StartEditing. It is a
// normal outcome, not a failure.
type LockContentionError struct {
	ItemID string
	Holder string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("%s is being edited by %s", e.ItemID, e.Holder)
}

type (
	// ConnectionError is reported through warning events; it never
	// surfaces as a returned error.
	ConnectionError = conn.ConnectionError
	// SnapshotTimeoutError is reported through warning events when a
	// recovery falls back to possibly-stale local state.
	SnapshotTimeoutError = recovery.SnapshotTimeoutError
)
