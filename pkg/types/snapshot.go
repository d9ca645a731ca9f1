package types

import (
	"errors"
	"fmt"
)

var ErrMalformedSnapshot = errors.New("malformed snapshot")

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusEditing Status = "editing"
	// StatusPending marks a participant whose heartbeats have gone quiet but
	// who has not yet crossed the stale threshold.
	StatusPending Status = "disconnected-pending"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusEditing, StatusPending:
		return true
	}
	return false
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

type Cursor struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	CapturedAtMs int64   `json:"capturedAtMs"`
}

// ParticipantPresence is one connected participant in a scope.
// EditingItemID is display-only; the lock table is authoritative.
type ParticipantPresence struct {
	ParticipantID  string  `json:"participantId"`
	Status         Status  `json:"status"`
	EditingItemID  string  `json:"editingItemId,omitempty"`
	Cursor         *Cursor `json:"cursor,omitempty"`
	PagePath       string  `json:"pagePath,omitempty"`
	LastActiveAtMs int64   `json:"lastActiveAtMs"`
}

// Clone returns a copy that shares no pointers with p.
func (p ParticipantPresence) Clone() ParticipantPresence {
	if p.Cursor != nil {
		c := *p.Cursor
		p.Cursor = &c
	}
	return p
}

type EditLock struct {
	ItemID       string `json:"itemId"`
	HolderID     string `json:"holderId"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
	ExpiresAtMs  int64  `json:"expiresAtMs"`
}

// Live reports whether the lease still covers nowMs. A lock is expired
// only once expiresAtMs < nowMs.
func (l EditLock) Live(nowMs int64) bool {
	return l.ExpiresAtMs >= nowMs
}

// Snapshot is a full point-in-time dump of one scope.
type Snapshot struct {
	Participants []ParticipantPresence `json:"participants"`
	Locks        []EditLock            `json:"locks"`
}

func (s Snapshot) Validate() error {
	seen := make(map[string]bool, len(s.Participants))
	for i, p := range s.Participants {
		if p.ParticipantID == "" {
			return fmt.Errorf("%w: participant %d has no id", ErrMalformedSnapshot, i)
		}
		if seen[p.ParticipantID] {
			return fmt.Errorf("%w: duplicate participant %q", ErrMalformedSnapshot, p.ParticipantID)
		}
		seen[p.ParticipantID] = true
		if p.Status != "" && !p.Status.Valid() {
			return fmt.Errorf("%w: participant %q has status %q", ErrMalformedSnapshot, p.ParticipantID, p.Status)
		}
	}
	items := make(map[string]bool, len(s.Locks))
	for i, l := range s.Locks {
		if l.ItemID == "" || l.HolderID == "" {
			return fmt.Errorf("%w: lock %d is missing item or holder", ErrMalformedSnapshot, i)
		}
		if l.ExpiresAtMs < l.AcquiredAtMs {
			return fmt.Errorf("%w: lock on %q expires before it was acquired", ErrMalformedSnapshot, l.ItemID)
		}
		if items[l.ItemID] {
			return fmt.Errorf("%w: item %q locked twice", ErrMalformedSnapshot, l.ItemID)
		}
		items[l.ItemID] = true
	}
	return nil
}
