package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidStatus = errors.New("invalid status")
)

type MessageType string

// Wire types. join/update/leave are the participant-joined,
// participant-updated and participant-left events.
const (
	TypeJoin             MessageType = "join"
	TypeUpdate           MessageType = "update"
	TypeLeave            MessageType = "leave"
	TypeLockAcquired     MessageType = "lock-acquired"
	TypeLockReleased     MessageType = "lock-released"
	TypeSnapshotRequest  MessageType = "snapshot-request"
	TypeSnapshotResponse MessageType = "snapshot-response"
	// TypeError is only sent by the relay server to a single client.
	TypeError MessageType = "error"
)

// Message is the single envelope for every frame on a presence channel.
type Message struct {
	Type  MessageType `json:"type"`
	Scope string      `json:"scope,omitempty"`

	// join / update / leave
	ParticipantID  string  `json:"participantId,omitempty"`
	Status         Status  `json:"status,omitempty"`
	EditingItemID  string  `json:"editingItemId,omitempty"`
	Cursor         *Cursor `json:"cursor,omitempty"`
	PagePath       string  `json:"pagePath,omitempty"`
	LastActiveAtMs int64   `json:"lastActiveAtMs,omitempty"`

	// lock-acquired / lock-released
	ItemID       string `json:"itemId,omitempty"`
	HolderID     string `json:"holderId,omitempty"`
	AcquiredAtMs int64  `json:"acquiredAtMs,omitempty"`
	ExpiresAtMs  int64  `json:"expiresAtMs,omitempty"`

	// snapshot-request / snapshot-response
	RequestID    string                `json:"requestId,omitempty"`
	Participants []ParticipantPresence `json:"participants,omitempty"`
	Locks        []EditLock            `json:"locks,omitempty"`

	Error string `json:"error,omitempty"`
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeJoin, TypeUpdate:
		if m.ParticipantID == "" {
			return fmt.Errorf("%w: %s needs participantId", ErrMissingField, m.Type)
		}
		if m.Status != "" && !m.Status.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidStatus, m.Status)
		}
	case TypeLeave:
		if m.ParticipantID == "" {
			return fmt.Errorf("%w: leave needs participantId", ErrMissingField)
		}
	case TypeLockAcquired:
		if m.ItemID == "" || m.HolderID == "" {
			return fmt.Errorf("%w: lock-acquired needs itemId and holderId", ErrMissingField)
		}
		if m.ExpiresAtMs < m.AcquiredAtMs {
			return fmt.Errorf("%w: lock-acquired expires before acquired", ErrMissingField)
		}
	case TypeLockReleased:
		if m.ItemID == "" || m.HolderID == "" {
			return fmt.Errorf("%w: lock-released needs itemId and holderId", ErrMissingField)
		}
	case TypeSnapshotRequest, TypeError:
	case TypeSnapshotResponse:
		return m.Snapshot().Validate()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// Presence extracts the participant record carried by a join or update.
func (m Message) Presence() ParticipantPresence {
	p := ParticipantPresence{
		ParticipantID:  m.ParticipantID,
		Status:         m.Status,
		EditingItemID:  m.EditingItemID,
		PagePath:       m.PagePath,
		LastActiveAtMs: m.LastActiveAtMs,
	}
	if m.Cursor != nil {
		c := *m.Cursor
		p.Cursor = &c
	}
	return p
}

// PresenceAt is Presence with LastActiveAtMs defaulting to nowMs, the
// receive time, when the sender left it out.
func (m Message) PresenceAt(nowMs int64) ParticipantPresence {
	p := m.Presence()
	if p.LastActiveAtMs == 0 {
		p.LastActiveAtMs = nowMs
	}
	return p
}

func (m Message) Lock() EditLock {
	return EditLock{
		ItemID:       m.ItemID,
		HolderID:     m.HolderID,
		AcquiredAtMs: m.AcquiredAtMs,
		ExpiresAtMs:  m.ExpiresAtMs,
	}
}

func (m Message) Snapshot() Snapshot {
	return Snapshot{Participants: m.Participants, Locks: m.Locks}
}

func JoinMessage(scope string, p ParticipantPresence) Message {
	return Message{
		Type:           TypeJoin,
		Scope:          scope,
		ParticipantID:  p.ParticipantID,
		Status:         p.Status,
		PagePath:       p.PagePath,
		LastActiveAtMs: p.LastActiveAtMs,
	}
}

func UpdateMessage(scope string, p ParticipantPresence) Message {
	m := Message{
		Type:           TypeUpdate,
		Scope:          scope,
		ParticipantID:  p.ParticipantID,
		Status:         p.Status,
		EditingItemID:  p.EditingItemID,
		PagePath:       p.PagePath,
		LastActiveAtMs: p.LastActiveAtMs,
	}
	if p.Cursor != nil {
		c := *p.Cursor
		m.Cursor = &c
	}
	return m
}

func LeaveMessage(scope, participantID string) Message {
	return Message{Type: TypeLeave, Scope: scope, ParticipantID: participantID}
}

func LockAcquiredMessage(scope string, l EditLock) Message {
	return Message{
		Type:         TypeLockAcquired,
		Scope:        scope,
		ItemID:       l.ItemID,
		HolderID:     l.HolderID,
		AcquiredAtMs: l.AcquiredAtMs,
		ExpiresAtMs:  l.ExpiresAtMs,
	}
}

func LockReleasedMessage(scope, itemID, holderID string) Message {
	return Message{Type: TypeLockReleased, Scope: scope, ItemID: itemID, HolderID: holderID}
}

func SnapshotRequestMessage(scope, requestID string) Message {
	return Message{Type: TypeSnapshotRequest, Scope: scope, RequestID: requestID}
}

func SnapshotResponseMessage(scope, requestID string, snap Snapshot) Message {
	return Message{
		Type:         TypeSnapshotResponse,
		Scope:        scope,
		RequestID:    requestID,
		Participants: snap.Participants,
		Locks:        snap.Locks,
	}
}

func ErrorMessage(reason string) Message {
	return Message{Type: TypeError, Error: reason}
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a wire frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
