package room

import (
	"errors"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/DoyleJ11/trip-presence/internal/editlock"
	"github.com/DoyleJ11/trip-presence/internal/heartbeat"
	"github.com/DoyleJ11/trip-presence/internal/presence"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

// State is the server-side view of one scope. It applies relayed messages
// with the same merge rules the clients use, so its snapshots match what a
// fully caught-up client would hold.
//
// State is not safe for concurrent use.
type State struct {
	scope   string
	clk     clockwork.Clock
	staleMs int64
	store   *presence.Store
	locks   *editlock.Manager
	log     *zap.Logger
}

func NewState(scope string, clk clockwork.Clock, t heartbeat.Timings, log *zap.Logger) *State {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &State{
		scope:   scope,
		clk:     clk,
		staleMs: t.StaleThreshold.Milliseconds(),
		store:   presence.NewStore(),
		locks:   editlock.NewManager(t.LeaseDuration),
		log:     log,
	}
	s.locks.OnChange(s.store.MirrorLock)
	return s
}

func (s *State) now() int64 { return heartbeat.Millis(s.clk.Now()) }

// Apply folds one relayed message into the state. Snapshot traffic and
// errors are ignored.
func (s *State) Apply(msg types.Message) {
	switch msg.Type {
	case types.TypeJoin:
		s.discardStale(s.store.ApplyJoin(msg.PresenceAt(s.now())), msg)
		s.remirror(msg.ParticipantID)
	case types.TypeUpdate:
		s.discardStale(s.store.ApplyUpdate(msg.PresenceAt(s.now())), msg)
		s.remirror(msg.ParticipantID)
	case types.TypeLeave:
		s.store.ApplyLeave(msg.ParticipantID)
		s.locks.ReleaseAll(msg.ParticipantID)
	case types.TypeLockAcquired:
		s.locks.ApplyAcquired(msg.Lock(), s.now())
	case types.TypeLockReleased:
		s.locks.ApplyReleased(msg.ItemID, msg.HolderID)
	}
}

func (s *State) discardStale(err error, msg types.Message) {
	if errors.Is(err, presence.ErrStaleWrite) {
		s.log.Debug("stale presence write discarded",
			zap.String("scope", s.scope),
			zap.String("participant", msg.ParticipantID),
			zap.String("type", string(msg.Type)))
	}
}

// remirror covers a lock-acquired that arrived before the holder's join.
func (s *State) remirror(participantID string) {
	if l, ok := s.locks.HeldBy(participantID, s.now()); ok {
		s.store.SetEditing(participantID, l.ItemID)
	}
}

// Snapshot returns the current participants and live locks.
func (s *State) Snapshot() types.Snapshot {
	return types.Snapshot{
		Participants: s.store.Snapshot(),
		Locks:        s.locks.Snapshot(s.now()),
	}
}

// Forget drops a participant whose connection is gone and returns the
// messages peers need to see to converge: the released locks and a leave.
func (s *State) Forget(participantID string) []types.Message {
	var out []types.Message
	for _, l := range s.locks.ReleaseAll(participantID) {
		out = append(out, types.LockReleasedMessage(s.scope, l.ItemID, l.HolderID))
	}
	if s.store.ApplyLeave(participantID) {
		out = append(out, types.LeaveMessage(s.scope, participantID))
	}
	return out
}

// Sweep removes stale participants with their locks, and expired locks.
// Peers run the same sweep on their own clocks, so nothing is broadcast.
func (s *State) Sweep() (removed []string, expired []types.EditLock) {
	now := s.now()
	removed = s.store.SweepStale(now, s.staleMs)
	for _, id := range removed {
		s.locks.ReleaseAll(id)
	}
	return removed, s.locks.Sweep(now)
}

func (s *State) Participants() int { return s.store.Len() }

func (s *State) Locks() int { return s.locks.Len() }
