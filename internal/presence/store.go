// Package presence keeps the per-scope participant table rebuilt from
// channel events.
//
// A Store is owned by a single event loop and is not safe for concurrent
// use.
package presence

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"github.com/DoyleJ11/trip-presence/pkg/types"
)

// DefaultStaleThreshold is roughly three heartbeat intervals.
const DefaultStaleThreshold = 24 * time.Second

// ErrStaleWrite is returned for duplicate or out-of-order updates. Callers
// drop them silently.
var ErrStaleWrite = errors.New("stale presence write discarded")

type Store struct {
	entries map[string]*types.ParticipantPresence
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*types.ParticipantPresence)}
}

// ApplyJoin upserts a participant. A join older than what is already stored
// is discarded like any other stale write.
func (s *Store) ApplyJoin(rec types.ParticipantPresence) error {
	cur, ok := s.entries[rec.ParticipantID]
	if ok && rec.LastActiveAtMs < cur.LastActiveAtMs {
		return ErrStaleWrite
	}
	next := rec.Clone()
	if next.Status == "" {
		next.Status = types.StatusOnline
	}
	if ok {
		// the lock table owns EditingItemID
		next.EditingItemID = cur.EditingItemID
	} else {
		next.EditingItemID = ""
	}
	s.entries[rec.ParticipantID] = &next
	return nil
}

// ApplyUpdate merges the non-zero fields of rec into the stored entry.
// Updates are ordered per participant by LastActiveAtMs; anything older than
// the stored value is discarded. An update for an unknown participant
// creates the entry, covering a join that was lost or is still in flight.
func (s *Store) ApplyUpdate(rec types.ParticipantPresence) error {
	cur, ok := s.entries[rec.ParticipantID]
	if !ok {
		return s.ApplyJoin(rec)
	}
	if rec.LastActiveAtMs < cur.LastActiveAtMs {
		return ErrStaleWrite
	}
	if rec.Status != "" {
		cur.Status = rec.Status
	}
	if rec.Cursor != nil {
		c := *rec.Cursor
		cur.Cursor = &c
	}
	if rec.PagePath != "" {
		cur.PagePath = rec.PagePath
	}
	cur.LastActiveAtMs = rec.LastActiveAtMs
	return nil
}

// ApplyLeave removes the participant and reports whether it was present.
func (s *Store) ApplyLeave(participantID string) bool {
	if _, ok := s.entries[participantID]; !ok {
		return false
	}
	delete(s.entries, participantID)
	return true
}

// SweepStale removes every participant whose last heartbeat is older than
// thresholdMs and returns their ids in sorted order. Ids listed in keep are
// never removed.
func (s *Store) SweepStale(nowMs, thresholdMs int64, keep ...string) []string {
	var removed []string
	for id, e := range s.entries {
		if nowMs-e.LastActiveAtMs <= thresholdMs || slices.Contains(keep, id) {
			continue
		}
		removed = append(removed, id)
	}
	slices.Sort(removed)
	for _, id := range removed {
		delete(s.entries, id)
	}
	return removed
}

// MarkPending flags participants silent for longer than afterMs as
// disconnected-pending. Their next update restores a real status.
func (s *Store) MarkPending(nowMs, afterMs int64, keep ...string) []string {
	var marked []string
	for id, e := range s.entries {
		if e.Status == types.StatusPending || slices.Contains(keep, id) {
			continue
		}
		if nowMs-e.LastActiveAtMs > afterMs {
			e.Status = types.StatusPending
			marked = append(marked, id)
		}
	}
	slices.Sort(marked)
	return marked
}

// SetEditing mirrors the lock table's view of which item a participant
// holds. Unknown participants are ignored.
func (s *Store) SetEditing(participantID, itemID string) bool {
	e, ok := s.entries[participantID]
	if !ok || e.EditingItemID == itemID {
		return false
	}
	e.EditingItemID = itemID
	return true
}

func (s *Store) Get(participantID string) (types.ParticipantPresence, bool) {
	e, ok := s.entries[participantID]
	if !ok {
		return types.ParticipantPresence{}, false
	}
	return e.Clone(), true
}

// Snapshot returns a copy of all entries ordered by participant id. The
// result never aliases the store's internal state.
func (s *Store) Snapshot() []types.ParticipantPresence {
	out := make([]types.ParticipantPresence, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b types.ParticipantPresence) int {
		return cmp.Compare(a.ParticipantID, b.ParticipantID)
	})
	return out
}

// Replace discards the current table and loads recs wholesale.
func (s *Store) Replace(recs []types.ParticipantPresence) {
	s.entries = make(map[string]*types.ParticipantPresence, len(recs))
	for _, r := range recs {
		c := r.Clone()
		if c.Status == "" {
			c.Status = types.StatusOnline
		}
		s.entries[r.ParticipantID] = &c
	}
}

func (s *Store) Len() int { return len(s.entries) }
