package presence

import (
	"github.com/DoyleJ11/trip-presence/internal/editlock"
	"github.com/DoyleJ11/trip-presence/pkg/types"
)

// MirrorLock applies one lock-table transition to the editingItemId fields.
// Install it with editlock.Manager.OnChange.
func (s *Store) MirrorLock(c editlock.Change) {
	if c.Previous != "" {
		if e, ok := s.entries[c.Previous]; ok && e.EditingItemID == c.ItemID {
			e.EditingItemID = ""
		}
	}
	if c.Holder != "" {
		s.SetEditing(c.Holder, c.ItemID)
	}
}

// SyncEditing rebuilds every editingItemId from locks, after a wholesale
// Replace of either table.
func (s *Store) SyncEditing(locks []types.EditLock) {
	for _, e := range s.entries {
		e.EditingItemID = ""
	}
	for _, l := range locks {
		s.SetEditing(l.HolderID, l.ItemID)
	}
}
