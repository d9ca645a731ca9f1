package collab

import (
	"slices"

	"github.com/DoyleJ11/trip-presence/pkg/types"
)

// view is an immutable copy of the session state, swapped in by the loop
// after every turn so reads never wait on it.
type view struct {
	state        types.ConnectionState
	stale        bool
	participants []types.ParticipantPresence
	self         *types.ParticipantPresence
	locks        []types.EditLock
}

// live filters out what has expired since the view was built: locks past
// their lease, and other participants past the stale threshold.
func (v *view) live(selfID string, nowMs, staleMs int64) ([]types.ParticipantPresence, []types.EditLock) {
	locks := make([]types.EditLock, 0, len(v.locks))
	editing := make(map[string]string, len(v.locks))
	for _, l := range v.locks {
		if l.Live(nowMs) {
			locks = append(locks, l)
			editing[l.HolderID] = l.ItemID
		}
	}

	parts := make([]types.ParticipantPresence, 0, len(v.participants))
	for _, p := range v.participants {
		if p.ParticipantID != selfID && nowMs-p.LastActiveAtMs > staleMs {
			continue
		}
		c := p.Clone()
		c.EditingItemID = editing[p.ParticipantID]
		parts = append(parts, c)
	}
	return parts, locks
}

func (v *view) holder(itemID string, nowMs int64) (types.EditLock, bool) {
	i := slices.IndexFunc(v.locks, func(l types.EditLock) bool { return l.ItemID == itemID })
	if i < 0 || !v.locks[i].Live(nowMs) {
		return types.EditLock{}, false
	}
	return v.locks[i], true
}
