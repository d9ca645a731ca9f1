// Package editlock tracks which participant holds the exclusive edit claim
// on each item of a scope.
//
// Locks are leases: optimistic, eventually consistent, and resolved without
// a central arbiter. When two participants race for the same item every
// client keeps the claim with the earlier AcquiredAtMs, breaking ties on the
// lexicographically smaller participant id, so all clients converge on the
// same holder once they have seen the same messages.
//
// A Manager is owned by a single event loop and is not safe for concurrent
// use.
package editlock

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/DoyleJ11/trip-presence/pkg/types"
)

const DefaultLease = 30 * time.Second

var (
	ErrNotHeld   = errors.New("item is not locked")
	ErrNotHolder = errors.New("participant does not hold this lock")
)

type Reason string

const (
	ReasonAcquired  Reason = "acquired"
	ReasonReleased  Reason = "released"
	ReasonExpired   Reason = "expired"
	ReasonDisplaced Reason = "displaced" // lost a race to an earlier claim
	ReasonReplaced  Reason = "replaced"  // holder moved on to another item
)

// Change describes one holder transition on an item. Holder is empty when
// the item became free.
type Change struct {
	ItemID   string
	Previous string
	Holder   string
	Reason   Reason
}

// Result is returned by Request. On denial Lock is the lock blocking the
// caller.
type Result struct {
	Granted  bool
	Renewed  bool
	Holder   string
	Lock     types.EditLock
	Replaced *types.EditLock
}

// Outcome is returned by ApplyAcquired.
type Outcome struct {
	Applied   bool
	Displaced string
	Current   types.EditLock
	Held      bool
}

type Manager struct {
	leaseMs  int64
	locks    map[string]*types.EditLock
	byHolder map[string]string // holder -> item
	// released claims, so a late duplicate lock-acquired cannot resurrect them
	tombs    map[string]types.EditLock
	onChange func(Change)
}

func NewManager(lease time.Duration) *Manager {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Manager{
		leaseMs:  lease.Milliseconds(),
		locks:    make(map[string]*types.EditLock),
		byHolder: make(map[string]string),
		tombs:    make(map[string]types.EditLock),
	}
}

// OnChange installs the hook called on every holder transition. Renewals
// do not fire it.
func (m *Manager) OnChange(fn func(Change)) { m.onChange = fn }

func (m *Manager) Lease() time.Duration { return time.Duration(m.leaseMs) * time.Millisecond }

// Request claims itemID for participantID.
//
//  1. A free or expired item is granted with a fresh lease.
//  2. A live lock held by someone else is denied and reports the holder.
//  3. A live lock already held by the caller is renewed.
//
// A participant edits one item at a time, so a grant on a new item gives up
// the caller's previous item; it is returned in Result.Replaced.
func (m *Manager) Request(itemID, participantID string, nowMs int64) Result {
	if cur, ok := m.locks[itemID]; ok {
		if cur.Live(nowMs) {
			if cur.HolderID != participantID {
				return Result{Holder: cur.HolderID, Lock: *cur}
			}
			cur.ExpiresAtMs = max(cur.ExpiresAtMs, nowMs+m.leaseMs)
			return Result{Granted: true, Renewed: true, Holder: participantID, Lock: *cur}
		}
		m.remove(itemID, ReasonExpired)
	}

	var replaced *types.EditLock
	if prev, ok := m.byHolder[participantID]; ok && prev != itemID {
		if l, ok := m.locks[prev]; ok {
			c := *l
			replaced = &c
			m.remove(prev, ReasonReplaced)
		}
	}

	acquired := nowMs
	if t, ok := m.tombs[itemID]; ok && t.HolderID == participantID && acquired <= t.AcquiredAtMs {
		// peers must not mistake the new claim for a duplicate of the old one
		acquired = t.AcquiredAtMs + 1
	}
	l := types.EditLock{
		ItemID:       itemID,
		HolderID:     participantID,
		AcquiredAtMs: acquired,
		ExpiresAtMs:  acquired + m.leaseMs,
	}
	m.install(l, "", ReasonAcquired)
	return Result{Granted: true, Holder: participantID, Lock: l, Replaced: replaced}
}

// Renew extends every lock held by participantID and returns the renewed
// locks for rebroadcast.
func (m *Manager) Renew(participantID string, nowMs int64) []types.EditLock {
	item, ok := m.byHolder[participantID]
	if !ok {
		return nil
	}
	cur := m.locks[item]
	if cur == nil || !cur.Live(nowMs) {
		return nil
	}
	cur.ExpiresAtMs = max(cur.ExpiresAtMs, nowMs+m.leaseMs)
	return []types.EditLock{*cur}
}

// Wins reports whether claim a beats claim b for the same item.
func Wins(a, b types.EditLock) bool {
	if a.AcquiredAtMs != b.AcquiredAtMs {
		return a.AcquiredAtMs < b.AcquiredAtMs
	}
	return a.HolderID < b.HolderID
}

// ApplyAcquired merges a lock-acquired message into the table. The merge is
// commutative and idempotent so duplicate and reordered delivery converge:
// same-holder claims keep the earliest acquisition and the latest expiry,
// competing claims keep the winner by Wins.
func (m *Manager) ApplyAcquired(l types.EditLock, nowMs int64) Outcome {
	cur, ok := m.locks[l.ItemID]
	if ok && !cur.Live(nowMs) {
		m.remove(l.ItemID, ReasonExpired)
		cur, ok = nil, false
	}

	if !l.Live(nowMs) || m.buried(l) || m.superseded(l) {
		if ok {
			return Outcome{Current: *cur, Held: true}
		}
		return Outcome{}
	}

	switch {
	case !ok:
		m.dropOtherItem(l.HolderID, l.ItemID)
		m.install(l, "", ReasonAcquired)
		return Outcome{Applied: true, Current: l, Held: true}

	case cur.HolderID == l.HolderID:
		before := *cur
		cur.AcquiredAtMs = min(cur.AcquiredAtMs, l.AcquiredAtMs)
		cur.ExpiresAtMs = max(cur.ExpiresAtMs, l.ExpiresAtMs)
		return Outcome{Applied: before != *cur, Current: *cur, Held: true}

	case Wins(l, *cur):
		loser := cur.HolderID
		if m.byHolder[loser] == l.ItemID {
			delete(m.byHolder, loser)
		}
		delete(m.locks, l.ItemID)
		m.dropOtherItem(l.HolderID, l.ItemID)
		m.install(l, loser, ReasonDisplaced)
		return Outcome{Applied: true, Displaced: loser, Current: l, Held: true}

	default:
		return Outcome{Current: *cur, Held: true}
	}
}

// ApplyReleased handles a lock-released message. A release naming a holder
// other than the current one is stale and ignored.
func (m *Manager) ApplyReleased(itemID, holderID string) bool {
	cur, ok := m.locks[itemID]
	if !ok || cur.HolderID != holderID {
		return false
	}
	m.remove(itemID, ReasonReleased)
	return true
}

// Release frees itemID on behalf of participantID. Only the holder may
// release.
func (m *Manager) Release(itemID, participantID string) error {
	cur, ok := m.locks[itemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, itemID)
	}
	if cur.HolderID != participantID {
		return fmt.Errorf("%w: %s holds %s", ErrNotHolder, cur.HolderID, itemID)
	}
	m.remove(itemID, ReasonReleased)
	return nil
}

// ReleaseAll frees every lock held by participantID, used when the
// participant leaves or is swept as stale.
func (m *Manager) ReleaseAll(participantID string) []types.EditLock {
	var out []types.EditLock
	for _, l := range m.locks {
		if l.HolderID == participantID {
			out = append(out, *l)
		}
	}
	sortLocks(out)
	for _, l := range out {
		m.remove(l.ItemID, ReasonReleased)
	}
	return out
}

// Sweep removes every expired lock and returns them.
func (m *Manager) Sweep(nowMs int64) []types.EditLock {
	var out []types.EditLock
	for _, l := range m.locks {
		if !l.Live(nowMs) {
			out = append(out, *l)
		}
	}
	sortLocks(out)
	for _, l := range out {
		m.remove(l.ItemID, ReasonExpired)
	}
	for item, t := range m.tombs {
		if !t.Live(nowMs) {
			delete(m.tombs, item)
		}
	}
	return out
}

// NextExpiry returns the earliest ExpiresAtMs in the table.
func (m *Manager) NextExpiry() (int64, bool) {
	var next int64
	found := false
	for _, l := range m.locks {
		if !found || l.ExpiresAtMs < next {
			next, found = l.ExpiresAtMs, true
		}
	}
	return next, found
}

// Holder returns the live lock on itemID, if any.
func (m *Manager) Holder(itemID string, nowMs int64) (types.EditLock, bool) {
	l, ok := m.locks[itemID]
	if !ok || !l.Live(nowMs) {
		return types.EditLock{}, false
	}
	return *l, true
}

// HeldBy returns the live lock held by participantID, if any.
func (m *Manager) HeldBy(participantID string, nowMs int64) (types.EditLock, bool) {
	item, ok := m.byHolder[participantID]
	if !ok {
		return types.EditLock{}, false
	}
	return m.Holder(item, nowMs)
}

// Snapshot returns the live locks ordered by item id.
func (m *Manager) Snapshot(nowMs int64) []types.EditLock {
	out := make([]types.EditLock, 0, len(m.locks))
	for _, l := range m.locks {
		if l.Live(nowMs) {
			out = append(out, *l)
		}
	}
	sortLocks(out)
	return out
}

// Replace discards the table and loads locks wholesale. It does not fire
// OnChange; callers rebuild derived state themselves.
func (m *Manager) Replace(locks []types.EditLock) {
	m.locks = make(map[string]*types.EditLock, len(locks))
	m.byHolder = make(map[string]string, len(locks))
	sorted := slices.Clone(locks)
	slices.SortFunc(sorted, func(a, b types.EditLock) int {
		if Wins(a, b) {
			return -1
		}
		if Wins(b, a) {
			return 1
		}
		return 0
	})
	for _, l := range sorted {
		if _, taken := m.locks[l.ItemID]; taken {
			continue
		}
		if _, busy := m.byHolder[l.HolderID]; busy {
			continue
		}
		c := l
		m.locks[l.ItemID] = &c
		m.byHolder[l.HolderID] = l.ItemID
	}
}

func (m *Manager) Len() int { return len(m.locks) }

func (m *Manager) install(l types.EditLock, previous string, reason Reason) {
	c := l
	m.locks[l.ItemID] = &c
	m.byHolder[l.HolderID] = l.ItemID
	m.emit(Change{ItemID: l.ItemID, Previous: previous, Holder: l.HolderID, Reason: reason})
}

func (m *Manager) remove(itemID string, reason Reason) {
	l, ok := m.locks[itemID]
	if !ok {
		return
	}
	delete(m.locks, itemID)
	if m.byHolder[l.HolderID] == itemID {
		delete(m.byHolder, l.HolderID)
	}
	if reason == ReasonReleased || reason == ReasonReplaced {
		m.tombs[itemID] = *l
	}
	m.emit(Change{ItemID: itemID, Previous: l.HolderID, Reason: reason})
}

// buried reports whether l repeats a claim that has since been released.
func (m *Manager) buried(l types.EditLock) bool {
	t, ok := m.tombs[l.ItemID]
	return ok && t.HolderID == l.HolderID && l.AcquiredAtMs <= t.AcquiredAtMs
}

// superseded reports whether the holder already claimed another item after
// l was issued, which makes l old news.
func (m *Manager) superseded(l types.EditLock) bool {
	prev, ok := m.byHolder[l.HolderID]
	if !ok || prev == l.ItemID {
		return false
	}
	other := m.locks[prev]
	return other != nil && other.AcquiredAtMs > l.AcquiredAtMs
}

// dropOtherItem enforces one item per holder when a remote claim shows the
// holder has moved on.
func (m *Manager) dropOtherItem(holderID, itemID string) {
	if prev, ok := m.byHolder[holderID]; ok && prev != itemID {
		m.remove(prev, ReasonReplaced)
	}
}

func (m *Manager) emit(c Change) {
	if m.onChange != nil {
		m.onChange(c)
	}
}

func sortLocks(ls []types.EditLock) {
	slices.SortFunc(ls, func(a, b types.EditLock) int { return cmp.Compare(a.ItemID, b.ItemID) })
}
