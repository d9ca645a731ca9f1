package collab

import "github.com/DoyleJ11/trip-presence/pkg/types"

type Outcome string

const (
	Granted Outcome = "granted"
	Denied  Outcome = "denied"
)

// Result is the answer to StartEditing. For a denial Holder names the
// participant currently editing the item.
type Result struct {
	Outcome Outcome
	Holder  string
	Lock    types.EditLock
}

func (r Result) Granted() bool { return r.Outcome == Granted }

// Err returns a *LockContentionError for a denied result and nil
// otherwise.
func (r Result) Err() error {
	if r.Outcome != Denied {
		return nil
	}
	return &LockContentionError{ItemID: r.Lock.ItemID, Holder: r.Holder}
}

func granted(l types.EditLock) Result {
	return Result{Outcome: Granted, Holder: l.HolderID, Lock: l}
}

func denied(itemID string, l types.EditLock) Result {
	if l.ItemID == "" {
		l.ItemID = itemID
	}
	return Result{Outcome: Denied, Holder: l.HolderID, Lock: l}
}
