package muxer

import "sync/atomic"

// admissionControl bounds the number of batches in flight, independent of
// their size.
type admissionControl struct {
	max    int64
	active atomic.Int64
}

func newAdmissionControl(max int) *admissionControl {
	return &admissionControl{max: int64(max)}
}

// TryClaimSlot increments the in-flight count and keeps the increment only
// if the ceiling still holds afterwards. Two callers racing for the last slot
// both increment; at most one of them observes a value within the limit, the
// other compensates. It never blocks.
func (a *admissionControl) TryClaimSlot() bool {
	if a.active.Add(1) > a.max {
		a.active.Add(-1)
		return false
	}
	return true
}

// ReleaseSlot returns a slot obtained from TryClaimSlot. It must be called
// exactly once per granted slot.
func (a *admissionControl) ReleaseSlot() {
	a.active.Add(-1)
}

// Active reports the number of claimed slots.
func (a *admissionControl) Active() int {
	return int(a.active.Load())
}
