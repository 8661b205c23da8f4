package room

import "time"

// leaseStatus makes the two meanings of a "no expiry" slot explicit: a slot
// that has never been leased is open to anyone, while an occupied slot has
// nothing pending to expire. Only leaseArmed carries a real deadline.
type leaseStatus int

const (
	leaseUnset leaseStatus = iota // never leased; open to any newcomer
	leaseHeld                     // slot occupied; no pending window
	leaseArmed                    // reclaim window running until expiresAt
)

// slotLease tracks one seat's reclaim state: the device id last known to hold
// the seat, the window protecting it, and the timer that ends the window.
// gen invalidates in-flight timer fires after a cancel or re-arm.
type slotLease struct {
	status    leaseStatus
	token     string
	expiresAt time.Time
	timer     *time.Timer
	gen       int
}

func (l *slotLease) stopTimer() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
}

// reclaimable reports whether a joiner with the given device id may take the
// seat back: the token must match and the window, if armed, must still be open.
func (l *slotLease) reclaimable(deviceID string, now time.Time) bool {
	if l.token == "" || l.token != deviceID {
		return false
	}
	return l.status != leaseArmed || now.Before(l.expiresAt)
}

// open reports whether the seat is free for a fresh join, i.e. no foreign
// reclaim window is currently protecting it.
func (l *slotLease) open(now time.Time) bool {
	return l.status != leaseArmed || !now.Before(l.expiresAt)
}
