// Package lease models a time-bounded claim on a task.
package lease

import (
	"fmt"
	"time"
)

// Lease is held by one worker until Expiry. A zero Lease is unheld.
type Lease struct {
	ID      string    `json:"id,omitempty"`
	Holder  string    `json:"holder,omitempty"`
	Expiry  time.Time `json:"expiry,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
}

// Grant returns a new lease for holder lasting ttl from now.
func Grant(holder, subject string, attempt int, now time.Time, ttl time.Duration) Lease {
	return Lease{
		ID:      newLeaseID(holder, subject, attempt, now),
		Holder:  holder,
		Expiry:  now.Add(ttl),
		Attempt: attempt,
	}
}

// Renew extends the lease to now+ttl. The holder and ID are unchanged.
func (l Lease) Renew(now time.Time, ttl time.Duration) Lease {
	l.Expiry = now.Add(ttl)
	return l
}

// IsHeld reports whether anyone holds the lease.
func (l Lease) IsHeld() bool {
	return l.Holder != ""
}

// HeldBy reports whether holder currently holds the lease.
func (l Lease) HeldBy(holder string) bool {
	return l.IsHeld() && l.Holder == holder
}

// Expired reports whether a held lease ran out at or before now.
func (l Lease) Expired(now time.Time) bool {
	return l.IsHeld() && !now.Before(l.Expiry)
}

// Remaining is the time left on the lease, never negative.
func (l Lease) Remaining(now time.Time) time.Duration {
	if !l.IsHeld() || !now.Before(l.Expiry) {
		return 0
	}
	return l.Expiry.Sub(now)
}

// Release returns the zero lease.
func (l Lease) Release() Lease {
	return Lease{}
}

func newLeaseID(holder, subject string, attempt int, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d", holder, subject, attempt, now.UnixNano())
}
