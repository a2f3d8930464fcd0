package model

import (
	"time"

	"github.com/metal-toolbox/bladedirector/internal/lock"
)

// LeaseState is the ownership state of a blade or VM.
type LeaseState string

const (
	LeaseUnused           LeaseState = "unused"
	LeaseReleaseRequested LeaseState = "releaseRequested"
	LeaseInUseByDirector  LeaseState = "inUseByDirector"
	LeaseInUse            LeaseState = "inUse"
)

// LeaseFields is the ownership record shared by blades and VMs.
//
// Mutators require a guard holding the Ownership bit on the resource key. NextOwner is
// set only while State is LeaseReleaseRequested, or on a VM reserved by the director.
type LeaseFields struct {
	State         LeaseState `json:"state"`
	CurrentOwner  string     `json:"current_owner,omitempty"`
	NextOwner     string     `json:"next_owner,omitempty"`
	LastKeepAlive time.Time  `json:"last_keepalive"`
}

// Leased returns true when the resource is held by someone, the director included.
func (l *LeaseFields) Leased() bool {
	return l.State != LeaseUnused && l.State != ""
}

// OwnedBy returns true when requestor currently holds the resource.
func (l *LeaseFields) OwnedBy(requestor string) bool {
	return l.Leased() && l.CurrentOwner == requestor
}

// QueuedFor returns true when requestor is the waiting successor.
func (l *LeaseFields) QueuedFor(requestor string) bool {
	return l.State == LeaseReleaseRequested && l.NextOwner == requestor
}

// Expired returns true when the resource is leased and its keepalive is older than timeout.
func (l *LeaseFields) Expired(now time.Time, timeout time.Duration) bool {
	return l.Leased() && l.LastKeepAlive.Add(timeout).Before(now)
}

// StatusFor maps the lease to the status a requestor sees.
func (l *LeaseFields) StatusFor(requestor string) ResourceStatus {
	switch {
	case !l.Leased():
		return StatusUnused
	case l.CurrentOwner == requestor:
		if l.State == LeaseReleaseRequested {
			return StatusReleasePending
		}

		return StatusYours
	default:
		return StatusNotYours
	}
}

// Grant hands the resource to owner.
func (l *LeaseFields) Grant(g *lock.Guard, key, owner string, now time.Time) {
	g.MustHold(key, lock.Ownership)

	l.State = LeaseInUse
	l.CurrentOwner = owner
	l.NextOwner = ""
	l.LastKeepAlive = now
}

// GrantToDirector marks the resource as held by the director itself.
func (l *LeaseFields) GrantToDirector(g *lock.Guard, key string, now time.Time) {
	g.MustHold(key, lock.Ownership)

	l.State = LeaseInUseByDirector
	l.CurrentOwner = DirectorOwner
	l.NextOwner = ""
	l.LastKeepAlive = now
}

// Reserve marks the resource as held by the director on behalf of requestor, it is
// granted to requestor by Finalize once the director has finished preparing it.
// Only VMs are reserved, a reserved VM has no queue so NextOwner carries the requestor.
func (l *LeaseFields) Reserve(g *lock.Guard, key, requestor string, now time.Time) {
	g.MustHold(key, lock.Ownership)

	l.State = LeaseInUseByDirector
	l.CurrentOwner = DirectorOwner
	l.NextOwner = requestor
	l.LastKeepAlive = now
}

// ReservedFor returns true when the director is preparing the resource for requestor.
func (l *LeaseFields) ReservedFor(requestor string) bool {
	return l.State == LeaseInUseByDirector && l.NextOwner == requestor
}

// Finalize grants a reserved resource to the requestor it was reserved for.
func (l *LeaseFields) Finalize(g *lock.Guard, key string, now time.Time) bool {
	if l.State != LeaseInUseByDirector || l.NextOwner == "" {
		return false
	}

	l.Grant(g, key, l.NextOwner, now)

	return true
}

// Enqueue records requestor as the single waiting successor.
func (l *LeaseFields) Enqueue(g *lock.Guard, key, requestor string) {
	g.MustHold(key, lock.Ownership)

	l.State = LeaseReleaseRequested
	l.NextOwner = requestor
}

// Withdraw drops the queued successor, the current owner keeps the resource.
func (l *LeaseFields) Withdraw(g *lock.Guard, key string) {
	g.MustHold(key, lock.Ownership)

	l.NextOwner = ""
	if l.State == LeaseReleaseRequested {
		l.State = LeaseInUse
	}
}

// Handoff passes the resource to the queued successor, or clears it when there is none.
// Returns true when a successor took over.
func (l *LeaseFields) Handoff(g *lock.Guard, key string, now time.Time) bool {
	if l.NextOwner == "" {
		l.Clear(g, key)
		return false
	}

	l.Grant(g, key, l.NextOwner, now)

	return true
}

// Clear returns the resource to the unused state.
func (l *LeaseFields) Clear(g *lock.Guard, key string) {
	g.MustHold(key, lock.Ownership)

	l.State = LeaseUnused
	l.CurrentOwner = ""
	l.NextOwner = ""
}

// TouchKeepAlive refreshes the keepalive timestamp.
func (l *LeaseFields) TouchKeepAlive(g *lock.Guard, key string, now time.Time) {
	g.MustHold(key, lock.Ownership)

	l.LastKeepAlive = now
}
