// Package entitlement is the subscription state machine: per-branch
// lifecycle states, the tenant aggregate derived from the main
// location, and the write-access gate every data mutation checks.
package entitlement

import (
	"slices"
	"time"
)

// Status is a subscription lifecycle state.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Writable reports whether the status alone grants write access.
func (s Status) Writable() bool {
	return s == StatusTrial || s == StatusActive
}

// Transition represents a valid state transition.
type Transition struct {
	From Status
	To   Status
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[Transition]bool{
	{StatusTrial, StatusActive}:      true, // Trial converted to paid
	{StatusTrial, StatusExpired}:     true, // Trial lapsed without payment
	{StatusActive, StatusCancelled}:  true, // Auto-renew switched off
	{StatusCancelled, StatusActive}:  true, // Reactivated before period end
	{StatusActive, StatusExpired}:    true, // Period ended, or admin revoke
	{StatusCancelled, StatusExpired}: true, // Cancelled period ran out
	{StatusExpired, StatusActive}:    true, // New payment
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to Status) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target states from the given state.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}

	// Stabilize ordering for deterministic callers/tests.
	slices.Sort(targets)
	return targets
}

// BranchState is the slice of a branch subscription the machine reads.
type BranchState struct {
	IsPaid      bool
	EndDate     *time.Time
	IsCancelled bool
}

// Derive computes the lifecycle state of a branch subscription. The
// result is a pure function of the subscription row, the tenant's
// trial deadline, and the clock; it is never stored.
func Derive(b BranchState, trialEndsAt *time.Time, now time.Time) Status {
	if b.IsPaid && b.EndDate != nil && b.EndDate.After(now) {
		if b.IsCancelled {
			return StatusCancelled
		}
		return StatusActive
	}
	if trialEndsAt != nil && now.Before(*trialEndsAt) {
		return StatusTrial
	}
	return StatusExpired
}

// CanWrite is the access gate. A manual block wins over everything; a
// paid branch writes on its own subscription; otherwise the tenant
// aggregate (trial or active main location) carries the branch.
func CanWrite(manuallyBlocked bool, branch BranchState, tenantStatus Status) bool {
	if manuallyBlocked {
		return false
	}
	if branch.IsPaid {
		return true
	}
	return tenantStatus.Writable()
}

// PastGracePeriod reports whether the subscription has been expired
// for longer than the grace window. It never blocks access by itself;
// it only marks the tenant as eligible for a manual block.
func PastGracePeriod(endDate *time.Time, graceDays int, now time.Time) bool {
	if endDate == nil {
		return false
	}
	return now.Sub(*endDate) > time.Duration(graceDays)*24*time.Hour
}
