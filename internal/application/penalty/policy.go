// Package penalty computes the late-submission penalty applied to a freelancer's yield share.
package penalty

import (
	"fmt"
	"strings"
	"time"

	"milestone-escrow/internal/application/allocation"
)

// Policy maps how late a submission was to a penalty in basis points.
// It is only called with a positive lateness.
type Policy func(lateness time.Duration) int64

// Destination names where a withheld penalty goes.
type Destination string

const (
	// ToOwner pays the withheld amount to the project owner as a separate leg.
	ToOwner Destination = "owner"
	// ToPool leaves the withheld amount in the lending pool.
	ToPool Destination = "pool"
)

// ParseDestination accepts "owner" or "pool"; empty means owner.
func ParseDestination(s string) (Destination, error) {
	switch Destination(strings.ToLower(strings.TrimSpace(s))) {
	case "", ToOwner:
		return ToOwner, nil
	case ToPool:
		return ToPool, nil
	}
	return "", fmt.Errorf("unknown penalty destination %q", s)
}

// None never penalizes.
func None() Policy {
	return func(time.Duration) int64 { return 0 }
}

// Linear charges bpsPerDay for every started day past the grace period, capped at maxBps.
func Linear(grace time.Duration, bpsPerDay, maxBps int64) Policy {
	return func(lateness time.Duration) int64 {
		lateness -= grace
		if lateness <= 0 || bpsPerDay <= 0 {
			return 0
		}
		days := int64((lateness + 24*time.Hour - 1) / (24 * time.Hour))
		bps := days * bpsPerDay
		if maxBps > 0 && bps > maxBps {
			bps = maxBps
		}
		return bps
	}
}

// Calculator applies a Policy to milestone timing.
type Calculator struct {
	Policy Policy
}

// PenaltyBps returns the penalty for a submission at submittedAt against dueDate.
// Zero when there is no due date, no submission, or the submission was on time.
func (c Calculator) PenaltyBps(dueDate, submittedAt *time.Time) int64 {
	if c.Policy == nil || dueDate == nil || submittedAt == nil {
		return 0
	}
	lateness := submittedAt.Sub(*dueDate)
	if lateness <= 0 {
		return 0
	}
	bps := c.Policy(lateness)
	if bps < 0 {
		return 0
	}
	if bps > allocation.FullBps {
		return allocation.FullBps
	}
	return bps
}
