// Package allocation splits a budget across milestones in basis points.
package allocation

import (
	"fmt"

	"milestone-escrow/internal/domain"
)

// FullBps is 100.00% in basis points.
const FullBps int64 = 10000

// Validate checks that percentages are all positive and sum to exactly FullBps.
func Validate(percentages []int64) error {
	if len(percentages) == 0 {
		return fmt.Errorf("%w: no milestones", domain.ErrInvalidAllocation)
	}
	var sum int64
	for i, p := range percentages {
		if p <= 0 {
			return fmt.Errorf("%w: milestone %d has non-positive percentage %d", domain.ErrInvalidAllocation, i, p)
		}
		if p > FullBps {
			return fmt.Errorf("%w: milestone %d exceeds %d bps", domain.ErrInvalidAllocation, i, FullBps)
		}
		sum += p
	}
	if sum != FullBps {
		return fmt.Errorf("%w: percentages sum to %d, want %d", domain.ErrInvalidAllocation, sum, FullBps)
	}
	return nil
}

// MulBps returns amount * bps / 10000 truncated, without overflowing for any amount that fits int64.
func MulBps(amount, bps int64) int64 {
	q, r := amount/FullBps, amount%FullBps
	return q*bps + r*bps/FullBps
}

// ShareOf is the nominal (truncated) share of totalBudget for one percentage.
func ShareOf(totalBudget, percentage int64) int64 {
	return MulBps(totalBudget, percentage)
}

// Shares returns every milestone's share; the last one takes the residual so the sum is exactly totalBudget.
func Shares(totalBudget int64, percentages []int64) ([]int64, error) {
	if err := Validate(percentages); err != nil {
		return nil, err
	}
	out := make([]int64, len(percentages))
	var paid int64
	last := len(percentages) - 1
	for i, p := range percentages[:last] {
		out[i] = ShareOf(totalBudget, p)
		paid += out[i]
	}
	out[last] = totalBudget - paid
	return out, nil
}

// ShareAt is the share of the milestone at index, applying the residual rule to the last one.
func ShareAt(totalBudget int64, percentages []int64, index int) (int64, error) {
	if index < 0 || index >= len(percentages) {
		return 0, fmt.Errorf("%w: index %d", domain.ErrMilestoneNotFound, index)
	}
	shares, err := Shares(totalBudget, percentages)
	if err != nil {
		return 0, err
	}
	return shares[index], nil
}
