// Package withdrawal resolves what a milestone release pays to each stakeholder.
package withdrawal

import (
	"fmt"
	"sort"

	"milestone-escrow/internal/application/allocation"
	"milestone-escrow/internal/application/penalty"
	"milestone-escrow/internal/application/yield"
	"milestone-escrow/internal/domain"
)

// Yield split at the last milestone, in basis points of the positive yield.
// The freelancer receives the remainder so rounding never leaks units.
const (
	CreatorYieldBps = 4000
	PlatformFeeBps  = 2000
)

// Amounts is the resolved payout of a single milestone.
type Amounts struct {
	VaultShare           int64 `json:"vault_share"`
	CreatorYieldShare    int64 `json:"creator_yield_share"`
	PlatformFeeShare     int64 `json:"platform_fee_share"`
	FreelancerYieldShare int64 `json:"freelancer_yield_share"`

	Yield              int64               `json:"yield"`
	PenaltyBps         int64               `json:"penalty_bps"`
	PenaltyWithheld    int64               `json:"penalty_withheld"`
	PenaltyDestination penalty.Destination `json:"penalty_destination"`
	LendingWithdrawn   int64               `json:"lending_withdrawn"`
	IsLastMilestone    bool                `json:"is_last_milestone"`
}

// FreelancerPayout is principal plus the (possibly negative) net yield share, never below zero.
func (a Amounts) FreelancerPayout() int64 {
	total := a.VaultShare + a.FreelancerYieldShare
	if total < 0 {
		return 0
	}
	return total
}

// OwnerPayout is the creator yield share plus a penalty routed to the owner.
func (a Amounts) OwnerPayout() int64 {
	if a.PenaltyDestination == penalty.ToOwner {
		return a.CreatorYieldShare + a.PenaltyWithheld
	}
	return a.CreatorYieldShare
}

// Total is everything leaving escrow for this release.
func (a Amounts) Total() int64 {
	return a.FreelancerPayout() + a.OwnerPayout() + a.PlatformFeeShare
}

// VaultWithdrawn is the part of Total drawn from the vault.
func (a Amounts) VaultWithdrawn() int64 {
	return a.Total() - a.LendingWithdrawn
}

// Resolver is a pure function of the project allocation, the milestone and a yield snapshot.
type Resolver struct {
	Destination penalty.Destination
}

// Resolve computes the payout for milestone m of project.
func (r Resolver) Resolve(project *domain.Project, m *domain.Milestone, snap yield.Snapshot, penaltyBps int64) (Amounts, error) {
	percentages := Percentages(project.Milestones)
	share, err := allocation.ShareAt(project.TotalDeposited, percentages, m.Index)
	if err != nil {
		return Amounts{}, err
	}
	dest := r.Destination
	if dest == "" {
		dest = penalty.ToOwner
	}
	out := Amounts{
		VaultShare:         share,
		PenaltyBps:         penaltyBps,
		PenaltyDestination: dest,
		IsLastMilestone:    m.IsLast,
	}
	if !m.IsLast {
		return out, nil
	}

	out.Yield = snap.Yield
	out.LendingWithdrawn = snap.LendingAmount
	if snap.Yield >= 0 {
		gain := snap.PositiveYield()
		out.CreatorYieldShare = allocation.MulBps(gain, CreatorYieldBps)
		out.PlatformFeeShare = allocation.MulBps(gain, PlatformFeeBps)
		fl := gain - out.CreatorYieldShare - out.PlatformFeeShare
		out.PenaltyWithheld = allocation.MulBps(fl, penaltyBps)
		out.FreelancerYieldShare = fl - out.PenaltyWithheld
		if dest == penalty.ToPool {
			out.LendingWithdrawn -= out.PenaltyWithheld
		}
		return out, nil
	}

	// The freelancer alone bears a lending loss, down to their principal.
	loss := snap.Loss()
	if loss > out.VaultShare {
		loss = out.VaultShare
	}
	out.FreelancerYieldShare = -loss
	return out, nil
}

// Percentages returns milestone percentages ordered by index.
func Percentages(milestones []domain.Milestone) []int64 {
	ordered := make([]domain.Milestone, len(milestones))
	copy(ordered, milestones)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	out := make([]int64, len(ordered))
	for i, m := range ordered {
		out[i] = m.PercentageBps
	}
	return out
}

// Validate checks the resolved amounts against the live escrow before any funds move.
func (a Amounts) Validate(snap yield.Snapshot) error {
	if a.LendingWithdrawn < 0 || a.LendingWithdrawn > snap.LendingAmount {
		return fmt.Errorf("%w: lending withdrawal %d exceeds pool %d", domain.ErrTransferFailed, a.LendingWithdrawn, snap.LendingAmount)
	}
	if v := a.VaultWithdrawn(); v < 0 || v > snap.VaultAmount {
		return fmt.Errorf("%w: vault withdrawal %d exceeds vault %d", domain.ErrTransferFailed, v, snap.VaultAmount)
	}
	return nil
}
