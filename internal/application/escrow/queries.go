package escrow

import (
	"context"
	"fmt"
	"time"

	"milestone-escrow/internal/application/penalty"
	"milestone-escrow/internal/application/withdrawal"
	"milestone-escrow/internal/application/yield"
	"milestone-escrow/internal/domain"

	"github.com/google/uuid"
)

// Queries are read-only. They take no lock and may observe a milestone mid-release.

func (s *Service) GetProject(ctx context.Context, projectID uuid.UUID) (*domain.Project, error) {
	return loadProject(s.DB.WithContext(ctx), projectID)
}

func (s *Service) GetMilestone(ctx context.Context, projectID uuid.UUID, index int) (*domain.Milestone, error) {
	_, m, err := s.readMilestone(ctx, projectID, index)
	return m, err
}

func (s *Service) GetYieldSnapshot(ctx context.Context, projectID uuid.UUID) (yield.Snapshot, error) {
	return s.yields().Snapshot(ctx, projectID)
}

// WithdrawalPreview is what a release would pay right now. Released milestones
// report the confirmed payout instead.
type WithdrawalPreview struct {
	ProjectID        uuid.UUID          `json:"project_id"`
	MilestoneIndex   int                `json:"milestone_index"`
	Status           string             `json:"status"`
	Amounts          withdrawal.Amounts `json:"amounts"`
	FreelancerPayout int64              `json:"freelancer_payout"`
	OwnerPayout      int64              `json:"owner_payout"`
	Snapshot         *yield.Snapshot    `json:"snapshot,omitempty"`
}

func (s *Service) GetWithdrawalPreview(ctx context.Context, projectID uuid.UUID, index int) (*WithdrawalPreview, error) {
	p, m, err := s.readMilestone(ctx, projectID, index)
	if err != nil {
		return nil, err
	}
	out := &WithdrawalPreview{ProjectID: projectID, MilestoneIndex: index, Status: string(m.Status)}

	if m.Status == domain.MilestoneReleased || m.Status == domain.MilestoneReleasing {
		var payout domain.Payout
		err := s.DB.WithContext(ctx).
			Where("milestone_id = ? AND status <> ?", m.MilestoneID, domain.PayoutAborted).
			Order("attempt DESC").First(&payout).Error
		if err == nil {
			out.Amounts = amountsOf(&payout, m.IsLast)
			out.FreelancerPayout = payout.FreelancerTotal()
			out.OwnerPayout = payout.OwnerTotal()
			return out, nil
		}
	}

	snap, err := s.yields().ForProject(ctx, p)
	if err != nil {
		return nil, err
	}
	submitted := m.SubmittedAt
	if submitted == nil {
		now := s.now()
		submitted = &now
	}
	a, err := s.Resolver.Resolve(p, m, snap, s.Penalty.PenaltyBps(m.DueDate, submitted))
	if err != nil {
		return nil, err
	}
	out.Amounts = a
	out.FreelancerPayout = a.FreelancerPayout()
	out.OwnerPayout = a.OwnerPayout()
	out.Snapshot = &snap
	return out, nil
}

func amountsOf(p *domain.Payout, last bool) withdrawal.Amounts {
	dest := penalty.ToPool
	if p.PenaltyToOwner {
		dest = penalty.ToOwner
	}
	a := withdrawal.Amounts{
		VaultShare:           p.VaultShare,
		CreatorYieldShare:    p.CreatorYieldShare,
		PlatformFeeShare:     p.PlatformFeeShare,
		FreelancerYieldShare: p.FreelancerYieldShare,
		PenaltyBps:           p.PenaltyBps,
		PenaltyWithheld:      p.PenaltyWithheld,
		LendingWithdrawn:     p.LendingWithdrawn,
		PenaltyDestination:   dest,
		IsLastMilestone:      last,
	}
	return a
}

// PenaltyPreview reports the late penalty for a milestone. Unsubmitted
// milestones are evaluated as if submitted now.
type PenaltyPreview struct {
	ProjectID      uuid.UUID  `json:"project_id"`
	MilestoneIndex int        `json:"milestone_index"`
	DueDate        *time.Time `json:"due_date"`
	SubmittedAt    *time.Time `json:"submitted_at"`
	EvaluatedAt    time.Time  `json:"evaluated_at"`
	Overdue        bool       `json:"overdue"`
	PenaltyBps     int64      `json:"penalty_bps"`
}

func (s *Service) GetPenaltyPreview(ctx context.Context, projectID uuid.UUID, index int) (*PenaltyPreview, error) {
	_, m, err := s.readMilestone(ctx, projectID, index)
	if err != nil {
		return nil, err
	}
	at := s.now()
	if m.SubmittedAt != nil {
		at = *m.SubmittedAt
	}
	return &PenaltyPreview{
		ProjectID:      projectID,
		MilestoneIndex: index,
		DueDate:        m.DueDate,
		SubmittedAt:    m.SubmittedAt,
		EvaluatedAt:    at,
		Overdue:        m.DueDate != nil && at.After(*m.DueDate),
		PenaltyBps:     s.Penalty.PenaltyBps(m.DueDate, &at),
	}, nil
}

func (s *Service) ListEvents(ctx context.Context, projectID uuid.UUID) ([]domain.EscrowEvent, error) {
	if err := s.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	var events []domain.EscrowEvent
	err := s.DB.WithContext(ctx).Where("project_id = ?", projectID).Order(`"createdAt" ASC`).Find(&events).Error
	return events, err
}

func (s *Service) ListPayouts(ctx context.Context, projectID uuid.UUID) ([]domain.Payout, error) {
	if err := s.requireProject(ctx, projectID); err != nil {
		return nil, err
	}
	var payouts []domain.Payout
	err := s.DB.WithContext(ctx).Where("project_id = ?", projectID).Order("milestone_index ASC, attempt ASC").Find(&payouts).Error
	return payouts, err
}

func (s *Service) requireProject(ctx context.Context, projectID uuid.UUID) error {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&domain.Project{}).Where("project_id = ?", projectID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrProjectNotFound, projectID)
	}
	return nil
}
