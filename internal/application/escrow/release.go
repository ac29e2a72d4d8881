package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"milestone-escrow/internal/application/ledger"
	"milestone-escrow/internal/application/penalty"
	"milestone-escrow/internal/application/withdrawal"
	"milestone-escrow/internal/domain"
	"milestone-escrow/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ReleaseResult is the outcome of a release attempt. Payout is set once amounts were reserved.
type ReleaseResult struct {
	Milestone *domain.Milestone `json:"milestone"`
	Payout    *domain.Payout    `json:"payout"`
}

// ReleaseMilestone is the freelancer's confirm-and-withdraw. Amounts are
// reserved, transferred, then committed; a definite ledger failure rolls the
// reservation back and a pending transfer is resumed by the next call.
func (s *Service) ReleaseMilestone(ctx context.Context, actorID string, projectID uuid.UUID, index int) (res *ReleaseResult, err error) {
	defer func() { outcome("release", err) }()

	err = s.Locker.WithLock(ctx, milestoneKey(projectID, index), func() error {
		p, m, err := s.readMilestone(ctx, projectID, index)
		if err != nil {
			return err
		}
		if p.PartyOf(actorID) != domain.PartyFreelancer {
			return domain.ErrNotAuthorized
		}

		var confirmedFrom *domain.Milestone
		switch m.Status {
		case domain.MilestoneReleased:
			return fmt.Errorf("%w: milestone %d", domain.ErrAlreadyReleased, index)
		case domain.MilestoneReleasing:
			res, err = s.resume(ctx, p, m)
			return err
		case domain.MilestoneSubmitted:
			if m.PoApproved && !m.FlApproved {
				// The sign-off stays in memory until the reservation persists it.
				seen := *m
				if _, err := m.Approve(domain.PartyFreelancer, s.now()); err != nil {
					return err
				}
				confirmedFrom = &seen
			}
		}
		res, err = s.release(ctx, actorID, p, m, confirmedFrom)
		return err
	})
	return res, err
}

// ResumeRelease drives a milestone stuck in Releasing to a final state. Used by the reconciler.
func (s *Service) ResumeRelease(ctx context.Context, projectID uuid.UUID, index int) (res *ReleaseResult, err error) {
	err = s.Locker.WithLock(ctx, milestoneKey(projectID, index), func() error {
		p, m, err := s.readMilestone(ctx, projectID, index)
		if err != nil {
			return err
		}
		if m.Status != domain.MilestoneReleasing {
			res = &ReleaseResult{Milestone: m}
			return nil
		}
		res, err = s.resume(ctx, p, m)
		return err
	})
	return res, err
}

func (s *Service) readMilestone(ctx context.Context, projectID uuid.UUID, index int) (*domain.Project, *domain.Milestone, error) {
	p, err := loadProject(s.DB.WithContext(ctx), projectID)
	if err != nil {
		return nil, nil, err
	}
	m, err := p.Milestone(index)
	if err != nil {
		return nil, nil, err
	}
	return p, m, nil
}

// release resolves and reserves the payout, then transfers it. confirmedFrom is
// the stored Submitted state when the freelancer's sign-off rides on this call.
func (s *Service) release(ctx context.Context, actorID string, p *domain.Project, m *domain.Milestone, confirmedFrom *domain.Milestone) (*ReleaseResult, error) {
	if err := p.RequireActive(); err != nil {
		return nil, err
	}
	if m.Status != domain.MilestoneAccepted {
		return nil, fmt.Errorf("%w: milestone %d is %s, expected %s", domain.ErrInvalidState, m.Index, m.Status, domain.MilestoneAccepted)
	}
	if m.IsLast && !p.PreviousReleased(m.Index) {
		return nil, fmt.Errorf("%w: earlier milestones must be released before the last one", domain.ErrInvalidState)
	}

	snap, err := s.yields().ForProject(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}
	penaltyBps := s.Penalty.PenaltyBps(m.DueDate, m.SubmittedAt)
	amounts, err := s.Resolver.Resolve(p, m, snap, penaltyBps)
	if err != nil {
		return nil, err
	}
	if err := amounts.Validate(snap); err != nil {
		return nil, err
	}

	payout, err := s.reserve(ctx, actorID, p, m, amounts, confirmedFrom)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, p, m, payout)
}

// reserve moves Accepted -> Releasing and freezes the amounts in a payout row.
// With confirmedFrom set, the freelancer's confirmation is written in the same transaction.
func (s *Service) reserve(ctx context.Context, actorID string, p *domain.Project, m *domain.Milestone, a withdrawal.Amounts, confirmedFrom *domain.Milestone) (*domain.Payout, error) {
	var payout domain.Payout
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := *m
		if confirmedFrom != nil {
			seen = *confirmedFrom
			if err := recordEvent(tx, p.ProjectID, &m.Index, domain.EventMilestoneApproved, actorID, map[string]interface{}{
				"party": domain.PartyFreelancer,
			}); err != nil {
				return err
			}
			if err := recordEvent(tx, p.ProjectID, &m.Index, domain.EventMilestoneAccepted, actorID, map[string]interface{}{
				"accepted_at": m.AcceptedAt,
			}); err != nil {
				return err
			}
		}
		if err := m.BeginRelease(); err != nil {
			return err
		}
		if err := saveMilestone(tx, m, seen); err != nil {
			return err
		}
		var attempts int64
		if err := tx.Model(&domain.Payout{}).Where("milestone_id = ?", m.MilestoneID).Count(&attempts).Error; err != nil {
			return err
		}
		attempt := int(attempts) + 1
		payout = domain.Payout{
			ProjectID:            p.ProjectID,
			MilestoneID:          m.MilestoneID,
			MilestoneIndex:       m.Index,
			Attempt:              attempt,
			IdempotencyKey:       fmt.Sprintf("release:%s#%d", m.MilestoneID, attempt),
			Currency:             p.Currency,
			VaultShare:           a.VaultShare,
			CreatorYieldShare:    a.CreatorYieldShare,
			PlatformFeeShare:     a.PlatformFeeShare,
			FreelancerYieldShare: a.FreelancerYieldShare,
			PenaltyBps:           a.PenaltyBps,
			PenaltyWithheld:      a.PenaltyWithheld,
			PenaltyToOwner:       a.PenaltyDestination == penalty.ToOwner,
			LendingWithdrawn:     a.LendingWithdrawn,
			ConfirmedOnRelease:   confirmedFrom != nil,
			Status:               domain.PayoutReserved,
		}
		if err := tx.Create(&payout).Error; err != nil {
			return err
		}
		return recordEvent(tx, p.ProjectID, &m.Index, domain.EventReleaseReserved, actorID, map[string]interface{}{
			"payout_id":       payout.PayoutID,
			"idempotency_key": payout.IdempotencyKey,
			"amounts":         a,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.PendingReleases.Inc()
	return &payout, nil
}

func (s *Service) transferRequest(p *domain.Project, m *domain.Milestone, payout *domain.Payout) ledger.TransferRequest {
	req := ledger.TransferRequest{
		IdempotencyKey:    payout.IdempotencyKey,
		ProjectID:         p.ProjectID,
		Currency:          payout.Currency,
		LendingWithdrawal: payout.LendingWithdrawn,
		CloseLending:      m.IsLast,
	}
	add := func(to string, amount int64, memo string) {
		if amount > 0 {
			req.Legs = append(req.Legs, ledger.Leg{To: to, Amount: amount, Memo: memo})
		}
	}
	freelancer := ""
	if p.FreelancerID != nil {
		freelancer = *p.FreelancerID
	}
	add(freelancer, payout.FreelancerTotal(), fmt.Sprintf("milestone %d payout", m.Index))
	add(p.CreatorID, payout.CreatorYieldShare, "creator yield share")
	if payout.PenaltyToOwner {
		add(p.CreatorID, payout.PenaltyWithheld, "late submission penalty")
	}
	add(s.PlatformAccount, payout.PlatformFeeShare, "platform fee")
	return req
}

// execute submits the frozen payout and settles the outcome.
func (s *Service) execute(ctx context.Context, p *domain.Project, m *domain.Milestone, payout *domain.Payout) (*ReleaseResult, error) {
	start := time.Now()
	rec, err := s.Ledger.Transfer(ctx, s.transferRequest(p, m, payout))
	switch {
	case err == nil && rec.Status == ledger.StatusFailed:
		err = &ledger.TransferError{Code: "failed", Message: "ledger reported failure"}
	case err == nil && rec.Status == "":
		rec.Status = ledger.StatusConfirmed
	}
	status := rec.Status
	if err != nil {
		status = "error"
	}
	metrics.RecordLedgerTransfer(status, time.Since(start))
	return s.settle(ctx, p, m, payout, rec, err)
}

func (s *Service) settle(ctx context.Context, p *domain.Project, m *domain.Milestone, payout *domain.Payout, rec ledger.Receipt, err error) (*ReleaseResult, error) {
	res := &ReleaseResult{Milestone: m, Payout: payout}
	switch {
	case ledger.IsRejection(err):
		if aerr := s.abort(ctx, p, m, payout, err.Error()); aerr != nil {
			return nil, aerr
		}
		return res, fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	case err != nil:
		log.Warn().Err(err).Str("project_id", p.ProjectID.String()).Int("milestone", m.Index).Str("key", payout.IdempotencyKey).Msg("release transfer outcome unknown")
		return res, fmt.Errorf("%w: %v", domain.ErrReleasePending, err)
	case rec.Status == ledger.StatusPending:
		log.Info().Str("project_id", p.ProjectID.String()).Int("milestone", m.Index).Str("key", payout.IdempotencyKey).Msg("release transfer pending confirmation")
		return res, fmt.Errorf("%w: milestone %d", domain.ErrReleasePending, m.Index)
	}
	if err := s.commit(ctx, p, m, payout, rec.Reference); err != nil {
		return nil, err
	}
	return res, nil
}

// resume finishes a reserved payout from its stored amounts, never recomputing them.
func (s *Service) resume(ctx context.Context, p *domain.Project, m *domain.Milestone) (*ReleaseResult, error) {
	var payout domain.Payout
	err := s.DB.WithContext(ctx).
		Where("milestone_id = ? AND status = ?", m.MilestoneID, domain.PayoutReserved).
		Order("attempt DESC").First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Releasing without a reservation cannot be settled; hand it back.
		if aerr := s.abort(ctx, p, m, nil, "no reserved payout"); aerr != nil {
			return nil, aerr
		}
		return &ReleaseResult{Milestone: m}, fmt.Errorf("%w: milestone %d had no reserved payout", domain.ErrInvalidState, m.Index)
	}
	if err != nil {
		return nil, err
	}

	rec, err := s.Ledger.TransferStatus(ctx, payout.IdempotencyKey)
	switch {
	case errors.Is(err, ledger.ErrUnknownTransfer):
		return s.execute(ctx, p, m, &payout)
	case err != nil:
		// A failed lookup says nothing about the transfer itself.
		return &ReleaseResult{Milestone: m, Payout: &payout}, fmt.Errorf("%w: status lookup: %v", domain.ErrReleasePending, err)
	case rec.Status == ledger.StatusFailed:
		err = &ledger.TransferError{Code: "failed", Message: "ledger reported failure"}
	}
	return s.settle(ctx, p, m, &payout, rec, err)
}

// commit moves Releasing -> Released, confirms the payout and debits the book balances.
func (s *Service) commit(ctx context.Context, p *domain.Project, m *domain.Milestone, payout *domain.Payout, ref string) error {
	now := s.now()
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := *m
		if err := m.CompleteRelease(now); err != nil {
			return err
		}
		if err := saveMilestone(tx, m, seen); err != nil {
			return err
		}

		payout.Status = domain.PayoutConfirmed
		if ref != "" {
			payout.LedgerRef = &ref
		}
		if err := tx.Model(payout).Updates(map[string]interface{}{
			"status":     payout.Status,
			"ledger_ref": payout.LedgerRef,
		}).Error; err != nil {
			return err
		}

		balances := map[string]interface{}{
			"vault_balance": gorm.Expr("CASE WHEN vault_balance > ? THEN vault_balance - ? ELSE 0 END", payout.VaultWithdrawn(), payout.VaultWithdrawn()),
		}
		if m.IsLast {
			balances = map[string]interface{}{
				"vault_balance":     0,
				"lending_balance":   0,
				"lending_principal": 0,
				"status":            domain.ProjectCompleted,
			}
		}
		upd := tx.Model(&domain.Project{}).Where("project_id = ? AND status = ?", p.ProjectID, domain.ProjectActive).Updates(balances)
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return fmt.Errorf("%w: project %s is no longer active", domain.ErrInvalidState, p.ProjectID)
		}

		if err := recordEvent(tx, p.ProjectID, &m.Index, domain.EventMilestoneReleased, "", map[string]interface{}{
			"payout_id":  payout.PayoutID,
			"ledger_ref": ref,
			"freelancer": payout.FreelancerTotal(),
			"owner":      payout.OwnerTotal(),
			"platform":   payout.PlatformFeeShare,
		}); err != nil {
			return err
		}
		if !m.IsLast {
			return nil
		}
		if err := p.Complete(); err != nil {
			return err
		}
		return recordEvent(tx, p.ProjectID, nil, domain.EventProjectCompleted, "", map[string]interface{}{
			"completed_at": now,
		})
	})
	if err != nil {
		log.Error().Err(err).Str("project_id", p.ProjectID.String()).Int("milestone", m.Index).Str("key", payout.IdempotencyKey).Msg("transfer confirmed but release not committed")
		return err
	}

	metrics.PendingReleases.Dec()
	metrics.RecordRelease(payout.Currency, "freelancer", payout.FreelancerTotal())
	metrics.RecordRelease(payout.Currency, "owner", payout.OwnerTotal())
	metrics.RecordRelease(payout.Currency, "platform", payout.PlatformFeeShare)
	log.Info().Str("project_id", p.ProjectID.String()).Int("milestone", m.Index).Int64("total", payout.Total()).Bool("last", m.IsLast).Msg("milestone released")
	return nil
}

// abort hands a reserved milestone back and marks the payout aborted. Nothing
// moved on the ledger. A payout that carried the freelancer's confirmation
// returns the milestone to Submitted awaiting that confirmation.
func (s *Service) abort(ctx context.Context, p *domain.Project, m *domain.Milestone, payout *domain.Payout, reason string) error {
	reopen := payout != nil && payout.ConfirmedOnRelease
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seen := *m
		if err := m.AbortRelease(reopen); err != nil {
			return err
		}
		if err := saveMilestone(tx, m, seen); err != nil {
			return err
		}
		data := map[string]interface{}{"reason": reason}
		if payout != nil {
			payout.Status = domain.PayoutAborted
			payout.FailureReason = &reason
			if err := tx.Model(payout).Updates(map[string]interface{}{
				"status":         payout.Status,
				"failure_reason": payout.FailureReason,
			}).Error; err != nil {
				return err
			}
			data["payout_id"] = payout.PayoutID
		}
		return recordEvent(tx, p.ProjectID, &m.Index, domain.EventReleaseAborted, "", data)
	})
	if err != nil {
		return err
	}
	if payout != nil {
		metrics.PendingReleases.Dec()
	}
	log.Warn().Str("project_id", p.ProjectID.String()).Int("milestone", m.Index).Str("reason", reason).Msg("release aborted")
	return nil
}
