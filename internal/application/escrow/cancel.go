package escrow

import (
	"context"
	"fmt"

	"milestone-escrow/internal/application/ledger"
	"milestone-escrow/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// withMilestoneLocks holds every milestone lock of a project while fn runs.
func (s *Service) withMilestoneLocks(ctx context.Context, projectID uuid.UUID, count int, fn func() error) error {
	var acquire func(i int) error
	acquire = func(i int) error {
		if i == count {
			return fn()
		}
		return s.Locker.WithLock(ctx, milestoneKey(projectID, i), func() error {
			return acquire(i + 1)
		})
	}
	return acquire(0)
}

// CancelProject refunds the escrow to the owner and ends the project. Not
// allowed once any milestone was accepted.
func (s *Service) CancelProject(ctx context.Context, actorID string, projectID uuid.UUID) (p *domain.Project, err error) {
	defer func() { outcome("cancel", err) }()

	p, err = loadProject(s.DB.WithContext(ctx), projectID)
	if err != nil {
		return nil, err
	}
	if p.PartyOf(actorID) != domain.PartyOwner {
		return nil, domain.ErrNotAuthorized
	}

	err = s.withMilestoneLocks(ctx, projectID, len(p.Milestones), func() error {
		p, err = loadProject(s.DB.WithContext(ctx), projectID)
		if err != nil {
			return err
		}
		// Dry run on a copy: the refund must not start for a project that cannot be cancelled.
		probe := *p
		if err := probe.Cancel(); err != nil {
			return err
		}

		bal, err := s.Ledger.ReadBalances(ctx, projectID)
		if err != nil {
			return fmt.Errorf("%w: read balances: %v", domain.ErrTransferFailed, err)
		}
		refund := bal.Vault + bal.Lending
		var ref string
		if refund > 0 {
			rec, err := s.Ledger.Transfer(ctx, ledger.TransferRequest{
				IdempotencyKey:    "cancel:" + projectID.String(),
				ProjectID:         projectID,
				Currency:          p.Currency,
				LendingWithdrawal: bal.Lending,
				CloseLending:      true,
				Legs:              []ledger.Leg{{To: p.CreatorID, Amount: refund, Memo: "project cancelled"}},
			})
			switch {
			case ledger.IsRejection(err):
				return fmt.Errorf("%w: refund: %v", domain.ErrTransferFailed, err)
			case err != nil:
				return fmt.Errorf("%w: refund: %v", domain.ErrReleasePending, err)
			case rec.Status == ledger.StatusFailed:
				return fmt.Errorf("%w: refund rejected by ledger", domain.ErrTransferFailed)
			case rec.Status == ledger.StatusPending:
				return fmt.Errorf("%w: refund awaiting confirmation, retry cancel", domain.ErrReleasePending)
			}
			ref = rec.Reference
		}

		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := p.Cancel(); err != nil {
				return err
			}
			res := tx.Model(&domain.Project{}).
				Where("project_id = ? AND status = ?", projectID, domain.ProjectActive).
				Updates(map[string]interface{}{
					"status":            domain.ProjectCancelled,
					"vault_balance":     0,
					"lending_balance":   0,
					"lending_principal": 0,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: project is no longer active", domain.ErrInvalidState)
			}
			p.VaultBalance, p.LendingBalance, p.LendingPrincipal = 0, 0, 0
			return recordEvent(tx, projectID, nil, domain.EventProjectCancelled, actorID, map[string]interface{}{
				"refund":     refund,
				"ledger_ref": ref,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("project_id", projectID.String()).Msg("project cancelled")
	return p, nil
}
