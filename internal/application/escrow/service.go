// Package escrow coordinates projects, milestones and payouts. It is the only
// component that moves funds through the ledger.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"milestone-escrow/internal/application/allocation"
	"milestone-escrow/internal/application/ledger"
	"milestone-escrow/internal/application/penalty"
	"milestone-escrow/internal/application/withdrawal"
	"milestone-escrow/internal/application/yield"
	"milestone-escrow/internal/domain"
	"milestone-escrow/internal/pkg/metrics"
	"milestone-escrow/internal/pkg/validation"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Locker serializes commands per milestone.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

// Service is the escrow coordinator.
type Service struct {
	DB              *gorm.DB
	Ledger          ledger.Ledger
	Locker          Locker
	Penalty         penalty.Calculator
	Resolver        withdrawal.Resolver
	Currency        string
	PlatformAccount string
}

func (s *Service) yields() *yield.Service {
	return &yield.Service{DB: s.DB, Ledger: s.Ledger}
}

func (s *Service) now() time.Time {
	return s.Ledger.Now().UTC()
}

func milestoneKey(projectID uuid.UUID, index int) string {
	return fmt.Sprintf("milestone:%s:%d", projectID, index)
}

// MilestoneInput declares one milestone at project creation.
type MilestoneInput struct {
	PercentageBps int64      `json:"percentage"`
	Title         string     `json:"title"`
	DueDate       *time.Time `json:"due_date"`
}

// CreateProjectInput is the createProject payload.
type CreateProjectInput struct {
	Budget     int64            `json:"budget"`
	Currency   string           `json:"currency"`
	LendingBps int64            `json:"lending_bps"`
	Milestones []MilestoneInput `json:"milestones"`
}

func (in CreateProjectInput) percentages() []int64 {
	out := make([]int64, len(in.Milestones))
	for i, m := range in.Milestones {
		out[i] = m.PercentageBps
	}
	return out
}

func loadProject(tx *gorm.DB, projectID uuid.UUID) (*domain.Project, error) {
	var p domain.Project
	err := tx.Preload("Milestones", func(db *gorm.DB) *gorm.DB {
		return db.Order("milestone_index ASC")
	}).Where("project_id = ?", projectID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProjectNotFound, projectID)
		}
		return nil, err
	}
	return &p, nil
}

func recordEvent(tx *gorm.DB, projectID uuid.UUID, index *int, eventType, actorID string, data map[string]interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	ev := domain.EscrowEvent{
		ProjectID:      projectID,
		MilestoneIndex: index,
		EventType:      eventType,
		EventData:      datatypes.JSON(raw),
	}
	if actorID != "" {
		ev.ActorID = &actorID
	}
	return tx.Create(&ev).Error
}

// saveMilestone writes m only if the stored row is still in the observed state.
func saveMilestone(tx *gorm.DB, m *domain.Milestone, seen domain.Milestone) error {
	res := tx.Model(&domain.Milestone{}).
		Where("milestone_id = ? AND status = ? AND po_approved = ? AND fl_approved = ?", m.MilestoneID, seen.Status, seen.PoApproved, seen.FlApproved).
		Updates(map[string]interface{}{
			"status":           m.Status,
			"po_approved":      m.PoApproved,
			"fl_approved":      m.FlApproved,
			"submitted_at":     m.SubmittedAt,
			"accepted_at":      m.AcceptedAt,
			"released_at":      m.ReleasedAt,
			"rejection_reason": m.RejectionReason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: milestone %d changed concurrently", domain.ErrInvalidState, m.Index)
	}
	return nil
}

func outcome(command string, err error) {
	switch {
	case err == nil:
		metrics.RecordCommand(command, "ok")
	case errors.Is(err, domain.ErrAlreadyApproved), errors.Is(err, domain.ErrAlreadyReleased), errors.Is(err, domain.ErrReleasePending):
		metrics.RecordCommand(command, "warning")
	case errors.Is(err, domain.ErrNotAuthorized), errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidAllocation), errors.Is(err, domain.ErrProjectNotFound), errors.Is(err, domain.ErrMilestoneNotFound):
		metrics.RecordCommand(command, "rejected")
	default:
		metrics.RecordCommand(command, "error")
	}
}

// CreateProject validates the allocation, funds the escrow and stores the project
// with all of its milestones.
func (s *Service) CreateProject(ctx context.Context, ownerID string, in CreateProjectInput) (p *domain.Project, err error) {
	defer func() { outcome("create_project", err) }()

	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.ErrNotAuthorized
	}
	pcts := in.percentages()
	if err := allocation.Validate(pcts); err != nil {
		return nil, err
	}
	if in.Budget <= 0 {
		return nil, fmt.Errorf("%w: budget must be positive", domain.ErrInvalidInput)
	}
	last := pcts[len(pcts)-1]
	if in.LendingBps < 0 || in.LendingBps > last {
		return nil, fmt.Errorf("%w: lending_bps must be between 0 and the last milestone percentage (%d)", domain.ErrInvalidInput, last)
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.Currency
	}
	if !validation.IsValidCurrency(currency) {
		return nil, fmt.Errorf("%w: invalid currency %q", domain.ErrInvalidInput, currency)
	}
	for i, mi := range in.Milestones {
		if !validation.IsValidTitle(mi.Title) {
			return nil, fmt.Errorf("%w: milestone %d title is too long", domain.ErrInvalidInput, i)
		}
	}

	lending := allocation.ShareOf(in.Budget, in.LendingBps)
	project := domain.Project{
		ProjectID:        uuid.New(),
		CreatorID:        ownerID,
		Status:           domain.ProjectActive,
		Currency:         currency,
		TotalDeposited:   in.Budget,
		VaultBalance:     in.Budget - lending,
		LendingBalance:   lending,
		LendingPrincipal: lending,
		LendingBps:       in.LendingBps,
	}
	for i, mi := range in.Milestones {
		project.Milestones = append(project.Milestones, domain.Milestone{
			Index:         i,
			Title:         strings.TrimSpace(mi.Title),
			PercentageBps: mi.PercentageBps,
			DueDate:       mi.DueDate,
			Status:        domain.MilestonePending,
			IsLast:        i == len(in.Milestones)-1,
		})
	}

	// Funds land first so a rejected deposit leaves nothing to undo.
	if _, err := s.Ledger.Fund(ctx, ledger.FundRequest{
		IdempotencyKey: "fund:" + project.ProjectID.String(),
		ProjectID:      project.ProjectID,
		From:           ownerID,
		Currency:       currency,
		Vault:          project.VaultBalance,
		Lending:        lending,
	}); err != nil {
		return nil, fmt.Errorf("%w: funding: %v", domain.ErrTransferFailed, err)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		return recordEvent(tx, project.ProjectID, nil, domain.EventProjectCreated, ownerID, map[string]interface{}{
			"budget":      in.Budget,
			"currency":    currency,
			"lending_bps": in.LendingBps,
			"percentages": pcts,
		})
	})
	if err != nil {
		log.Error().Err(err).Str("project_id", project.ProjectID.String()).Msg("project funded but not stored")
		return nil, err
	}
	log.Info().Str("project_id", project.ProjectID.String()).Int64("budget", in.Budget).Int("milestones", len(pcts)).Msg("project created")
	return &project, nil
}

// AssignFreelancer lets the owner name the freelancer, once.
func (s *Service) AssignFreelancer(ctx context.Context, actorID string, projectID uuid.UUID, freelancerID string) (p *domain.Project, err error) {
	defer func() { outcome("assign_freelancer", err) }()

	freelancerID = strings.TrimSpace(freelancerID)
	if !validation.IsValidActorID(freelancerID) {
		return nil, fmt.Errorf("%w: invalid freelancer id", domain.ErrInvalidInput)
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		p, err = loadProject(tx, projectID)
		if err != nil {
			return err
		}
		if p.PartyOf(actorID) != domain.PartyOwner {
			return domain.ErrNotAuthorized
		}
		if err := p.AssignFreelancer(freelancerID); err != nil {
			return err
		}
		res := tx.Model(&domain.Project{}).
			Where("project_id = ? AND freelancer_id IS NULL AND status = ?", projectID, domain.ProjectActive).
			Update("freelancer_id", freelancerID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: freelancer already assigned", domain.ErrInvalidState)
		}
		return recordEvent(tx, projectID, nil, domain.EventFreelancerAssigned, actorID, map[string]interface{}{
			"freelancer_id": freelancerID,
		})
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("project_id", projectID.String()).Str("freelancer_id", freelancerID).Msg("freelancer assigned")
	return p, nil
}

// milestoneCommand runs fn under the milestone lock inside one transaction and
// persists the milestone with a compare-and-swap on its previous state.
func (s *Service) milestoneCommand(ctx context.Context, actorID string, projectID uuid.UUID, index int, allowed domain.Party, fn func(tx *gorm.DB, p *domain.Project, m *domain.Milestone) error) (*domain.Milestone, error) {
	var out *domain.Milestone
	err := s.Locker.WithLock(ctx, milestoneKey(projectID, index), func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			p, err := loadProject(tx, projectID)
			if err != nil {
				return err
			}
			if p.PartyOf(actorID) != allowed {
				return domain.ErrNotAuthorized
			}
			m, err := p.Milestone(index)
			if err != nil {
				return err
			}
			if err := p.RequireActive(); err != nil {
				return err
			}
			seen := *m
			if err := fn(tx, p, m); err != nil {
				return err
			}
			if err := saveMilestone(tx, m, seen); err != nil {
				return err
			}
			out = m
			return nil
		})
	})
	return out, err
}

// SubmitMilestone is the freelancer handing in work. Pending only.
func (s *Service) SubmitMilestone(ctx context.Context, actorID string, projectID uuid.UUID, index int) (m *domain.Milestone, err error) {
	defer func() { outcome("submit", err) }()

	m, err = s.milestoneCommand(ctx, actorID, projectID, index, domain.PartyFreelancer, func(tx *gorm.DB, p *domain.Project, m *domain.Milestone) error {
		if err := m.Submit(s.now()); err != nil {
			return err
		}
		return recordEvent(tx, projectID, &m.Index, domain.EventMilestoneSubmitted, actorID, map[string]interface{}{
			"submitted_at": m.SubmittedAt,
			"due_date":     m.DueDate,
		})
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("project_id", projectID.String()).Int("milestone", index).Msg("milestone submitted")
	return m, nil
}

func (s *Service) approveAs(tx *gorm.DB, actorID string, party domain.Party, m *domain.Milestone) error {
	accepted, err := m.Approve(party, s.now())
	if err != nil {
		return err
	}
	if err := recordEvent(tx, m.ProjectID, &m.Index, domain.EventMilestoneApproved, actorID, map[string]interface{}{
		"party": party,
	}); err != nil {
		return err
	}
	if !accepted {
		return nil
	}
	return recordEvent(tx, m.ProjectID, &m.Index, domain.EventMilestoneAccepted, actorID, map[string]interface{}{
		"accepted_at": m.AcceptedAt,
	})
}

// ApproveMilestone records the owner's sign-off. The milestone is accepted
// once the freelancer has confirmed as well.
func (s *Service) ApproveMilestone(ctx context.Context, actorID string, projectID uuid.UUID, index int) (m *domain.Milestone, err error) {
	defer func() { outcome("approve", err) }()

	m, err = s.milestoneCommand(ctx, actorID, projectID, index, domain.PartyOwner, func(tx *gorm.DB, p *domain.Project, m *domain.Milestone) error {
		return s.approveAs(tx, actorID, domain.PartyOwner, m)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("project_id", projectID.String()).Int("milestone", index).Str("status", string(m.Status)).Msg("milestone approved by owner")
	return m, nil
}

// ConfirmMilestone records the freelancer's sign-off.
func (s *Service) ConfirmMilestone(ctx context.Context, actorID string, projectID uuid.UUID, index int) (m *domain.Milestone, err error) {
	defer func() { outcome("confirm", err) }()

	m, err = s.milestoneCommand(ctx, actorID, projectID, index, domain.PartyFreelancer, func(tx *gorm.DB, p *domain.Project, m *domain.Milestone) error {
		return s.approveAs(tx, actorID, domain.PartyFreelancer, m)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("project_id", projectID.String()).Int("milestone", index).Str("status", string(m.Status)).Msg("milestone confirmed by freelancer")
	return m, nil
}

// RejectMilestone sends a submission back to Pending with a reason.
func (s *Service) RejectMilestone(ctx context.Context, actorID string, projectID uuid.UUID, index int, reason string) (m *domain.Milestone, err error) {
	defer func() { outcome("reject", err) }()

	reason = strings.TrimSpace(reason)
	if !validation.IsValidReason(reason) {
		return nil, fmt.Errorf("%w: reason is required and at most %d characters", domain.ErrInvalidInput, validation.MaxReasonLen)
	}
	m, err = s.milestoneCommand(ctx, actorID, projectID, index, domain.PartyOwner, func(tx *gorm.DB, p *domain.Project, m *domain.Milestone) error {
		if err := m.Reject(reason); err != nil {
			return err
		}
		return recordEvent(tx, projectID, &m.Index, domain.EventMilestoneRejected, actorID, map[string]interface{}{
			"reason": reason,
		})
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("project_id", projectID.String()).Int("milestone", index).Msg("milestone rejected")
	return m, nil
}
