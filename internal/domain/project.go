package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// Party is the role an actor plays on a project.
type Party string

const (
	PartyNone       Party = ""
	PartyOwner      Party = "owner"
	PartyFreelancer Party = "freelancer"
)

// Project is the escrow aggregate root. Balances are book values in the
// settlement currency's smallest unit; live lending value comes from the ledger.
type Project struct {
	ProjectID        uuid.UUID     `gorm:"column:project_id;type:uuid;primaryKey" json:"project_id"`
	CreatorID        string        `gorm:"column:creator_id;not null;index" json:"creator_id"`
	FreelancerID     *string       `gorm:"column:freelancer_id;index" json:"freelancer_id"`
	Status           ProjectStatus `gorm:"column:status;type:varchar(20);not null;default:'active'" json:"status"`
	Currency         string        `gorm:"column:currency;type:varchar(16);not null" json:"currency"`
	TotalDeposited   int64         `gorm:"column:total_deposited;type:bigint;not null" json:"total_deposited"`
	VaultBalance     int64         `gorm:"column:vault_balance;type:bigint;not null" json:"vault_balance"`
	LendingBalance   int64         `gorm:"column:lending_balance;type:bigint;not null" json:"lending_balance"`
	LendingPrincipal int64         `gorm:"column:lending_principal;type:bigint;not null" json:"lending_principal"`
	LendingBps       int64         `gorm:"column:lending_bps;not null;default:0" json:"lending_bps"`
	Milestones       []Milestone   `gorm:"foreignKey:ProjectID;references:ProjectID" json:"milestones,omitempty"`
	CreatedAt        time.Time     `gorm:"column:createdAt" json:"createdAt"`
	UpdatedAt        time.Time     `gorm:"column:updatedAt" json:"updatedAt"`
}

func (Project) TableName() string {
	return "Projects"
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ProjectID == uuid.Nil {
		p.ProjectID = uuid.New()
	}
	return nil
}

// PartyOf resolves an authenticated actor id against the project's parties.
func (p *Project) PartyOf(actorID string) Party {
	if actorID == "" {
		return PartyNone
	}
	if actorID == p.CreatorID {
		return PartyOwner
	}
	if p.FreelancerID != nil && *p.FreelancerID == actorID {
		return PartyFreelancer
	}
	return PartyNone
}

// RequireActive fails with ErrInvalidState once the project reached a terminal status.
func (p *Project) RequireActive() error {
	if p.Status != ProjectActive {
		return fmt.Errorf("%w: project is %s", ErrInvalidState, p.Status)
	}
	return nil
}

// AssignFreelancer sets the freelancer once. Reassignment is not allowed.
func (p *Project) AssignFreelancer(freelancerID string) error {
	if err := p.RequireActive(); err != nil {
		return err
	}
	if freelancerID == "" || freelancerID == p.CreatorID {
		return fmt.Errorf("%w: freelancer must be a different actor than the owner", ErrInvalidInput)
	}
	if p.FreelancerID != nil {
		return fmt.Errorf("%w: freelancer already assigned", ErrInvalidState)
	}
	p.FreelancerID = &freelancerID
	return nil
}

// Complete moves Active -> Completed.
func (p *Project) Complete() error {
	if err := p.RequireActive(); err != nil {
		return err
	}
	p.Status = ProjectCompleted
	return nil
}

// Cancel moves Active -> Cancelled. Not allowed once any milestone was accepted.
func (p *Project) Cancel() error {
	if err := p.RequireActive(); err != nil {
		return err
	}
	for i := range p.Milestones {
		if p.Milestones[i].IsAccepted() {
			return fmt.Errorf("%w: milestone %d already accepted", ErrInvalidState, p.Milestones[i].Index)
		}
	}
	p.Status = ProjectCancelled
	return nil
}

// Milestone returns the milestone at index from the loaded Milestones slice.
func (p *Project) Milestone(index int) (*Milestone, error) {
	for i := range p.Milestones {
		if p.Milestones[i].Index == index {
			return &p.Milestones[i], nil
		}
	}
	return nil, fmt.Errorf("%w: index %d", ErrMilestoneNotFound, index)
}

// PreviousReleased reports whether every milestone before index is released.
func (p *Project) PreviousReleased(index int) bool {
	for i := range p.Milestones {
		if p.Milestones[i].Index < index && p.Milestones[i].Status != MilestoneReleased {
			return false
		}
	}
	return true
}
