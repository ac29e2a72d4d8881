package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MilestoneStatus string

// Pending -> Submitted -> Accepted -> Releasing -> Released.
// Releasing is the sub-state between ledger submission and confirmation.
const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneAccepted  MilestoneStatus = "accepted"
	MilestoneReleasing MilestoneStatus = "releasing"
	MilestoneReleased  MilestoneStatus = "released"
)

// Milestone is one funded slice of a project. Index is zero-based and never changes.
// PoApproved / FlApproved only carry meaning while Submitted and are cleared on every other state.
type Milestone struct {
	MilestoneID     uuid.UUID       `gorm:"column:milestone_id;type:uuid;primaryKey" json:"milestone_id"`
	ProjectID       uuid.UUID       `gorm:"column:project_id;type:uuid;not null;uniqueIndex:idx_milestone_position" json:"project_id"`
	Index           int             `gorm:"column:milestone_index;not null;uniqueIndex:idx_milestone_position" json:"index"`
	Title           string          `gorm:"column:title" json:"title"`
	PercentageBps   int64           `gorm:"column:percentage_bps;not null" json:"percentage_bps"`
	DueDate         *time.Time      `gorm:"column:due_date" json:"due_date"`
	Status          MilestoneStatus `gorm:"column:status;type:varchar(20);not null;default:'pending'" json:"status"`
	PoApproved      bool            `gorm:"column:po_approved;not null;default:false" json:"po_approved"`
	FlApproved      bool            `gorm:"column:fl_approved;not null;default:false" json:"fl_approved"`
	SubmittedAt     *time.Time      `gorm:"column:submitted_at" json:"submitted_at"`
	AcceptedAt      *time.Time      `gorm:"column:accepted_at" json:"accepted_at"`
	ReleasedAt      *time.Time      `gorm:"column:released_at" json:"released_at"`
	RejectionReason *string         `gorm:"column:rejection_reason" json:"rejection_reason"`
	IsLast          bool            `gorm:"column:is_last;not null;default:false" json:"is_last_milestone"`
	CreatedAt       time.Time       `gorm:"column:createdAt" json:"createdAt"`
	UpdatedAt       time.Time       `gorm:"column:updatedAt" json:"updatedAt"`
}

func (Milestone) TableName() string {
	return "Milestones"
}

func (m *Milestone) BeforeCreate(tx *gorm.DB) error {
	if m.MilestoneID == uuid.Nil {
		m.MilestoneID = uuid.New()
	}
	return nil
}

// SubmissionTime is the unix submission timestamp, 0 when unset.
func (m *Milestone) SubmissionTime() int64 {
	if m.SubmittedAt == nil {
		return 0
	}
	return m.SubmittedAt.Unix()
}

// IsAccepted reports Accepted or any later state.
func (m *Milestone) IsAccepted() bool {
	switch m.Status {
	case MilestoneAccepted, MilestoneReleasing, MilestoneReleased:
		return true
	}
	return false
}

func (m *Milestone) IsReleased() bool {
	return m.Status == MilestoneReleased
}

func (m *Milestone) stateError(expected MilestoneStatus) error {
	return fmt.Errorf("%w: milestone %d is %s, expected %s", ErrInvalidState, m.Index, m.Status, expected)
}

// Submit records the freelancer's submission. Pending only.
func (m *Milestone) Submit(now time.Time) error {
	if m.Status != MilestonePending {
		return m.stateError(MilestonePending)
	}
	at := now.UTC()
	m.Status = MilestoneSubmitted
	m.SubmittedAt = &at
	m.PoApproved = false
	m.FlApproved = false
	return nil
}

// Approve records one party's sign-off. The milestone is accepted once both
// the owner and the freelancer approved; accepted reports that transition.
func (m *Milestone) Approve(by Party, now time.Time) (accepted bool, err error) {
	if m.Status != MilestoneSubmitted {
		return false, m.stateError(MilestoneSubmitted)
	}
	switch by {
	case PartyOwner:
		if m.PoApproved {
			return false, fmt.Errorf("%w: owner already approved milestone %d", ErrAlreadyApproved, m.Index)
		}
		m.PoApproved = true
	case PartyFreelancer:
		if m.FlApproved {
			return false, fmt.Errorf("%w: freelancer already confirmed milestone %d", ErrAlreadyApproved, m.Index)
		}
		m.FlApproved = true
	default:
		return false, ErrNotAuthorized
	}
	if m.PoApproved && m.FlApproved {
		at := now.UTC()
		m.Status = MilestoneAccepted
		m.AcceptedAt = &at
		return true, nil
	}
	return false, nil
}

// Reject sends a submitted milestone back to Pending with a reason the freelancer can see.
func (m *Milestone) Reject(reason string) error {
	if m.Status != MilestoneSubmitted {
		return m.stateError(MilestoneSubmitted)
	}
	m.Status = MilestonePending
	m.SubmittedAt = nil
	m.PoApproved = false
	m.FlApproved = false
	m.RejectionReason = &reason
	return nil
}

// BeginRelease reserves the milestone for payout: Accepted -> Releasing.
func (m *Milestone) BeginRelease() error {
	switch m.Status {
	case MilestoneAccepted:
		m.Status = MilestoneReleasing
		return nil
	case MilestoneReleasing:
		return fmt.Errorf("%w: milestone %d", ErrReleasePending, m.Index)
	case MilestoneReleased:
		return fmt.Errorf("%w: milestone %d", ErrAlreadyReleased, m.Index)
	}
	return m.stateError(MilestoneAccepted)
}

// AbortRelease undoes a reservation after a failed transfer: Releasing -> Accepted.
// With reopenConfirmation the freelancer's sign-off is withdrawn as well,
// leaving Submitted with only the owner's approval.
func (m *Milestone) AbortRelease(reopenConfirmation bool) error {
	if m.Status != MilestoneReleasing {
		return m.stateError(MilestoneReleasing)
	}
	if reopenConfirmation {
		m.Status = MilestoneSubmitted
		m.FlApproved = false
		m.AcceptedAt = nil
		return nil
	}
	m.Status = MilestoneAccepted
	return nil
}

// CompleteRelease marks the confirmed payout: Releasing -> Released. Never reverts.
func (m *Milestone) CompleteRelease(now time.Time) error {
	if m.Status != MilestoneReleasing {
		return m.stateError(MilestoneReleasing)
	}
	at := now.UTC()
	m.Status = MilestoneReleased
	m.ReleasedAt = &at
	return nil
}
