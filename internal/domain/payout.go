package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PayoutStatus string

const (
	PayoutReserved  PayoutStatus = "reserved"
	PayoutConfirmed PayoutStatus = "confirmed"
	PayoutAborted   PayoutStatus = "aborted"
)

// Payout is the resolved release of one milestone. Amounts are frozen when the
// payout is reserved; retries replay the stored amounts under the same key.
type Payout struct {
	PayoutID             uuid.UUID    `gorm:"column:payout_id;type:uuid;primaryKey" json:"payout_id"`
	ProjectID            uuid.UUID    `gorm:"column:project_id;type:uuid;not null;index" json:"project_id"`
	MilestoneID          uuid.UUID    `gorm:"column:milestone_id;type:uuid;not null;index" json:"milestone_id"`
	MilestoneIndex       int          `gorm:"column:milestone_index;not null" json:"milestone_index"`
	Attempt              int          `gorm:"column:attempt;not null" json:"attempt"`
	IdempotencyKey       string       `gorm:"column:idempotency_key;not null;uniqueIndex" json:"idempotency_key"`
	Currency             string       `gorm:"column:currency;type:varchar(16);not null" json:"currency"`
	VaultShare           int64        `gorm:"column:vault_share;type:bigint;not null" json:"vault_share"`
	CreatorYieldShare    int64        `gorm:"column:creator_yield_share;type:bigint;not null" json:"creator_yield_share"`
	PlatformFeeShare     int64        `gorm:"column:platform_fee_share;type:bigint;not null" json:"platform_fee_share"`
	FreelancerYieldShare int64        `gorm:"column:freelancer_yield_share;type:bigint;not null" json:"freelancer_yield_share"`
	PenaltyBps           int64        `gorm:"column:penalty_bps;not null;default:0" json:"penalty_bps"`
	PenaltyWithheld      int64        `gorm:"column:penalty_withheld;type:bigint;not null;default:0" json:"penalty_withheld"`
	PenaltyToOwner       bool         `gorm:"column:penalty_to_owner;not null;default:false" json:"penalty_to_owner"`
	LendingWithdrawn     int64        `gorm:"column:lending_withdrawn;type:bigint;not null;default:0" json:"lending_withdrawn"`
	ConfirmedOnRelease   bool         `gorm:"column:confirmed_on_release;not null;default:false" json:"confirmed_on_release"`
	Status               PayoutStatus `gorm:"column:status;type:varchar(20);not null" json:"status"`
	LedgerRef            *string      `gorm:"column:ledger_ref" json:"ledger_ref"`
	FailureReason        *string      `gorm:"column:failure_reason" json:"failure_reason"`
	CreatedAt            time.Time    `gorm:"column:createdAt" json:"createdAt"`
	UpdatedAt            time.Time    `gorm:"column:updatedAt" json:"updatedAt"`
}

func (Payout) TableName() string {
	return "Payouts"
}

func (p *Payout) BeforeCreate(tx *gorm.DB) error {
	if p.PayoutID == uuid.Nil {
		p.PayoutID = uuid.New()
	}
	return nil
}

// FreelancerTotal is what the freelancer receives: principal plus (possibly negative) yield, floored at zero.
func (p *Payout) FreelancerTotal() int64 {
	total := p.VaultShare + p.FreelancerYieldShare
	if total < 0 {
		return 0
	}
	return total
}

// OwnerTotal is the creator yield share plus a penalty routed to the owner.
func (p *Payout) OwnerTotal() int64 {
	if p.PenaltyToOwner {
		return p.CreatorYieldShare + p.PenaltyWithheld
	}
	return p.CreatorYieldShare
}

// Total is everything the payout moves out of escrow.
func (p *Payout) Total() int64 {
	return p.FreelancerTotal() + p.OwnerTotal() + p.PlatformFeeShare
}

// VaultWithdrawn is the part of Total drawn from the vault rather than the lending pool.
func (p *Payout) VaultWithdrawn() int64 {
	return p.Total() - p.LendingWithdrawn
}
