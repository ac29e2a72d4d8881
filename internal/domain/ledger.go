package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LedgerAccount holds the book ledger's view of a project's escrow: vault and lending pool.
type LedgerAccount struct {
	ProjectID        uuid.UUID `gorm:"column:project_id;type:uuid;primaryKey" json:"project_id"`
	Currency         string    `gorm:"column:currency;type:varchar(16);not null" json:"currency"`
	Vault            int64     `gorm:"column:vault;type:bigint;not null;default:0" json:"vault"`
	Lending          int64     `gorm:"column:lending;type:bigint;not null;default:0" json:"lending"`
	LendingPrincipal int64     `gorm:"column:lending_principal;type:bigint;not null;default:0" json:"lending_principal"`
	CreatedAt        time.Time `gorm:"column:createdAt" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"column:updatedAt" json:"updatedAt"`
}

func (LedgerAccount) TableName() string {
	return "LedgerAccounts"
}

// LedgerTransfer is one executed batch on the book ledger, unique per idempotency key.
type LedgerTransfer struct {
	TransferID     uuid.UUID      `gorm:"column:transfer_id;type:uuid;primaryKey" json:"transfer_id"`
	IdempotencyKey string         `gorm:"column:idempotency_key;not null;uniqueIndex" json:"idempotency_key"`
	ProjectID      uuid.UUID      `gorm:"column:project_id;type:uuid;not null;index" json:"project_id"`
	Kind           string         `gorm:"column:kind;type:varchar(20);not null" json:"kind"`
	Currency       string         `gorm:"column:currency;type:varchar(16);not null" json:"currency"`
	Total          int64          `gorm:"column:total;type:bigint;not null" json:"total"`
	Legs           datatypes.JSON `gorm:"column:legs;type:jsonb;not null" json:"legs"`
	Status         string         `gorm:"column:status;type:varchar(20);not null" json:"status"`
	CreatedAt      time.Time      `gorm:"column:createdAt" json:"createdAt"`
}

func (LedgerTransfer) TableName() string {
	return "LedgerTransfers"
}

func (t *LedgerTransfer) BeforeCreate(tx *gorm.DB) error {
	if t.TransferID == uuid.Nil {
		t.TransferID = uuid.New()
	}
	return nil
}
