// Package chain implements the ledger collaborator: a GORM book for development,
// an HTTP client for a real chain gateway, and a circuit breaker around it.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"milestone-escrow/internal/application/ledger"
	"milestone-escrow/internal/domain"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	kindFund     = "fund"
	kindTransfer = "transfer"
)

// BookLedger keeps escrow balances in the service database. Every batch is
// applied in one transaction and recorded under its idempotency key.
type BookLedger struct {
	DB    *gorm.DB
	Clock func() time.Time
}

func NewBookLedger(db *gorm.DB) *BookLedger {
	return &BookLedger{DB: db, Clock: time.Now}
}

func (b *BookLedger) Now() time.Time {
	if b.Clock == nil {
		return time.Now()
	}
	return b.Clock()
}

func receiptOf(t *domain.LedgerTransfer) ledger.Receipt {
	return ledger.Receipt{
		Reference:      t.TransferID.String(),
		IdempotencyKey: t.IdempotencyKey,
		Status:         t.Status,
	}
}

func (b *BookLedger) existing(tx *gorm.DB, key string) (*domain.LedgerTransfer, error) {
	var t domain.LedgerTransfer
	res := tx.Where("idempotency_key = ?", key).Limit(1).Find(&t)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &t, nil
}

// Fund credits the project's vault and lending pool.
func (b *BookLedger) Fund(ctx context.Context, req ledger.FundRequest) (ledger.Receipt, error) {
	if req.Vault < 0 || req.Lending < 0 {
		return ledger.Receipt{}, &ledger.TransferError{Code: "invalid_amount", Message: "negative funding"}
	}
	var rec ledger.Receipt
	err := b.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := b.existing(tx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if prev != nil {
			rec = receiptOf(prev)
			return nil
		}

		var account domain.LedgerAccount
		res := tx.Where("project_id = ?", req.ProjectID).Limit(1).Find(&account)
		switch {
		case res.Error != nil:
			return res.Error
		case res.RowsAffected == 0:
			account = domain.LedgerAccount{
				ProjectID:        req.ProjectID,
				Currency:         req.Currency,
				Vault:            req.Vault,
				Lending:          req.Lending,
				LendingPrincipal: req.Lending,
			}
			if err := tx.Create(&account).Error; err != nil {
				return err
			}
		default:
			if account.Currency != req.Currency {
				return &ledger.TransferError{Code: "currency_mismatch", Message: fmt.Sprintf("account holds %s", account.Currency)}
			}
			if err := tx.Model(&account).Updates(map[string]interface{}{
				"vault":             gorm.Expr("vault + ?", req.Vault),
				"lending":           gorm.Expr("lending + ?", req.Lending),
				"lending_principal": gorm.Expr("lending_principal + ?", req.Lending),
			}).Error; err != nil {
				return err
			}
		}

		legs, _ := json.Marshal([]ledger.Leg{
			{To: "vault", Amount: req.Vault, Memo: "from " + req.From},
			{To: "lending", Amount: req.Lending, Memo: "from " + req.From},
		})
		t := domain.LedgerTransfer{
			IdempotencyKey: req.IdempotencyKey,
			ProjectID:      req.ProjectID,
			Kind:           kindFund,
			Currency:       req.Currency,
			Total:          req.Vault + req.Lending,
			Legs:           datatypes.JSON(legs),
			Status:         ledger.StatusConfirmed,
		}
		if err := tx.Create(&t).Error; err != nil {
			return err
		}
		rec = receiptOf(&t)
		return nil
	})
	return rec, err
}

// ReadBalances returns zero balances for a project the book never funded.
func (b *BookLedger) ReadBalances(ctx context.Context, projectID uuid.UUID) (ledger.Balances, error) {
	var account domain.LedgerAccount
	res := b.DB.WithContext(ctx).Where("project_id = ?", projectID).Limit(1).Find(&account)
	if res.Error != nil {
		return ledger.Balances{}, res.Error
	}
	if res.RowsAffected == 0 {
		return ledger.Balances{}, nil
	}
	return ledger.Balances{
		Vault:            account.Vault,
		Lending:          account.Lending,
		LendingPrincipal: account.LendingPrincipal,
	}, nil
}

// Transfer debits the lending pool by LendingWithdrawal and the vault by the rest,
// all or nothing. Replaying a key returns the original receipt.
func (b *BookLedger) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error) {
	total := req.Total()
	fromVault := total - req.LendingWithdrawal
	if req.LendingWithdrawal < 0 || fromVault < 0 {
		return ledger.Receipt{}, &ledger.TransferError{Code: "invalid_amount", Message: "lending withdrawal exceeds batch total"}
	}
	for _, l := range req.Legs {
		if l.Amount <= 0 || l.To == "" {
			return ledger.Receipt{}, &ledger.TransferError{Code: "invalid_leg", Message: fmt.Sprintf("leg to %q amount %d", l.To, l.Amount)}
		}
	}

	var rec ledger.Receipt
	err := b.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := b.existing(tx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if prev != nil {
			rec = receiptOf(prev)
			return nil
		}

		principal := gorm.Expr("CASE WHEN lending_principal > ? THEN lending_principal - ? ELSE 0 END", req.LendingWithdrawal, req.LendingWithdrawal)
		if req.CloseLending {
			principal = gorm.Expr("0")
		}
		res := tx.Model(&domain.LedgerAccount{}).
			Where("project_id = ? AND currency = ? AND vault >= ? AND lending >= ?", req.ProjectID, req.Currency, fromVault, req.LendingWithdrawal).
			Updates(map[string]interface{}{
				"vault":             gorm.Expr("vault - ?", fromVault),
				"lending":           gorm.Expr("lending - ?", req.LendingWithdrawal),
				"lending_principal": principal,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &ledger.TransferError{Code: "insufficient_funds", Message: fmt.Sprintf("project %s cannot cover %d", req.ProjectID, total)}
		}

		legs, _ := json.Marshal(req.Legs)
		t := domain.LedgerTransfer{
			IdempotencyKey: req.IdempotencyKey,
			ProjectID:      req.ProjectID,
			Kind:           kindTransfer,
			Currency:       req.Currency,
			Total:          total,
			Legs:           datatypes.JSON(legs),
			Status:         ledger.StatusConfirmed,
		}
		if err := tx.Create(&t).Error; err != nil {
			return err
		}
		rec = receiptOf(&t)
		return nil
	})
	return rec, err
}

func (b *BookLedger) TransferStatus(ctx context.Context, key string) (ledger.Receipt, error) {
	t, err := b.existing(b.DB.WithContext(ctx), key)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if t == nil {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrUnknownTransfer, key)
	}
	return receiptOf(t), nil
}

// Accrue moves the lending pool by delta to simulate yield (positive) or loss (negative).
func (b *BookLedger) Accrue(ctx context.Context, projectID uuid.UUID, delta int64) error {
	res := b.DB.WithContext(ctx).Model(&domain.LedgerAccount{}).
		Where("project_id = ? AND lending + ? >= 0", projectID, delta).
		Update("lending", gorm.Expr("lending + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: no lending position for %s", domain.ErrInvalidInput, projectID)
	}
	return nil
}

// Migrate creates the book tables.
func (b *BookLedger) Migrate() error {
	return b.DB.AutoMigrate(&domain.LedgerAccount{}, &domain.LedgerTransfer{})
}
