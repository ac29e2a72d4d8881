// Package ledger declares the chain/ledger collaborator the escrow engine consumes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Receipt statuses.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// ErrUnknownTransfer is returned by TransferStatus when the ledger never saw the key.
var ErrUnknownTransfer = errors.New("unknown transfer")

// Balances is the live escrow position of a project.
type Balances struct {
	Vault            int64 `json:"vault"`
	Lending          int64 `json:"lending"`
	LendingPrincipal int64 `json:"lending_principal"`
}

// Leg is one credit of a batch transfer. Debits always come out of the project's escrow.
type Leg struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo,omitempty"`
}

// TransferRequest is executed atomically: every leg or none.
// LendingWithdrawal is how much of the batch is drawn from the lending pool; the rest comes from the vault.
type TransferRequest struct {
	IdempotencyKey    string    `json:"idempotency_key"`
	ProjectID         uuid.UUID `json:"project_id"`
	Currency          string    `json:"currency"`
	LendingWithdrawal int64     `json:"lending_withdrawal"`
	CloseLending      bool      `json:"close_lending"`
	Legs              []Leg     `json:"legs"`
}

// Total is the sum of all legs.
func (r TransferRequest) Total() int64 {
	var sum int64
	for _, l := range r.Legs {
		sum += l.Amount
	}
	return sum
}

// FundRequest deposits a project's budget, routing Lending of it into the lending pool.
type FundRequest struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ProjectID      uuid.UUID `json:"project_id"`
	From           string    `json:"from"`
	Currency       string    `json:"currency"`
	Vault          int64     `json:"vault"`
	Lending        int64     `json:"lending"`
}

type Receipt struct {
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
}

// TransferError is a definite rejection: nothing moved.
type TransferError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ledger rejected transfer (%s): %s", e.Code, e.Message)
}

// IsRejection reports whether err is a definite TransferError.
func IsRejection(err error) bool {
	var te *TransferError
	return errors.As(err, &te)
}

// Ledger is the chain collaborator: balance reads, atomic transfers, confirmation lookups and time.
type Ledger interface {
	Fund(ctx context.Context, req FundRequest) (Receipt, error)
	ReadBalances(ctx context.Context, projectID uuid.UUID) (Balances, error)
	Transfer(ctx context.Context, req TransferRequest) (Receipt, error)
	TransferStatus(ctx context.Context, idempotencyKey string) (Receipt, error)
	Now() time.Time
}
