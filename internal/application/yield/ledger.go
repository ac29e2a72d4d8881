// Package yield projects vault and lending-pool balances into a yield snapshot.
package yield

import (
	"context"
	"errors"
	"fmt"
	"time"

	"milestone-escrow/internal/application/ledger"
	"milestone-escrow/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// Snapshot is a point-in-time view of a project's escrow. It is derived, never stored.
type Snapshot struct {
	ProjectID        uuid.UUID       `json:"project_id"`
	Currency         string          `json:"currency"`
	VaultAmount      int64           `json:"vault_amount"`
	LendingAmount    int64           `json:"lending_amount"`
	LendingPrincipal int64           `json:"lending_principal"`
	Yield            int64           `json:"yield"`
	YieldPercentage  decimal.Decimal `json:"yield_percentage"`
	TotalValue       int64           `json:"total_value"`
	TakenAt          time.Time       `json:"taken_at"`
}

// FromBalances builds a snapshot. YieldPercentage keeps its sign when the pool lost value
// and is zero when there is no principal.
func FromBalances(b ledger.Balances) Snapshot {
	gain := b.Lending - b.LendingPrincipal
	pct := decimal.Zero
	if b.LendingPrincipal != 0 {
		pct = decimal.NewFromInt(gain).Mul(hundred).DivRound(decimal.NewFromInt(b.LendingPrincipal), 2)
	}
	return Snapshot{
		VaultAmount:      b.Vault,
		LendingAmount:    b.Lending,
		LendingPrincipal: b.LendingPrincipal,
		Yield:            gain,
		YieldPercentage:  pct,
		TotalValue:       b.Vault + b.Lending,
	}
}

// PositiveYield is the distributable gain, floored at zero.
func (s Snapshot) PositiveYield() int64 {
	if s.Yield < 0 {
		return 0
	}
	return s.Yield
}

// Loss is the lending-pool loss as a positive amount, zero when the pool gained.
func (s Snapshot) Loss() int64 {
	if s.Yield > 0 {
		return 0
	}
	return -s.Yield
}

// Service reads snapshots for stored projects.
type Service struct {
	DB     *gorm.DB
	Ledger ledger.Ledger
}

// Snapshot fails with ErrProjectNotFound for unknown projects.
func (s *Service) Snapshot(ctx context.Context, projectID uuid.UUID) (Snapshot, error) {
	var project domain.Project
	if err := s.DB.WithContext(ctx).Select("project_id", "currency").Where("project_id = ?", projectID).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{}, fmt.Errorf("%w: %s", domain.ErrProjectNotFound, projectID)
		}
		return Snapshot{}, err
	}
	return s.ForProject(ctx, &project)
}

// ForProject reads live balances for an already loaded project.
func (s *Service) ForProject(ctx context.Context, project *domain.Project) (Snapshot, error) {
	b, err := s.Ledger.ReadBalances(ctx, project.ProjectID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read balances: %w", err)
	}
	snap := FromBalances(b)
	snap.ProjectID = project.ProjectID
	snap.Currency = project.Currency
	snap.TakenAt = s.Ledger.Now().UTC()
	return snap, nil
}
