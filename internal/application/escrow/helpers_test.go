package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"milestone-escrow/internal/application/ledger"
	"milestone-escrow/internal/application/penalty"
	"milestone-escrow/internal/domain"
	"milestone-escrow/internal/infrastructure/chain"
	"milestone-escrow/internal/infrastructure/lock"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	owner      = "owner-1"
	freelancer = "freelancer-1"
	stranger   = "stranger-1"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// scriptedLedger wraps the book ledger and can misbehave on Transfer.
type scriptedLedger struct {
	*chain.BookLedger
	mu        sync.Mutex
	mode      string
	transfers int
}

func (l *scriptedLedger) setMode(mode string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mode = mode
}

func (l *scriptedLedger) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error) {
	l.mu.Lock()
	mode := l.mode
	l.transfers++
	l.mu.Unlock()

	switch mode {
	case "reject":
		return ledger.Receipt{}, &ledger.TransferError{Code: "insufficient_funds", Message: "scripted"}
	case "pending":
		return ledger.Receipt{IdempotencyKey: req.IdempotencyKey, Status: ledger.StatusPending}, nil
	case "lost":
		return ledger.Receipt{}, errors.New("connection reset by peer")
	case "ambiguous":
		if _, err := l.BookLedger.Transfer(ctx, req); err != nil {
			return ledger.Receipt{}, err
		}
		return ledger.Receipt{}, errors.New("read timeout")
	}
	return l.BookLedger.Transfer(ctx, req)
}

type fixture struct {
	svc    *Service
	db     *gorm.DB
	ledger *scriptedLedger
	clock  *time.Time
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func setupEscrow(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.Project{}, &domain.Milestone{}, &domain.Payout{}, &domain.EscrowEvent{}))

	now := baseTime
	book := chain.NewBookLedger(db)
	book.Clock = func() time.Time { return now }
	require.NoError(t, book.Migrate())
	l := &scriptedLedger{BookLedger: book}

	svc := &Service{
		DB:              db,
		Ledger:          l,
		Locker:          lock.NewLocalLocker(),
		Penalty:         penalty.Calculator{Policy: penalty.None()},
		Currency:        "usdc",
		PlatformAccount: "platform",
	}
	return &fixture{svc: svc, db: db, ledger: l, clock: &now}
}

func (f *fixture) createProject(t *testing.T, lendingBps int64, pcts ...int64) *domain.Project {
	t.Helper()
	in := CreateProjectInput{Budget: 1_000_000, LendingBps: lendingBps}
	for _, p := range pcts {
		in.Milestones = append(in.Milestones, MilestoneInput{PercentageBps: p})
	}
	p, err := f.svc.CreateProject(context.Background(), owner, in)
	require.NoError(t, err)
	_, err = f.svc.AssignFreelancer(context.Background(), owner, p.ProjectID, freelancer)
	require.NoError(t, err)
	return p
}

// accept drives a milestone to Accepted.
func (f *fixture) accept(t *testing.T, projectID uuid.UUID, index int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.SubmitMilestone(ctx, freelancer, projectID, index)
	require.NoError(t, err)
	_, err = f.svc.ApproveMilestone(ctx, owner, projectID, index)
	require.NoError(t, err)
	m, err := f.svc.ConfirmMilestone(ctx, freelancer, projectID, index)
	require.NoError(t, err)
	require.Equal(t, domain.MilestoneAccepted, m.Status)
}

func (f *fixture) milestone(t *testing.T, projectID uuid.UUID, index int) *domain.Milestone {
	t.Helper()
	m, err := f.svc.GetMilestone(context.Background(), projectID, index)
	require.NoError(t, err)
	return m
}

func (f *fixture) balances(t *testing.T, projectID uuid.UUID) ledger.Balances {
	t.Helper()
	b, err := f.ledger.ReadBalances(context.Background(), projectID)
	require.NoError(t, err)
	return b
}
