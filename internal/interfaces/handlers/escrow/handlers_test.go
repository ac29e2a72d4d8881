package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	escrowsvc "milestone-escrow/internal/application/escrow"
	"milestone-escrow/internal/application/ledger"
	"milestone-escrow/internal/application/penalty"
	"milestone-escrow/internal/domain"
	"milestone-escrow/internal/infrastructure/chain"
	"milestone-escrow/internal/infrastructure/lock"
	"milestone-escrow/internal/pkg/constants"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	owner      = "owner-1"
	freelancer = "freelancer-1"
	stranger   = "stranger-1"
)

// switchLedger lets a test force the outcome of the next transfers.
type switchLedger struct {
	*chain.BookLedger
	mode string
}

func (l *switchLedger) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error) {
	switch l.mode {
	case "reject":
		return ledger.Receipt{}, &ledger.TransferError{Code: "insufficient_funds", Message: "test"}
	case "pending":
		return ledger.Receipt{IdempotencyKey: req.IdempotencyKey, Status: ledger.StatusPending}, nil
	}
	return l.BookLedger.Transfer(ctx, req)
}

type testEnv struct {
	app    *fiber.App
	ledger *switchLedger
}

func setupEscrowHandlers(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.Project{}, &domain.Milestone{}, &domain.Payout{}, &domain.EscrowEvent{}))
	book := chain.NewBookLedger(db)
	require.NoError(t, book.Migrate())
	l := &switchLedger{BookLedger: book}

	svc := &escrowsvc.Service{
		DB:              db,
		Ledger:          l,
		Locker:          lock.NewLocalLocker(),
		Penalty:         penalty.Calculator{Policy: penalty.None()},
		Currency:        "usdc",
		PlatformAccount: "platform",
	}
	h := &Handlers{Service: svc, Reconciler: &escrowsvc.Reconciler{Service: svc}, Accruer: book}

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if id := c.Get("X-Test-User"); id != "" {
			role := c.Get("X-Test-Role")
			if role == "" {
				role = constants.Member
			}
			c.Locals("user", map[string]interface{}{"user_id": id, "role": role})
		}
		return c.Next()
	})
	api := app.Group("/api/v1")
	h.Register(api)
	h.RegisterAdmin(api)
	return &testEnv{app: app, ledger: l}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Message    string `json:"message"`
		StatusCode int    `json:"statusCode"`
	} `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, actor string, body interface{}) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Test-User", actor)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	var out envelope
	raw, _ := io.ReadAll(resp.Body)
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return resp.StatusCode, out
}

func (e *testEnv) createProject(t *testing.T, pcts ...int64) string {
	t.Helper()
	ms := make([]map[string]interface{}, 0, len(pcts))
	for _, p := range pcts {
		ms = append(ms, map[string]interface{}{"percentage": p})
	}
	code, out := e.do(t, http.MethodPost, "/api/v1/projects", owner, map[string]interface{}{
		"budget":     1_000_000,
		"milestones": ms,
	})
	require.Equal(t, fiber.StatusCreated, code, out.Error.Message)
	var p domain.Project
	require.NoError(t, json.Unmarshal(out.Data, &p))

	code, out = e.do(t, http.MethodPost, "/api/v1/projects/"+p.ProjectID.String()+"/assign-freelancer", owner, map[string]string{"freelancer_id": freelancer})
	require.Equal(t, fiber.StatusOK, code, out.Error.Message)
	return p.ProjectID.String()
}

func (e *testEnv) accept(t *testing.T, base string) {
	t.Helper()
	code, _ := e.do(t, http.MethodPost, base+"/submit", freelancer, nil)
	require.Equal(t, fiber.StatusOK, code)
	code, _ = e.do(t, http.MethodPost, base+"/approve", owner, nil)
	require.Equal(t, fiber.StatusOK, code)
	code, out := e.do(t, http.MethodPost, base+"/confirm", freelancer, nil)
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "Milestone accepted", out.Message)
}

func TestMilestoneLifecycle(t *testing.T) {
	env := setupEscrowHandlers(t)
	id := env.createProject(t, 5000, 5000)
	base := "/api/v1/projects/" + id + "/milestones/0"

	code, _ := env.do(t, http.MethodPost, base+"/submit", freelancer, nil)
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, base+"/approve", owner, nil)
	assert.Equal(t, fiber.StatusOK, code)

	// second approval by the owner is a warning, not a failure
	code, out := env.do(t, http.MethodPost, base+"/approve", owner, nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "warning", out.Status)

	code, out = env.do(t, http.MethodPost, base+"/release", freelancer, nil)
	require.Equal(t, fiber.StatusOK, code, out.Error.Message)
	assert.Equal(t, "success", out.Status)
	var res escrowsvc.ReleaseResult
	require.NoError(t, json.Unmarshal(out.Data, &res))
	assert.Equal(t, domain.MilestoneReleased, res.Milestone.Status)
	assert.Equal(t, int64(500_000), res.Payout.VaultShare)

	code, out = env.do(t, http.MethodPost, base+"/release", freelancer, nil)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, "warning", out.Status)

	code, out = env.do(t, http.MethodGet, "/api/v1/projects/"+id+"/payouts", owner, nil)
	assert.Equal(t, fiber.StatusOK, code)
	var payouts []domain.Payout
	require.NoError(t, json.Unmarshal(out.Data, &payouts))
	require.Len(t, payouts, 1)
	assert.Equal(t, domain.PayoutConfirmed, payouts[0].Status)

	code, out = env.do(t, http.MethodGet, "/api/v1/projects/"+id+"/events", owner, nil)
	assert.Equal(t, fiber.StatusOK, code)
	var events []domain.EscrowEvent
	require.NoError(t, json.Unmarshal(out.Data, &events))
	assert.NotEmpty(t, events)
	assert.Equal(t, domain.EventProjectCreated, events[0].EventType)

	code, _ = env.do(t, http.MethodGet, base, stranger, nil)
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/projects/"+id+"/yield", owner, nil)
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/projects/"+id+"/milestones/1/withdrawal-preview", freelancer, nil)
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = env.do(t, http.MethodGet, "/api/v1/projects/"+id+"/milestones/1/penalty-preview", freelancer, nil)
	assert.Equal(t, fiber.StatusOK, code)
}

func TestErrorMapping(t *testing.T) {
	env := setupEscrowHandlers(t)
	id := env.createProject(t, 10000)
	base := "/api/v1/projects/" + id + "/milestones/0"

	code, out := env.do(t, http.MethodPost, "/api/v1/projects", owner, map[string]interface{}{
		"budget":     1000,
		"milestones": []map[string]interface{}{{"percentage": 6000}, {"percentage": 3000}},
	})
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Equal(t, "error", out.Status)

	code, _ = env.do(t, http.MethodGet, "/api/v1/projects/not-a-uuid", owner, nil)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/api/v1/projects/"+uuid.NewString(), owner, nil)
	assert.Equal(t, fiber.StatusNotFound, code)

	code, _ = env.do(t, http.MethodGet, "/api/v1/projects/"+id+"/milestones/-1", owner, nil)
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/api/v1/projects/"+id+"/milestones/3", owner, nil)
	assert.Equal(t, fiber.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, base+"/submit", stranger, nil)
	assert.Equal(t, fiber.StatusForbidden, code)

	code, _ = env.do(t, http.MethodPost, base+"/submit", freelancer, nil)
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = env.do(t, http.MethodPost, base+"/submit", freelancer, nil)
	assert.Equal(t, fiber.StatusConflict, code)

	code, _ = env.do(t, http.MethodPost, base+"/reject", owner, map[string]string{"reason": ""})
	assert.Equal(t, fiber.StatusBadRequest, code)
	code, out = env.do(t, http.MethodPost, base+"/reject", owner, map[string]string{"reason": "missing tests"})
	assert.Equal(t, fiber.StatusOK, code)
	var m domain.Milestone
	require.NoError(t, json.Unmarshal(out.Data, &m))
	assert.Equal(t, domain.MilestonePending, m.Status)
}

func TestRelease_TransferFailedAndPending(t *testing.T) {
	env := setupEscrowHandlers(t)
	id := env.createProject(t, 5000, 5000)
	base := "/api/v1/projects/" + id + "/milestones/0"
	env.accept(t, base)

	env.ledger.mode = "reject"
	code, out := env.do(t, http.MethodPost, base+"/release", freelancer, nil)
	assert.Equal(t, fiber.StatusBadGateway, code)
	assert.Equal(t, "error", out.Status)

	env.ledger.mode = "pending"
	code, out = env.do(t, http.MethodPost, base+"/release", freelancer, nil)
	assert.Equal(t, fiber.StatusAccepted, code)
	assert.Equal(t, "success", out.Status)

	code, out = env.do(t, http.MethodGet, base, freelancer, nil)
	require.Equal(t, fiber.StatusOK, code)
	var m domain.Milestone
	require.NoError(t, json.Unmarshal(out.Data, &m))
	assert.Equal(t, domain.MilestoneReleasing, m.Status)

	// the pending transfer never reached the book; the sweep resubmits it
	env.ledger.mode = ""
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile", nil)
	req.Header.Set("X-Test-User", "ops-1")
	req.Header.Set("X-Test-Role", constants.Operator)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	code, out = env.do(t, http.MethodGet, base, freelancer, nil)
	require.Equal(t, fiber.StatusOK, code)
	require.NoError(t, json.Unmarshal(out.Data, &m))
	assert.Equal(t, domain.MilestoneReleased, m.Status)
}

func TestCancelProject_RequiresOwner(t *testing.T) {
	env := setupEscrowHandlers(t)
	id := env.createProject(t, 10000)

	code, _ := env.do(t, http.MethodPost, "/api/v1/projects/"+id+"/cancel", freelancer, nil)
	assert.Equal(t, fiber.StatusForbidden, code)

	code, out := env.do(t, http.MethodPost, "/api/v1/projects/"+id+"/cancel", owner, nil)
	require.Equal(t, fiber.StatusOK, code, out.Error.Message)
	var p domain.Project
	require.NoError(t, json.Unmarshal(out.Data, &p))
	assert.Equal(t, domain.ProjectCancelled, p.Status)
	assert.Zero(t, p.VaultBalance)
}

func TestAccrue_AdminOnly(t *testing.T) {
	env := setupEscrowHandlers(t)
	id := env.createProject(t, 5000, 5000)

	code, out := env.do(t, http.MethodPost, "/api/v1/admin/projects/"+id+"/accrue", owner, map[string]int64{"delta": 10_000})
	assert.Equal(t, fiber.StatusForbidden, code, out.Message)

	b, _ := json.Marshal(map[string]int64{"delta": 10_000})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/projects/"+id+"/accrue", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", "admin-1")
	req.Header.Set("X-Test-Role", constants.Admin)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestReconcile_RequiresOperator(t *testing.T) {
	env := setupEscrowHandlers(t)
	code, _ := env.do(t, http.MethodPost, "/api/v1/admin/reconcile", owner, nil)
	assert.Equal(t, fiber.StatusForbidden, code)
}
