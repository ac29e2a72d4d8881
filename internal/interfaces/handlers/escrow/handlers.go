package escrow

import (
	"context"
	"errors"
	"strconv"

	escrowsvc "milestone-escrow/internal/application/escrow"
	"milestone-escrow/internal/domain"
	"milestone-escrow/internal/infrastructure/lock"
	"milestone-escrow/internal/middleware"
	"milestone-escrow/internal/pkg/constants"
	"milestone-escrow/internal/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Accruer moves value into or out of a project's lending pool. Only the
// book ledger implements it; gateways accrue on their own.
type Accruer interface {
	Accrue(ctx context.Context, projectID uuid.UUID, delta int64) error
}

type Handlers struct {
	Service    *escrowsvc.Service
	Reconciler *escrowsvc.Reconciler
	Accruer    Accruer
}

// fail maps the escrow error taxonomy to the standard error envelope.
func fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidAllocation), errors.Is(err, domain.ErrInvalidInput):
		return response.Error(c, err.Error(), fiber.StatusBadRequest, nil)
	case errors.Is(err, domain.ErrNotAuthorized):
		return response.Error(c, err.Error(), fiber.StatusForbidden, nil)
	case errors.Is(err, domain.ErrProjectNotFound), errors.Is(err, domain.ErrMilestoneNotFound):
		return response.Error(c, err.Error(), fiber.StatusNotFound, nil)
	case errors.Is(err, domain.ErrInvalidState):
		return response.Error(c, err.Error(), fiber.StatusConflict, nil)
	case errors.Is(err, lock.ErrBusy):
		return response.Error(c, "Milestone is busy, retry shortly", fiber.StatusLocked, nil)
	case errors.Is(err, domain.ErrTransferFailed):
		return response.Error(c, err.Error(), fiber.StatusBadGateway, nil)
	}
	log.Error().Err(err).Str("trace_id", middleware.GetTraceID(c)).Str("path", c.Path()).Msg("escrow request failed")
	return response.Error(c, "Internal Server Error", fiber.StatusInternalServerError, nil)
}

var (
	errBadProjectID = errors.New("Invalid UUID format for project_id")
	errBadIndex     = errors.New("Milestone index must be a non-negative integer")
)

func badRequest(c *fiber.Ctx, err error) error {
	return response.Error(c, err.Error(), fiber.StatusBadRequest, nil)
}

func projectParam(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("project_id"))
	if err != nil {
		return uuid.Nil, errBadProjectID
	}
	return id, nil
}

func milestoneParams(c *fiber.Ctx) (uuid.UUID, int, error) {
	id, err := projectParam(c)
	if err != nil {
		return uuid.Nil, 0, err
	}
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil || index < 0 {
		return uuid.Nil, 0, errBadIndex
	}
	return id, index, nil
}

// CreateProject POST /api/v1/projects
func (h *Handlers) CreateProject(c *fiber.Ctx) error {
	var body escrowsvc.CreateProjectInput
	if err := c.BodyParser(&body); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	if len(body.Milestones) == 0 {
		return response.Error(c, "Missing required fields", fiber.StatusBadRequest, nil)
	}
	p, err := h.Service.CreateProject(c.UserContext(), middleware.ActorID(c), body)
	if err != nil {
		return fail(c, err)
	}
	return response.SuccessCreated(c, "Project created", p, nil)
}

// GetProject GET /api/v1/projects/:project_id
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	id, err := projectParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	p, err := h.Service.GetProject(c.UserContext(), id)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Project retrieved", p, nil)
}

// AssignFreelancer POST /api/v1/projects/:project_id/assign-freelancer
func (h *Handlers) AssignFreelancer(c *fiber.Ctx) error {
	id, err := projectParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	var body struct {
		FreelancerID string `json:"freelancer_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.FreelancerID == "" {
		return response.Error(c, "Missing required fields", fiber.StatusBadRequest, nil)
	}
	p, err := h.Service.AssignFreelancer(c.UserContext(), middleware.ActorID(c), id, body.FreelancerID)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Freelancer assigned", p, nil)
}

// CancelProject POST /api/v1/projects/:project_id/cancel
func (h *Handlers) CancelProject(c *fiber.Ctx) error {
	id, err := projectParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	p, err := h.Service.CancelProject(c.UserContext(), middleware.ActorID(c), id)
	if errors.Is(err, domain.ErrReleasePending) {
		return response.Accepted(c, "Refund submitted, awaiting ledger confirmation", fiber.Map{"project_id": id})
	}
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Project cancelled", p, nil)
}

// YieldSnapshot GET /api/v1/projects/:project_id/yield
func (h *Handlers) YieldSnapshot(c *fiber.Ctx) error {
	id, err := projectParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	snap, err := h.Service.GetYieldSnapshot(c.UserContext(), id)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Yield snapshot", snap, nil)
}

// ListEvents GET /api/v1/projects/:project_id/events
func (h *Handlers) ListEvents(c *fiber.Ctx) error {
	id, err := projectParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	events, err := h.Service.ListEvents(c.UserContext(), id)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Escrow events", events, fiber.Map{"count": len(events)})
}

// ListPayouts GET /api/v1/projects/:project_id/payouts
func (h *Handlers) ListPayouts(c *fiber.Ctx) error {
	id, err := projectParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	payouts, err := h.Service.ListPayouts(c.UserContext(), id)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Payouts", payouts, fiber.Map{"count": len(payouts)})
}

// GetMilestone GET /api/v1/projects/:project_id/milestones/:index
func (h *Handlers) GetMilestone(c *fiber.Ctx) error {
	id, index, err := milestoneParams(c)
	if err != nil {
		return badRequest(c, err)
	}
	m, err := h.Service.GetMilestone(c.UserContext(), id, index)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Milestone retrieved", m, nil)
}

// SubmitMilestone POST /api/v1/projects/:project_id/milestones/:index/submit
func (h *Handlers) SubmitMilestone(c *fiber.Ctx) error {
	id, index, err := milestoneParams(c)
	if err != nil {
		return badRequest(c, err)
	}
	m, err := h.Service.SubmitMilestone(c.UserContext(), middleware.ActorID(c), id, index)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Milestone submitted", m, nil)
}

func (h *Handlers) approval(c *fiber.Ctx, approve func(actorID string, id uuid.UUID, index int) (*domain.Milestone, error)) error {
	id, index, err := milestoneParams(c)
	if err != nil {
		return badRequest(c, err)
	}
	m, err := approve(middleware.ActorID(c), id, index)
	if errors.Is(err, domain.ErrAlreadyApproved) {
		return response.Warning(c, err.Error(), fiber.Map{"project_id": id, "index": index})
	}
	if err != nil {
		return fail(c, err)
	}
	msg := "Approval recorded"
	if m.Status == domain.MilestoneAccepted {
		msg = "Milestone accepted"
	}
	return response.Success(c, msg, m, nil)
}

// ApproveMilestone POST /api/v1/projects/:project_id/milestones/:index/approve
func (h *Handlers) ApproveMilestone(c *fiber.Ctx) error {
	return h.approval(c, func(actorID string, id uuid.UUID, index int) (*domain.Milestone, error) {
		return h.Service.ApproveMilestone(c.UserContext(), actorID, id, index)
	})
}

// ConfirmMilestone POST /api/v1/projects/:project_id/milestones/:index/confirm
func (h *Handlers) ConfirmMilestone(c *fiber.Ctx) error {
	return h.approval(c, func(actorID string, id uuid.UUID, index int) (*domain.Milestone, error) {
		return h.Service.ConfirmMilestone(c.UserContext(), actorID, id, index)
	})
}

// RejectMilestone POST /api/v1/projects/:project_id/milestones/:index/reject
func (h *Handlers) RejectMilestone(c *fiber.Ctx) error {
	id, index, err := milestoneParams(c)
	if err != nil {
		return badRequest(c, err)
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&body); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	m, err := h.Service.RejectMilestone(c.UserContext(), middleware.ActorID(c), id, index, body.Reason)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Milestone rejected", m, nil)
}

// ReleaseMilestone POST /api/v1/projects/:project_id/milestones/:index/release
func (h *Handlers) ReleaseMilestone(c *fiber.Ctx) error {
	id, index, err := milestoneParams(c)
	if err != nil {
		return badRequest(c, err)
	}
	res, err := h.Service.ReleaseMilestone(c.UserContext(), middleware.ActorID(c), id, index)
	switch {
	case errors.Is(err, domain.ErrAlreadyReleased):
		return response.Warning(c, err.Error(), fiber.Map{"project_id": id, "index": index})
	case errors.Is(err, domain.ErrReleasePending):
		return response.Accepted(c, "Release submitted, awaiting ledger confirmation", res)
	case err != nil:
		return fail(c, err)
	}
	return response.Success(c, "Milestone released", res, nil)
}

// WithdrawalPreview GET /api/v1/projects/:project_id/milestones/:index/withdrawal-preview
func (h *Handlers) WithdrawalPreview(c *fiber.Ctx) error {
	id, index, err := milestoneParams(c)
	if err != nil {
		return badRequest(c, err)
	}
	preview, err := h.Service.GetWithdrawalPreview(c.UserContext(), id, index)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Withdrawal preview", preview, nil)
}

// PenaltyPreview GET /api/v1/projects/:project_id/milestones/:index/penalty-preview
func (h *Handlers) PenaltyPreview(c *fiber.Ctx) error {
	id, index, err := milestoneParams(c)
	if err != nil {
		return badRequest(c, err)
	}
	preview, err := h.Service.GetPenaltyPreview(c.UserContext(), id, index)
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Penalty preview", preview, nil)
}

// Reconcile POST /api/v1/admin/reconcile runs one sweep over releases awaiting confirmation.
func (h *Handlers) Reconcile(c *fiber.Ctx) error {
	if h.Reconciler == nil {
		return response.Error(c, "Reconciler not configured", fiber.StatusServiceUnavailable, nil)
	}
	settled, err := h.Reconciler.Sweep(c.UserContext())
	if err != nil {
		return fail(c, err)
	}
	return response.Success(c, "Reconciliation complete", fiber.Map{"settled": settled}, nil)
}

// Accrue POST /api/v1/admin/projects/:project_id/accrue simulates lending-pool yield (delta > 0) or loss (delta < 0).
func (h *Handlers) Accrue(c *fiber.Ctx) error {
	if h.Accruer == nil {
		return response.Error(c, "Accrual is only available with the book ledger", fiber.StatusNotImplemented, nil)
	}
	id, err := projectParam(c)
	if err != nil {
		return badRequest(c, err)
	}
	var body struct {
		Delta int64 `json:"delta"`
	}
	if err := c.BodyParser(&body); err != nil || body.Delta == 0 {
		return response.Error(c, "delta must be a non-zero integer", fiber.StatusBadRequest, nil)
	}
	if _, err := h.Service.GetProject(c.UserContext(), id); err != nil {
		return fail(c, err)
	}
	if err := h.Accruer.Accrue(c.UserContext(), id, body.Delta); err != nil {
		return fail(c, err)
	}
	snap, err := h.Service.GetYieldSnapshot(c.UserContext(), id)
	if err != nil {
		return fail(c, err)
	}
	log.Info().Str("project_id", id.String()).Int64("delta", body.Delta).Str("actor", middleware.ActorID(c)).Msg("lending accrual recorded")
	return response.Success(c, "Accrual recorded", snap, nil)
}

// RegisterAdmin mounts operator routes on an authenticated /api/v1 group.
func (h *Handlers) RegisterAdmin(api fiber.Router) {
	admin := api.Group("/admin")
	admin.Post("/reconcile", middleware.AuthorizePermission(constants.RunReconcile), h.Reconcile)
	admin.Post("/projects/:project_id/accrue", middleware.AuthorizePermission(constants.AccrueYield), h.Accrue)
}

// Register mounts the escrow routes on an authenticated /api/v1 group.
func (h *Handlers) Register(api fiber.Router) {
	projects := api.Group("/projects")
	projects.Post("/", middleware.AuthorizePermission(constants.CreateProject), h.CreateProject)
	projects.Get("/:project_id", h.GetProject)
	projects.Post("/:project_id/assign-freelancer", h.AssignFreelancer)
	projects.Post("/:project_id/cancel", middleware.AuthorizePermission(constants.CancelProject), h.CancelProject)
	projects.Get("/:project_id/yield", h.YieldSnapshot)
	projects.Get("/:project_id/events", h.ListEvents)
	projects.Get("/:project_id/payouts", h.ListPayouts)

	milestones := projects.Group("/:project_id/milestones")
	milestones.Get("/:index", h.GetMilestone)
	milestones.Post("/:index/submit", h.SubmitMilestone)
	milestones.Post("/:index/approve", h.ApproveMilestone)
	milestones.Post("/:index/confirm", h.ConfirmMilestone)
	milestones.Post("/:index/reject", h.RejectMilestone)
	milestones.Post("/:index/release", h.ReleaseMilestone)
	milestones.Get("/:index/withdrawal-preview", h.WithdrawalPreview)
	milestones.Get("/:index/penalty-preview", h.PenaltyPreview)
}
