package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/brandflow/internal/service"
	"github.com/maheshrc27/brandflow/internal/transfer"
)

type CandidateHandler struct {
	approvals  service.ApprovalService
	generation service.GenerationService
	dispatch   service.DispatchService
}

func NewCandidateHandler(approvals service.ApprovalService, generation service.GenerationService, dispatch service.DispatchService) *CandidateHandler {
	return &CandidateHandler{approvals: approvals, generation: generation, dispatch: dispatch}
}

func (h *CandidateHandler) Routes(r fiber.Router) {
	r.Get("/candidates/:id", h.GetCandidate)
	r.Post("/candidates/:id/approve", h.Approve)
	r.Post("/candidates/:id/reject", h.Reject)
	r.Post("/candidates/:id/regenerate", h.Regenerate)
	r.Post("/candidates/:id/dispatch", h.Dispatch)
}

func (h *CandidateHandler) GetCandidate(c *fiber.Ctx) error {
	cand, err := h.approvals.Get(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(cand)
}

func (h *CandidateHandler) Approve(c *fiber.Ctx) error {
	cand, err := h.approvals.Approve(c.Context(), c.Params("id"), GetUserID(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(cand)
}

func (h *CandidateHandler) Reject(c *fiber.Ctx) error {
	var req transfer.RejectRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	cand, err := h.approvals.Reject(c.Context(), c.Params("id"), req.Reason, GetUserID(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(cand)
}

func (h *CandidateHandler) Regenerate(c *fiber.Ctx) error {
	var req transfer.RegenerateRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	cand, err := h.generation.Regenerate(c.Context(), c.Params("id"), req.Instruction)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(cand)
}

// Dispatch runs the publishing gates for an approved candidate right away.
// A gate refusal is a normal outcome and is reported with 200.
func (h *CandidateHandler) Dispatch(c *fiber.Ctx) error {
	res, err := h.dispatch.Dispatch(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	resp := transfer.DispatchResponse{
		Outcome:   string(res.Outcome),
		Reason:    res.Reason,
		Gate:      res.Gate,
		Retryable: res.Retryable,
	}
	if res.RetryAt != nil {
		resp.RetryAt = res.RetryAt.UTC().Format(time.RFC3339)
	}
	if res.Post != nil {
		resp.PostID = res.Post.ID
		if res.Post.ExternalID != nil {
			resp.External = *res.Post.ExternalID
		}
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
