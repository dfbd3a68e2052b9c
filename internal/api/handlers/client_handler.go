package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/service"
	"github.com/maheshrc27/brandflow/internal/transfer"
)

type ClientHandler struct {
	brand      service.BrandService
	approvals  service.ApprovalService
	generation service.GenerationService
	onboarding service.OnboardingService
}

func NewClientHandler(brand service.BrandService, approvals service.ApprovalService, generation service.GenerationService, onboarding service.OnboardingService) *ClientHandler {
	return &ClientHandler{brand: brand, approvals: approvals, generation: generation, onboarding: onboarding}
}

func (h *ClientHandler) Routes(r fiber.Router) {
	r.Get("/clients", h.ListClients)
	r.Post("/clients", h.CreateClient)
	r.Get("/clients/:id", h.GetClient)
	r.Delete("/clients/:id", h.DeleteClient)
	r.Post("/clients/:id/attributes/merge", h.MergeAttributes)
	r.Get("/clients/:id/policy", h.Policy)
	r.Get("/clients/:id/posts", h.History)
	r.Get("/clients/:id/candidates", h.Candidates)
	r.Post("/clients/:id/generate", h.Generate)
	r.Get("/clients/:id/preview", h.Preview)
	r.Post("/onboard", h.Onboard)
}

func (h *ClientHandler) ListClients(c *fiber.Ctx) error {
	clients, err := h.brand.List(c.Context())
	if err != nil {
		return errorResponse(c, err)
	}
	out := make([]*models.Client, 0, len(clients))
	for _, cl := range clients {
		out = append(out, redacted(cl))
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

func (h *ClientHandler) GetClient(c *fiber.Ctx) error {
	client, err := h.brand.Get(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(redacted(client))
}

func (h *ClientHandler) CreateClient(c *fiber.Ctx) error {
	var req transfer.CreateClientRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	attrs, err := models.AttributesFromDocument(req.Attrs)
	if err != nil {
		return errorResponse(c, &service.ValidationError{Field: "attributes", Message: err.Error()})
	}
	client, err := h.brand.Create(c.Context(), &models.Client{
		ID:         req.ID,
		Name:       req.Name,
		Website:    req.Website,
		Industry:   req.Industry,
		City:       req.City,
		Attributes: attrs,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(redacted(client))
}

func (h *ClientHandler) DeleteClient(c *fiber.Ctx) error {
	if err := h.brand.Delete(c.Context(), c.Params("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// MergeAttributes applies a partial Brand DNA document. A null value deletes
// the key.
func (h *ClientHandler) MergeAttributes(c *fiber.Ctx) error {
	var patch map[string]any
	if err := c.BodyParser(&patch); err != nil || patch == nil {
		return errorResponse(c, &service.ValidationError{Field: "body", Message: "expected a JSON object"})
	}
	client, err := h.brand.MergeAttributes(c.Context(), c.Params("id"), patch)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(redacted(client))
}

func (h *ClientHandler) Policy(c *fiber.Ctx) error {
	policy, err := h.brand.Policy(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(policy)
}

func (h *ClientHandler) History(c *fiber.Ctx) error {
	posts, err := h.brand.History(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if posts == nil {
		posts = []*models.PublishedPost{}
	}
	return c.Status(fiber.StatusOK).JSON(posts)
}

func (h *ClientHandler) Candidates(c *fiber.Ctx) error {
	var status models.CandidateStatus
	if raw := c.Query("status"); raw != "" {
		s, ok := models.ParseCandidateStatus(raw)
		if !ok {
			return errorResponse(c, &service.ValidationError{Field: "status", Message: "unknown status " + raw})
		}
		status = s
	}
	list, err := h.approvals.ListByClient(c.Context(), c.Params("id"), status)
	if err != nil {
		return errorResponse(c, err)
	}
	if list == nil {
		list = []*models.PostCandidate{}
	}
	return c.Status(fiber.StatusOK).JSON(list)
}

func (h *ClientHandler) Generate(c *fiber.Ctx) error {
	created, err := h.generation.Generate(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if created == nil {
		created = []*models.PostCandidate{}
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"created":    len(created),
		"candidates": created,
	})
}

// Preview drafts candidates for the coming week without storing them.
func (h *ClientHandler) Preview(c *fiber.Ctx) error {
	count := c.QueryInt("count", 0)
	if count > 28 {
		return errorResponse(c, &service.ValidationError{Field: "count", Message: "must be at most 28"})
	}
	drafts, err := h.generation.Preview(c.Context(), c.Params("id"), count)
	if err != nil {
		return errorResponse(c, err)
	}
	if drafts == nil {
		drafts = []*models.PostCandidate{}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count":      len(drafts),
		"candidates": drafts,
	})
}

func (h *ClientHandler) Onboard(c *fiber.Ctx) error {
	var req transfer.OnboardRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	client, err := h.onboarding.Onboard(c.Context(), req.URL)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(transfer.OnboardResponse{
		ClientID: client.ID,
		Name:     client.Name,
	})
}
