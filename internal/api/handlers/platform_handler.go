package handlers

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/gofiber/fiber/v2"
	config "github.com/maheshrc27/brandflow/configs"
	"github.com/maheshrc27/brandflow/internal/service"
	"github.com/maheshrc27/brandflow/internal/transfer"
)

type PlatformHandler struct {
	conns service.ConnectionService
	cfg   config.Config
}

func NewPlatformHandler(conns service.ConnectionService, cfg config.Config) *PlatformHandler {
	return &PlatformHandler{conns: conns, cfg: cfg}
}

// Routes registers the authenticated connection endpoints.
func (h *PlatformHandler) Routes(r fiber.Router) {
	r.Get("/clients/:id/connections", h.ListConnections)
	r.Post("/clients/:id/connections/:platform/select", h.SelectAccount)
	r.Delete("/clients/:id/connections/:platform", h.Disconnect)
}

// OAuthRoutes registers the browser-facing login and callback endpoints.
// The platform redirects back without our session, so the signed state
// carries the client instead.
func (h *PlatformHandler) OAuthRoutes(r fiber.Router) {
	r.Get("/:platform/login", h.Login)
	r.Get("/:platform/callback", h.Callback)
}

func (h *PlatformHandler) Login(c *fiber.Ctx) error {
	p, err := platformParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	clientID := c.Query("client_id")
	if clientID == "" {
		return errorResponse(c, &service.ValidationError{Field: "client_id", Message: "is required"})
	}
	authURL, err := h.conns.AuthURL(c.Context(), clientID, p)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Redirect(authURL, fiber.StatusTemporaryRedirect)
}

func (h *PlatformHandler) Callback(c *fiber.Ctx) error {
	p, err := platformParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if reason := c.Query("error"); reason != "" {
		slog.Info("oauth login declined", "platform", p, "error", reason, "description", c.Query("error_description"))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "authorization was declined",
		})
	}
	client, err := h.conns.HandleCallback(c.Context(), p, c.Query("code"), c.Query("state"))
	if err != nil {
		return errorResponse(c, err)
	}

	status := "connected"
	if !h.conns.IsConnected(client, p) {
		status = "select_account"
	}
	redirectURL := fmt.Sprintf("%s/clients/%s/connections?platform=%s&status=%s",
		h.cfg.FrontendURL, url.PathEscape(client.ID), p, status)
	return c.Redirect(redirectURL, fiber.StatusTemporaryRedirect)
}

func (h *PlatformHandler) ListConnections(c *fiber.Ctx) error {
	statuses, err := h.conns.Connections(c.Context(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(statuses)
}

func (h *PlatformHandler) SelectAccount(c *fiber.Ctx) error {
	p, err := platformParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	var req transfer.SelectAccountRequest
	if err := parseBody(c, &req); err != nil {
		return errorResponse(c, err)
	}
	client, err := h.conns.SelectAccount(c.Context(), c.Params("id"), p, req.AccountID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(redacted(client))
}

func (h *PlatformHandler) Disconnect(c *fiber.Ctx) error {
	p, err := platformParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if _, err := h.conns.Disconnect(c.Context(), c.Params("id"), p); err != nil {
		return errorResponse(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
