package handlers

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/brandflow/internal/models"
	"github.com/maheshrc27/brandflow/internal/service"
	"github.com/maheshrc27/brandflow/internal/transfer"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// GetUserID returns the caller stored by the auth middleware.
func GetUserID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}

// parseBody decodes a JSON body into out and validates it. An empty body
// leaves out untouched so optional payloads can be omitted.
func parseBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(out); err != nil {
			return &service.ValidationError{Field: "body", Message: "malformed JSON"}
		}
	}
	if err := validate.Struct(out); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &service.ValidationError{Field: fe.Field(), Message: "failed " + fe.Tag() + " check"}
		}
		return &service.ValidationError{Message: err.Error()}
	}
	return nil
}

func platformParam(c *fiber.Ctx) (models.Platform, error) {
	p, err := models.ParsePlatform(c.Params("platform"))
	if err != nil {
		return "", &service.ValidationError{Field: "platform", Message: err.Error()}
	}
	return p, nil
}

// errorResponse maps service errors onto HTTP statuses.
func errorResponse(c *fiber.Ctx, err error) error {
	var (
		validationErr *service.ValidationError
		stateErr      *service.InvalidStateError
		platformErr   *service.PlatformError
	)
	switch {
	case errors.As(err, &validationErr):
		return c.Status(fiber.StatusBadRequest).JSON(transfer.ErrorResponse{
			Error: validationErr.Error(),
			Field: validationErr.Field,
		})
	case errors.Is(err, service.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	case errors.As(err, &stateErr):
		return c.Status(fiber.StatusConflict).JSON(transfer.ErrorResponse{
			Error:  stateErr.Error(),
			Status: string(stateErr.Current),
		})
	case errors.As(err, &platformErr):
		slog.Warn(err.Error())
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": platformErr.Error(),
		})
	case errors.Is(err, context.DeadlineExceeded):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{
			"error": "request timed out",
		})
	}
	slog.Error(err.Error())
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}

func redacted(c *models.Client) *models.Client {
	out := *c
	out.Attributes = c.Attributes.Redacted()
	return &out
}
