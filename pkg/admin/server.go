package admin

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/switchboard/pkg/pool"
)

// ServerConfig configures the admin HTTP app.
type ServerConfig struct {
	Facade *Facade
	Logger *zap.Logger

	// APIKey must accompany every admin request, as X-Admin-Key or a
	// bearer token. An empty key disables the surface entirely.
	APIKey string
}

// NewApp builds the fiber app serving the admin API under /api/admin.
func NewApp(cfg *ServerConfig) *fiber.App {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "switchboard-admin",
	})

	h := &handlers{
		facade:   cfg.Facade,
		validate: validator.New(),
	}

	api := app.Group("/api/admin", requireKey(cfg.APIKey), logRequests(logger))
	api.Get("/credentials", h.list)
	api.Post("/credentials", h.add)
	api.Delete("/credentials/:id", h.delete)
	api.Patch("/credentials/:id/disabled", h.setDisabled)
	api.Patch("/credentials/:id/priority", h.setPriority)
	api.Patch("/credentials/:id/proxy", h.setProxy)
	api.Post("/credentials/:id/reset-failure", h.resetFailure)
	api.Get("/credentials/:id/balance", h.balance)
	api.Get("/mode", h.getMode)
	api.Put("/mode", h.setMode)
	api.Get("/cloud-pass", h.cloudPassStatus)
	api.Post("/cloud-pass/refresh", h.refreshCloudPass)

	return app
}

// requireKey authenticates admin calls. The key travels as X-Admin-Key or
// an Authorization bearer token.
func requireKey(apiKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "admin api is not configured",
			})
		}

		presented := c.Get("X-Admin-Key")
		if presented == "" {
			auth := c.Get(fiber.HeaderAuthorization)
			presented = strings.TrimPrefix(auth, "Bearer ")
		}
		if presented != apiKey {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid admin key",
			})
		}

		return c.Next()
	}
}

// logRequests records every authenticated admin call.
func logRequests(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()
		logger.Info("admin request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()))
		return err
	}
}

type handlers struct {
	facade   *Facade
	validate *validator.Validate
}

func (h *handlers) list(c *fiber.Ctx) error {
	return c.JSON(h.facade.List())
}

func (h *handlers) add(c *fiber.Ctx) error {
	var req AddCredentialRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	id, err := h.facade.Add(c.Context(), req)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":      true,
		"credentialId": id,
	})
}

func (h *handlers) delete(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return badRequest(c, "invalid credential id")
	}
	if err := h.facade.Delete(id); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *handlers) setDisabled(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return badRequest(c, "invalid credential id")
	}

	var req struct {
		Disabled *bool `json:"disabled" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.facade.SetDisabled(id, *req.Disabled); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *handlers) setPriority(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return badRequest(c, "invalid credential id")
	}

	var req struct {
		Priority *int `json:"priority" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.facade.SetPriority(id, *req.Priority); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *handlers) setProxy(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return badRequest(c, "invalid credential id")
	}

	var req struct {
		ProxyURL string `json:"proxyUrl" validate:"omitempty,url"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.facade.SetProxy(id, req.ProxyURL); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *handlers) resetFailure(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return badRequest(c, "invalid credential id")
	}
	if err := h.facade.ResetFailure(id); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"success": true})
}

func (h *handlers) balance(c *fiber.Ctx) error {
	id, err := credentialID(c)
	if err != nil {
		return badRequest(c, "invalid credential id")
	}
	balance, err := h.facade.Balance(c.Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(balance)
}

func (h *handlers) getMode(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"mode": h.facade.Mode()})
}

func (h *handlers) setMode(c *fiber.Ctx) error {
	var req struct {
		Mode string `json:"mode" validate:"required"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.facade.SetMode(req.Mode); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"mode": req.Mode})
}

func (h *handlers) cloudPassStatus(c *fiber.Ctx) error {
	return c.JSON(h.facade.CloudPassStatus())
}

func (h *handlers) refreshCloudPass(c *fiber.Ctx) error {
	status, err := h.facade.RefreshCloudPass(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(status)
}

func credentialID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// writeError translates core errors to HTTP statuses: constraint and
// precondition violations are the caller's fault, unknown ids are 404,
// upstream refusals surface as bad gateway, and an empty pool is 503.
func writeError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError

	var pe *pool.Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case pool.KindConflict, pool.KindPrecondition:
			status = fiber.StatusBadRequest
		case pool.KindNotFound:
			status = fiber.StatusNotFound
		case pool.KindRefreshRejected, pool.KindRefreshTransient:
			status = fiber.StatusBadGateway
		case pool.KindNoEligible:
			status = fiber.StatusServiceUnavailable
		}
	}

	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
