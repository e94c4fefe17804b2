// Package web provides HTTP handlers and REST API endpoints for automations
// and their runs.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/services"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	automationService *services.Automation
	engine            *workflow.Engine
	validator         *validator.Validate
	registry          *registry.Registry
}

func NewAPIHandlers(
	automationService *services.Automation,
	engine *workflow.Engine,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		automationService: automationService,
		engine:            engine,
		validator:         validator,
		registry:          registry,
	}
}

// Mount registers every route on router.
func (h *APIHandlers) Mount(router fiber.Router) {
	a := router.Group("/automations")
	a.Get("/", h.GetAutomations)
	a.Post("/", h.CreateAutomation)
	a.Get("/:id", h.GetAutomation)
	a.Put("/:id", h.ReplaceAutomation)
	a.Delete("/:id", h.DeleteAutomation)
	a.Post("/:id/activate", h.ActivateAutomation)
	a.Post("/:id/deactivate", h.DeactivateAutomation)
	a.Post("/:id/trigger", h.TriggerAutomation)
	a.Get("/:id/runs", h.GetRunHistory)

	r := router.Group("/runs")
	r.Get("/:id", h.GetRun)
	r.Post("/:id/cancel", h.CancelRun)

	router.Post("/events", h.SubmitEvent)
	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetAutomations(c fiber.Ctx) error {
	req := services.ListAutomationsRequest{OrganizationID: c.Query("organization_id")}

	var err error

	if req.Limit, err = queryInt(c, "limit"); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if req.Offset, err = queryInt(c, "offset"); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.automationService.List(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetAutomation(c fiber.Ctx) error {
	automation, err := h.automationService.FetchByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

func (h *APIHandlers) CreateAutomation(c fiber.Ctx) error {
	var req AutomationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.automationService.Create(c.Context(), req.toModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) ReplaceAutomation(c fiber.Ctx) error {
	var req AutomationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.automationService.Replace(c.Context(), c.Params("id"), req.toModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteAutomation(c fiber.Ctx) error {
	if err := h.automationService.Delete(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ActivateAutomation(c fiber.Ctx) error {
	automation, err := h.automationService.Activate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

func (h *APIHandlers) DeactivateAutomation(c fiber.Ctx) error {
	automation, err := h.automationService.Deactivate(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(automation)
}

// TriggerAutomation runs the automation inline and returns its result.
func (h *APIHandlers) TriggerAutomation(c fiber.Ctx) error {
	var req TriggerRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	result, err := h.engine.TriggerManually(c.Context(), c.Params("id"), req.Payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) GetRunHistory(c fiber.Ctx) error {
	page, err := queryInt(c, "page")
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	limit, err := queryInt(c, "limit")
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	id := c.Params("id")
	if _, err := h.automationService.FetchByID(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	history, err := h.engine.GetRunHistory(c.Context(), id, page, limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(history)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.engine.GetRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

// CancelRun returns 202 when the run is busy and stops at its next step
// boundary, 200 when it was cancelled right away.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")

	if err := h.engine.CancelRun(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	run, err := h.engine.GetRun(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if !run.Status.Terminal() {
		return c.Status(fiber.StatusAccepted).JSON(run)
	}

	return c.JSON(run)
}

func (h *APIHandlers) SubmitEvent(c fiber.Ctx) error {
	var req SubmitEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	id, err := h.engine.SubmitEvent(c.Context(), req.toModel())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(SubmitEventResponse{EventID: id})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	repositoryCheck, repOk := h.automationService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Autoflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Autoflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func queryInt(c fiber.Ctx, key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, nil
	}

	return strconv.Atoi(value)
}
