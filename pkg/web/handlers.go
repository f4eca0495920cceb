// Package web provides the REST API over the engine: deployments, process
// instances, event correlation and state migration.
package web

import (
	"net/http"
	"time"

	"github.com/dukex/procession/pkg/deploy"
	"github.com/dukex/procession/pkg/migration"
	"github.com/dukex/procession/pkg/models"
	"github.com/dukex/procession/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	process   *services.Process
	deployer  *deploy.Deployer
	validator *validator.Validate
}

func NewAPIHandlers(process *services.Process, deployer *deploy.Deployer, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		process:   process,
		deployer:  deployer,
		validator: validator,
	}
}

// RegisterRoutes mounts every endpoint on the app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Post("/definitions", h.DeployDefinition)

	app.Post("/process-instances", h.StartInstance)
	app.Get("/process-instances/:id", h.GetInstanceState)
	app.Get("/process-instances/:id/subscriptions", h.GetInstanceSubscriptions)
	app.Post("/process-instances/:id/migration", h.ChangeState)

	app.Post("/messages", h.CorrelateMessage)
	app.Post("/signals", h.BroadcastSignal)
	app.Post("/errors", h.ThrowError)
	app.Post("/faults", h.ThrowFault)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	detail, healthy := h.process.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if healthy {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": detail,
		},
		"timestamp": time.Now().UTC(),
	})
}

// DeployDefinition accepts raw definition JSON, validates it and deploys the
// next version of its key.
func (h *APIHandlers) DeployDefinition(c fiber.Ctx) error {
	definition, err := h.deployer.Deploy(c.Context(), c.Body())
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(definition)
}

func (h *APIHandlers) StartInstance(c fiber.Ctx) error {
	var req StartInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	root, err := h.process.StartInstance(c.Context(), req.DefinitionKey, req.Version, req.TenantID, req.Variables)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(root)
}

func (h *APIHandlers) GetInstanceState(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Process instance ID is required")
	}

	executions, err := h.process.InstanceState(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{
		"process_instance_id": id,
		"executions":          executions,
	})
}

func (h *APIHandlers) GetInstanceSubscriptions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Process instance ID is required")
	}

	subscriptions, err := h.process.InstanceSubscriptions(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(fiber.Map{
		"process_instance_id": id,
		"subscriptions":       subscriptions,
	})
}

func (h *APIHandlers) ChangeState(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Process instance ID is required")
	}

	var req models.ChangeStateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	req.ProcessInstanceID = id

	if err := migration.ChangeState(c.Context(), h.process.Engine(), &req); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CorrelateMessage(c fiber.Ctx) error {
	var req CorrelateMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.process.CorrelateMessage(c.Context(), req.Name, req.ProcessInstanceID, req.TenantID, req.Variables, req.Async)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) BroadcastSignal(c fiber.Ctx) error {
	var req BroadcastSignalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.process.BroadcastSignal(c.Context(), req.Name, req.TenantID, req.ProcessInstanceID, req.Variables, req.Async)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ThrowError(c fiber.Ctx) error {
	var req ThrowErrorRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.process.ThrowError(c.Context(), req.ExecutionID, req.ErrorCode); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ThrowFault(c fiber.Ctx) error {
	var req ThrowFaultRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	fault := &models.Fault{
		Type:      req.FaultType,
		Ancestors: req.Ancestors,
		Message:   req.Message,
	}

	if err := h.process.ThrowFault(c.Context(), req.ExecutionID, fault); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}
