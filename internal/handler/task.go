package handler

import (
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/clipvote/api/internal/middleware"
	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/internal/service"
	"github.com/clipvote/api/pkg/response"
)

type TaskHandler struct {
	service   *service.TaskService
	validator *validator.Validate
}

func NewTaskHandler(svc *service.TaskService, v *validator.Validate) *TaskHandler {
	return &TaskHandler{
		service:   svc,
		validator: v,
	}
}

// ClaimBundle handles POST /api/tasks/bundle
// @Summary      Claim a bundle
// @Description  Lease up to count tasks as one bundle
// @Tags         Tasks
// @Accept       json
// @Produce      json
// @Param        request body model.ClaimBundleRequest false "Bundle size"
// @Success      200 {object} model.BundleResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/bundle [post]
func (h *TaskHandler) ClaimBundle(c *fiber.Ctx) error {
	var req model.ClaimBundleRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.ClaimBundle(c.UserContext(), middleware.GetContributor(c), req.Count)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// ClaimSingle handles POST /api/tasks/claim
// @Summary      Claim one task
// @Tags         Tasks
// @Produce      json
// @Success      200 {object} model.TaskResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/claim [post]
func (h *TaskHandler) ClaimSingle(c *fiber.Ctx) error {
	result, err := h.service.ClaimSingle(c.UserContext(), middleware.GetContributor(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Heartbeat handles POST /api/tasks/heartbeat
// @Summary      Extend a lease
// @Tags         Tasks
// @Accept       json
// @Produce      json
// @Param        request body model.HeartbeatRequest true "Heartbeat"
// @Success      200 {object} model.HeartbeatResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/heartbeat [post]
func (h *TaskHandler) Heartbeat(c *fiber.Ctx) error {
	var req model.HeartbeatRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Heartbeat(c.UserContext(), middleware.GetContributor(c), &req)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Release handles POST /api/tasks/release
// @Summary      Release a lease
// @Tags         Tasks
// @Accept       json
// @Produce      json
// @Param        request body model.ReleaseRequest true "Release"
// @Success      200 {object} model.ReleaseResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/release [post]
func (h *TaskHandler) Release(c *fiber.Ctx) error {
	var req model.ReleaseRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Release(c.UserContext(), middleware.GetContributor(c), &req)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Submit handles POST /api/tasks/submit
// @Summary      Submit an answer
// @Description  Record a vote on a held lease and fold consensus
// @Tags         Tasks
// @Accept       json
// @Produce      json
// @Param        Idempotency-Key header string false "Idempotency key when not in the body"
// @Param        request body model.SubmitRequest true "Submission"
// @Success      200 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      422 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/submit [post]
func (h *TaskHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.Get("Idempotency-Key"))
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.UserContext(), middleware.GetContributor(c), &req)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Peek handles GET /api/tasks/peek
// @Summary      Pending backlog
// @Tags         Tasks
// @Produce      json
// @Param        task_type query string false "Narrow the wait estimate to one task type"
// @Success      200 {object} model.Backlog
// @Security     BearerAuth
// @Router       /api/tasks/peek [get]
func (h *TaskHandler) Peek(c *fiber.Ctx) error {
	taskType := model.TaskType(c.Query("task_type"))
	if taskType != "" && !slices.Contains(model.ValidTaskTypes, taskType) {
		return response.ValidationError(c, "Unknown task_type", nil)
	}

	result, err := h.service.Peek(c.UserContext(), taskType)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
