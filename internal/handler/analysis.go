package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/shelfscope/api/internal/logging"
	"github.com/shelfscope/api/internal/model"
	"github.com/shelfscope/api/internal/service"
	"github.com/shelfscope/api/pkg/response"
)

type AnalysisHandler struct {
	service   *service.AnalysisService
	validator *validator.Validate
}

func NewAnalysisHandler(svc *service.AnalysisService, v *validator.Validate) *AnalysisHandler {
	return &AnalysisHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/analysis/start
func (h *AnalysisHandler) Start(c *fiber.Ctx) error {
	var req model.AnalysisStartRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.StartAnalysis(c.UserContext(), &req)
	if err != nil {
		return h.fail(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/analysis/status/:jobId
func (h *AnalysisHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		return h.fail(c, err)
	}

	return response.OK(c, result)
}

// Result handles GET /api/analysis/result/:jobId
func (h *AnalysisHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetResult(c.UserContext(), jobID)
	if err != nil {
		return h.fail(c, err)
	}

	return response.OK(c, result)
}

// Detail handles GET /api/analysis/detail/:jobId
func (h *AnalysisHandler) Detail(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetDetail(c.UserContext(), jobID)
	if err != nil {
		return h.fail(c, err)
	}

	return response.OK(c, result)
}

// List handles GET /api/analysis/jobs
func (h *AnalysisHandler) List(c *fiber.Ctx) error {
	var filter model.JobFilter
	if err := c.QueryParser(&filter); err != nil {
		return response.ValidationError(c, "Invalid query parameters", nil)
	}

	if err := h.validator.Struct(&filter); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.ListJobs(c.UserContext(), filter)
	if err != nil {
		return h.fail(c, err)
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/analysis/cancel/:jobId
func (h *AnalysisHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.CancelAnalysis(c.UserContext(), jobID)
	if err != nil {
		return h.fail(c, err)
	}

	return response.OK(c, result)
}

// Active handles GET /api/analysis/active
func (h *AnalysisHandler) Active(c *fiber.Ctx) error {
	return response.OK(c, h.service.ActiveJobs())
}

func (h *AnalysisHandler) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, model.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, model.ErrJobFinished):
		return response.Conflict(c, "Job already finished")
	default:
		logging.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		errs := make(map[string]string)
		for _, e := range validationErrors {
			errs[e.Field()] = e.Tag()
		}
		return errs
	}
	return nil
}
