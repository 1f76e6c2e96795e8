package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/shelfscope/api/internal/logging"
)

// HealthCheck checks one dependency. A failing critical check turns the
// whole service unhealthy.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type HealthHandler struct {
	checks  []HealthCheck
	timeout time.Duration
}

func NewHealthHandler(checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 3 * time.Second}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	status, code := "ok", fiber.StatusOK
	services := make(fiber.Map, len(h.checks))
	for _, chk := range h.checks {
		err := chk.Check(ctx)
		services[chk.Name] = err == nil
		if err == nil {
			continue
		}
		logging.Warn().Err(err).Str("service", chk.Name).Msg("health check failed")
		if chk.Critical {
			status, code = "unavailable", fiber.StatusServiceUnavailable
		} else if status == "ok" {
			status = "degraded"
		}
	}

	return c.Status(code).JSON(fiber.Map{
		"status":   status,
		"services": services,
	})
}
