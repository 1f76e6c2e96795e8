package handler

import (
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/shelfscope/api/internal/model"
	"github.com/shelfscope/api/internal/service"
	ws "github.com/shelfscope/api/internal/websocket"
	"github.com/shelfscope/api/pkg/response"
)

// EventsHandler attaches websocket observers to job event streams.
type EventsHandler struct {
	service *service.AnalysisService
	hub     *ws.Hub
}

func NewEventsHandler(svc *service.AnalysisService, hub *ws.Hub) *EventsHandler {
	return &EventsHandler{service: svc, hub: hub}
}

// Upgrade rejects plain HTTP requests and unknown jobs before the handshake.
// A finished job gets its session sealed with the stored outcome, so the
// observer receives that frame and a close instead of waiting forever.
func (h *EventsHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	final, err := h.service.Outcome(c.UserContext(), c.Params("jobId"))
	if errors.Is(err, model.ErrJobNotFound) {
		return response.NotFound(c, "Job not found")
	}
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	if final != nil {
		h.hub.Seal(final)
	}
	return c.Next()
}

// Stream handles GET /ws/jobs/:jobId
func (h *EventsHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		h.hub.Serve(c, c.Params("jobId"))
	})
}
