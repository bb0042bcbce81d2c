package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"presence-service/internal/domain"
	"presence-service/internal/response"
	"presence-service/internal/websocket"
)

// PublishEventRequest is the body of POST /internal/events.
type PublishEventRequest struct {
	Target string          `json:"target"`
	Event  json.RawMessage `json:"event"`
}

// EventHandler lets other services inject domain events into the bus.
type EventHandler struct {
	publisher websocket.Publisher
	logger    *zap.Logger
}

func NewEventHandler(publisher websocket.Publisher, logger *zap.Logger) *EventHandler {
	return &EventHandler{publisher: publisher, logger: logger}
}

func (h *EventHandler) Publish(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid request body")
		return
	}

	target, err := websocket.ParseTarget(req.Target)
	if err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, err.Error())
		return
	}

	payload, err := websocket.ValidateEvent(req.Event)
	if err != nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, err.Error())
		return
	}

	if err := h.publisher.Publish(c.Request.Context(), target, req.Event); err != nil {
		if errors.Is(err, domain.ErrUnknownEvent) || errors.Is(err, domain.ErrInvalidPayload) {
			response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, err.Error())
			return
		}
		h.logger.Error("Failed to publish event",
			zap.String("type", string(payload.EventType())),
			zap.String("target", target.String()),
			zap.Error(err))
		response.SendError(c, http.StatusInternalServerError, response.ErrCodeInternal, "Failed to publish event")
		return
	}

	h.logger.Debug("Event accepted",
		zap.String("type", string(payload.EventType())),
		zap.String("target", target.String()))
	response.SendSuccess(c, http.StatusAccepted, gin.H{"type": payload.EventType(), "target": target.String()})
}
