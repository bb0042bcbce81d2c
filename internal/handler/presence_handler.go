package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/domain"
	"presence-service/internal/middleware"
	"presence-service/internal/response"
	"presence-service/internal/websocket"
)

// PresenceRegistry is the registry surface used by the polling endpoints.
type PresenceRegistry interface {
	SetOnline(ctx context.Context, userID, orgID uuid.UUID, profile domain.Profile) *domain.PresenceRecord
	UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus, customStatus string) *domain.PresenceRecord
	SetOffline(ctx context.Context, userID uuid.UUID)
	ListOnline(ctx context.Context, orgID uuid.UUID) []domain.PresenceRecord
}

// PresenceHandler serves the polling fallback. Status changes made here are
// announced to the organization room like their websocket counterparts.
type PresenceHandler struct {
	registry  PresenceRegistry
	publisher websocket.Publisher
	logger    *zap.Logger
}

func NewPresenceHandler(registry PresenceRegistry, publisher websocket.Publisher, logger *zap.Logger) *PresenceHandler {
	return &PresenceHandler{
		registry:  registry,
		publisher: publisher,
		logger:    logger,
	}
}

// Heartbeat marks the caller online and refreshes last_seen.
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.SendError(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "User not authenticated")
		return
	}

	var req domain.Heartbeat
	if err := c.ShouldBindJSON(&req); err != nil || req.OrgID == uuid.Nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "org_id is required")
		return
	}
	if req.Status != "" && !req.Status.Settable() {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid status")
		return
	}

	ctx := c.Request.Context()
	record := h.registry.SetOnline(ctx, userID, req.OrgID, req.Profile())
	if req.Status != "" && (req.Status != domain.PresenceStatusOnline || req.CustomStatus != "") {
		if updated := h.registry.UpdateStatus(ctx, userID, req.Status, req.CustomStatus); updated != nil {
			record = updated
		}
	}

	h.announce(ctx, req.OrgID, record.StatusChanged())
	response.NoContent(c)
}

// ListOnline returns the organization's online members.
func (h *PresenceHandler) ListOnline(c *gin.Context) {
	orgID, err := uuid.Parse(c.Query("org_id"))
	if err != nil || orgID == uuid.Nil {
		response.SendError(c, http.StatusBadRequest, response.ErrCodeValidation, "Invalid org_id")
		return
	}

	records := h.registry.ListOnline(c.Request.Context(), orgID)
	entries := make([]domain.PresenceEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, r.Entry())
	}
	response.SendSuccess(c, http.StatusOK, entries)
}

// GoOffline removes the caller's presence. An optional org_id query
// parameter announces the change to that organization.
func (h *PresenceHandler) GoOffline(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.SendError(c, http.StatusUnauthorized, response.ErrCodeUnauthorized, "User not authenticated")
		return
	}

	ctx := c.Request.Context()
	h.registry.SetOffline(ctx, userID)

	if orgID, err := uuid.Parse(c.Query("org_id")); err == nil && orgID != uuid.Nil {
		h.announce(ctx, orgID, &domain.UserStatusChanged{
			UserID: userID,
			Status: domain.PresenceStatusOffline,
		})
	}
	response.NoContent(c)
}

func (h *PresenceHandler) announce(ctx context.Context, orgID uuid.UUID, change *domain.UserStatusChanged) {
	if h.publisher == nil {
		return
	}
	data, err := domain.Encode(change)
	if err != nil {
		h.logger.Error("Failed to encode status change", zap.Error(err))
		return
	}
	if err := h.publisher.Publish(ctx, websocket.Target{Kind: websocket.TargetOrg, ID: orgID}, data); err != nil {
		h.logger.Warn("Failed to announce status change",
			zap.String("orgId", orgID.String()),
			zap.String("userId", change.UserID.String()),
			zap.Error(err))
	}
}
