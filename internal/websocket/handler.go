package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presence-service/internal/domain"
	"presence-service/internal/metrics"
	"presence-service/internal/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192

	handshakeTimeout = 5 * time.Second
	registryTimeout  = 5 * time.Second

	// DefaultTouchPeriod must stay well below the registry's stale_after.
	DefaultTouchPeriod = time.Minute
)

// PresenceRegistry is the part of the presence service the socket layer drives.
type PresenceRegistry interface {
	SetOnline(ctx context.Context, userID, orgID uuid.UUID, profile domain.Profile) *domain.PresenceRecord
	UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus, customStatus string) *domain.PresenceRecord
	Touch(ctx context.Context, userID uuid.UUID) bool
	SetOffline(ctx context.Context, userID uuid.UUID)
	ListOnline(ctx context.Context, orgID uuid.UUID) []domain.PresenceRecord
}

type Handler struct {
	hub       *Hub
	registry  PresenceRegistry
	validator middleware.TokenValidator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	touchPeriod time.Duration
}

func NewHandler(
	hub *Hub,
	registry PresenceRegistry,
	validator middleware.TokenValidator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		hub:       hub,
		registry:  registry,
		validator: validator,
		metrics:   m,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		touchPeriod: DefaultTouchPeriod,
	}
}

// WithTouchPeriod sets how often an open connection refreshes its user's
// last_seen.
func (h *Handler) WithTouchPeriod(d time.Duration) *Handler {
	if d > 0 {
		h.touchPeriod = d
	}
	return h
}

// ServeWS authenticates the handshake once and upgrades the connection.
// The token comes from ?token= or an Authorization bearer header.
func (h *Handler) ServeWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token, _ = middleware.BearerToken(c.GetHeader("Authorization"))
	}
	if token == "" {
		unauthorized(c, "Token required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), handshakeTimeout)
	userID, err := h.validator.ValidateToken(ctx, token)
	cancel()
	if err != nil {
		h.logger.Warn("Rejected websocket handshake", zap.Error(err))
		unauthorized(c, "Invalid token")
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	conn := NewConn(userID)
	h.hub.Register(conn)
	h.logger.Info("WebSocket connected",
		zap.String("connId", conn.ID.String()),
		zap.String("userId", userID.String()))

	go h.writePump(ws, conn)
	go h.readPump(ws, conn)
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   gin.H{"code": "UNAUTHORIZED", "message": message},
	})
}

func (h *Handler) readPump(ws *websocket.Conn, conn *Conn) {
	defer func() {
		h.disconnect(conn)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error", zap.String("connId", conn.ID.String()), zap.Error(err))
			}
			return
		}

		if err := h.dispatch(conn, message); err != nil {
			h.logger.Warn("Rejected inbound event",
				zap.String("connId", conn.ID.String()),
				zap.String("userId", conn.UserID.String()),
				zap.Error(err))
		}
	}
}

func (h *Handler) writePump(ws *websocket.Conn, conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	touch := time.NewTicker(h.touchPeriod)
	defer func() {
		ticker.Stop()
		touch.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-touch.C:
			h.touch(conn)
		}
	}
}

// touch keeps the record of a connected user fresh. Connections that have
// not announced themselves have no record yet.
func (h *Handler) touch(conn *Conn) {
	if conn.OrgID() == uuid.Nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	h.registry.Touch(ctx, conn.UserID)
}

// disconnect unregisters conn; the user's last connection takes them offline.
func (h *Handler) disconnect(conn *Conn) {
	orgID := conn.OrgID()
	if !h.hub.Unregister(conn) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	h.registry.SetOffline(ctx, conn.UserID)

	if orgID != uuid.Nil {
		h.broadcast(OrgRoom(orgID), &domain.UserStatusChanged{
			UserID:   conn.UserID,
			Status:   domain.PresenceStatusOffline,
			LastSeen: time.Now().UTC(),
		})
	}
	h.logger.Info("WebSocket disconnected",
		zap.String("connId", conn.ID.String()),
		zap.String("userId", conn.UserID.String()))
}

// dispatch decodes one inbound frame and applies it.
func (h *Handler) dispatch(conn *Conn, data []byte) error {
	p, err := domain.Decode(data)
	if err != nil {
		reason := "invalid_payload"
		if errors.Is(err, domain.ErrUnknownEvent) {
			reason = "unknown_event"
		}
		h.metrics.RecordEventRejected(reason)
		return err
	}
	if !p.EventType().Inbound() {
		h.metrics.RecordEventRejected("not_inbound")
		return errors.New("server event sent by client: " + string(p.EventType()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	switch e := p.(type) {
	case *domain.JoinOrganization:
		h.joinOrganization(ctx, conn, e.OrgID)
	case *domain.JoinChannel:
		h.hub.JoinRoom(conn, ChannelRoom(e.ChannelID))
	case *domain.LeaveChannel:
		h.hub.LeaveRoom(conn, ChannelRoom(e.ChannelID))
	case *domain.UserOnline:
		conn.setOrgID(e.OrgID)
		record := h.registry.SetOnline(ctx, conn.UserID, e.OrgID, e.Profile())
		if record != nil {
			h.broadcast(OrgRoom(e.OrgID), record.StatusChanged())
		}
	case *domain.UpdateStatus:
		orgID := conn.OrgID()
		if orgID == uuid.Nil {
			h.metrics.RecordEventRejected("no_organization")
			return errors.New("update_status before joining an organization")
		}
		record := h.registry.UpdateStatus(ctx, conn.UserID, e.Status, e.CustomStatus)
		if record != nil {
			h.broadcast(OrgRoom(orgID), record.StatusChanged())
		}
	}
	return nil
}

func (h *Handler) joinOrganization(ctx context.Context, conn *Conn, orgID uuid.UUID) {
	if previous := conn.OrgID(); previous != uuid.Nil && previous != orgID {
		h.hub.LeaveRoom(conn, OrgRoom(previous))
	}
	conn.setOrgID(orgID)
	h.hub.JoinRoom(conn, OrgRoom(orgID))

	records := h.registry.ListOnline(ctx, orgID)
	users := make([]domain.PresenceEntry, 0, len(records))
	for _, r := range records {
		users = append(users, r.Entry())
	}
	h.unicast(conn, &domain.OnlineUsersList{OrgID: orgID, Users: users})
}

func (h *Handler) broadcast(room string, p domain.Payload) {
	data, err := domain.Encode(p)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("type", string(p.EventType())), zap.Error(err))
		return
	}
	h.metrics.RecordEventDelivered(string(p.EventType()), h.hub.Broadcast(room, data))
}

func (h *Handler) unicast(conn *Conn, p domain.Payload) {
	data, err := domain.Encode(p)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("type", string(p.EventType())), zap.Error(err))
		return
	}
	if h.hub.Unicast(conn, data) {
		h.metrics.RecordEventDelivered(string(p.EventType()), 1)
	}
}
