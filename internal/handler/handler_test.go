package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"presence-service/internal/domain"
	"presence-service/internal/middleware"
	"presence-service/internal/repository"
	"presence-service/internal/service"
	"presence-service/internal/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&domain.PresenceRecord{}))
	return db
}

type published struct {
	target websocket.Target
	event  domain.Payload
}

// recordingPublisher captures announcements.
type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, target websocket.Target, data []byte) error {
	if p.err != nil {
		return p.err
	}
	event, err := domain.Decode(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{target: target, event: event})
	return nil
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

// withUser stands in for AuthMiddleware.
func withUser(userID uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID)
		c.Next()
	}
}

func setupPresenceRouter(t *testing.T, userID uuid.UUID) (*gin.Engine, *service.PresenceService, *recordingPublisher) {
	registry := service.NewPresenceService(repository.NewPresenceRepository(setupTestDB(t)), nil, zap.NewNop(), 0)
	publisher := &recordingPublisher{}
	h := NewPresenceHandler(registry, publisher, zap.NewNop())

	r := gin.New()
	g := r.Group("/api/presence", withUser(userID))
	g.POST("/presence", h.Heartbeat)
	g.GET("/presence", h.ListOnline)
	g.DELETE("/presence", h.GoOffline)
	return r, registry, publisher
}

func doJSON(r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPresenceHandler_HeartbeatListOffline(t *testing.T) {
	userID, orgID := uuid.New(), uuid.New()
	r, _, publisher := setupPresenceRouter(t, userID)

	w := doJSON(r, http.MethodPost, "/api/presence/presence", map[string]interface{}{
		"org_id": orgID, "name": "Kim", "email": "kim@example.com", "photo": "avatars/kim.png",
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(r, http.MethodGet, "/api/presence/presence?org_id="+orgID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Success bool                   `json:"success"`
		Data    []domain.PresenceEntry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Data, 1)
	assert.Equal(t, userID, body.Data[0].UserID)
	assert.Equal(t, "Kim", body.Data[0].User.Name)
	assert.Equal(t, "avatars/kim.png", body.Data[0].User.Photo)

	w = doJSON(r, http.MethodDelete, "/api/presence/presence?org_id="+orgID.String(), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(r, http.MethodGet, "/api/presence/presence?org_id="+orgID.String(), nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Data)

	events := publisher.all()
	require.Len(t, events, 2)
	assert.Equal(t, websocket.Target{Kind: websocket.TargetOrg, ID: orgID}, events[0].target)
	assert.Equal(t, domain.PresenceStatusOnline, events[0].event.(*domain.UserStatusChanged).Status)
	assert.Equal(t, domain.PresenceStatusOffline, events[1].event.(*domain.UserStatusChanged).Status)
}

func TestPresenceHandler_HeartbeatCarriesStatus(t *testing.T) {
	userID, orgID := uuid.New(), uuid.New()
	r, registry, publisher := setupPresenceRouter(t, userID)

	w := doJSON(r, http.MethodPost, "/api/presence/presence", map[string]interface{}{
		"org_id": orgID, "status": "busy", "custom_status": "in a meeting",
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	online := registry.ListOnline(context.Background(), orgID)
	require.Len(t, online, 1)
	assert.Equal(t, domain.PresenceStatusBusy, online[0].Status)
	assert.Equal(t, "in a meeting", online[0].CustomStatus)

	events := publisher.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.PresenceStatusBusy, events[0].event.(*domain.UserStatusChanged).Status)
}

func TestPresenceHandler_Validation(t *testing.T) {
	r, _, _ := setupPresenceRouter(t, uuid.New())

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
	}{
		{"missing org", http.MethodPost, "/api/presence/presence", map[string]string{"name": "x"}},
		{"bad org", http.MethodPost, "/api/presence/presence", map[string]string{"org_id": "nope"}},
		{"bad status", http.MethodPost, "/api/presence/presence", map[string]string{"org_id": uuid.NewString(), "status": "offline"}},
		{"list without org", http.MethodGet, "/api/presence/presence", nil},
		{"list bad org", http.MethodGet, "/api/presence/presence?org_id=abc", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), `"success":false`)
		})
	}
}

func TestPresenceHandler_AnnounceFailureDoesNotFailHeartbeat(t *testing.T) {
	userID, orgID := uuid.New(), uuid.New()
	registry := service.NewPresenceService(repository.NewPresenceRepository(setupTestDB(t)), nil, zap.NewNop(), 0)
	h := NewPresenceHandler(registry, &recordingPublisher{err: errors.New("redis down")}, zap.NewNop())

	r := gin.New()
	r.POST("/presence", withUser(userID), h.Heartbeat)

	w := doJSON(r, http.MethodPost, "/presence", map[string]interface{}{"org_id": orgID})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Len(t, registry.ListOnline(context.Background(), orgID), 1)
}

func TestPresenceHandler_RequiresUser(t *testing.T) {
	h := NewPresenceHandler(&service.PresenceService{}, nil, zap.NewNop())
	r := gin.New()
	r.POST("/presence", h.Heartbeat)
	r.DELETE("/presence", h.GoOffline)

	assert.Equal(t, http.StatusUnauthorized, doJSON(r, http.MethodPost, "/presence", map[string]string{}).Code)
	assert.Equal(t, http.StatusUnauthorized, doJSON(r, http.MethodDelete, "/presence", nil).Code)
}

func TestEventHandler_Publish(t *testing.T) {
	hub := websocket.NewHub(nil, zap.NewNop())
	orgID := uuid.New()
	conn := websocket.NewConn(uuid.New())
	hub.Register(conn)
	hub.JoinRoom(conn, websocket.OrgRoom(orgID))

	r := gin.New()
	r.POST("/internal/events", NewEventHandler(websocket.NewLocalPublisher(hub), zap.NewNop()).Publish)

	event, err := domain.Encode(&domain.NewMeeting{MeetingID: uuid.New(), Title: "Standup"})
	require.NoError(t, err)

	w := doJSON(r, http.MethodPost, "/internal/events", map[string]interface{}{
		"target": "org:" + orgID.String(),
		"event":  json.RawMessage(event),
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case msg := <-conn.Send():
		assert.JSONEq(t, string(event), string(msg))
	default:
		t.Fatal("event was not delivered")
	}
}

func TestEventHandler_RejectsInvalid(t *testing.T) {
	r := gin.New()
	r.POST("/internal/events", NewEventHandler(&recordingPublisher{}, zap.NewNop()).Publish)

	inbound, err := domain.Encode(&domain.JoinChannel{ChannelID: uuid.New()})
	require.NoError(t, err)

	tests := []struct {
		name string
		body interface{}
	}{
		{"bad target", map[string]interface{}{"target": "room:1", "event": json.RawMessage(`{"type":"new_note","payload":{"note_id":"` + uuid.NewString() + `"}}`)}},
		{"unknown type", map[string]interface{}{"target": "user:" + uuid.NewString(), "event": json.RawMessage(`{"type":"surprise"}`)}},
		{"client event", map[string]interface{}{"target": "user:" + uuid.NewString(), "event": json.RawMessage(inbound)}},
		{"missing field", map[string]interface{}{"target": "user:" + uuid.NewString(), "event": json.RawMessage(`{"type":"new_task","payload":{}}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, doJSON(r, http.MethodPost, "/internal/events", tt.body).Code)
		})
	}
}

func TestEventHandler_PublisherFailure(t *testing.T) {
	r := gin.New()
	r.POST("/internal/events", NewEventHandler(&recordingPublisher{err: errors.New("redis down")}, zap.NewNop()).Publish)

	event, err := domain.Encode(&domain.NewNote{NoteID: uuid.New(), Title: "Draft"})
	require.NoError(t, err)

	w := doJSON(r, http.MethodPost, "/internal/events", map[string]interface{}{
		"target": "channel:" + uuid.NewString(),
		"event":  json.RawMessage(event),
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := NewHealthHandler(setupTestDB(t), client)
	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)

	assert.Equal(t, http.StatusOK, doJSON(r, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(r, http.MethodGet, "/ready", nil).Code)

	mr.Close()
	w := doJSON(r, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestHealthHandler_NoDependencies(t *testing.T) {
	r := gin.New()
	r.GET("/ready", NewHealthHandler(nil, nil).Ready)
	assert.Equal(t, http.StatusOK, doJSON(r, http.MethodGet, "/ready", nil).Code)
}
