package websocket

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/metrics"
)

const sendBufferSize = 256

// OrgRoom is the room every member of an organization joins.
func OrgRoom(orgID uuid.UUID) string { return "org:" + orgID.String() }

// ChannelRoom is the room of one channel.
func ChannelRoom(channelID uuid.UUID) string { return "channel:" + channelID.String() }

// Conn is one authenticated websocket connection as seen by the hub.
type Conn struct {
	ID     uuid.UUID
	UserID uuid.UUID

	send   chan []byte
	rooms  map[string]struct{} // guarded by Hub.mu
	closed bool                // guarded by Hub.mu

	orgMu sync.RWMutex
	orgID uuid.UUID
}

func NewConn(userID uuid.UUID) *Conn {
	return &Conn{
		ID:     uuid.New(),
		UserID: userID,
		send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[string]struct{}),
	}
}

// Send exposes the outbound queue; it is closed when the hub unregisters the connection.
func (c *Conn) Send() <-chan []byte { return c.send }

func (c *Conn) OrgID() uuid.UUID {
	c.orgMu.RLock()
	defer c.orgMu.RUnlock()
	return c.orgID
}

func (c *Conn) setOrgID(orgID uuid.UUID) {
	c.orgMu.Lock()
	c.orgID = orgID
	c.orgMu.Unlock()
}

// Hub tracks connections, their rooms and their users. Delivery never
// blocks: a full send buffer drops the message for that connection.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
	users map[uuid.UUID]map[*Conn]struct{}

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Conn]struct{}),
		users:   make(map[uuid.UUID]map[*Conn]struct{}),
		metrics: m,
		logger:  logger,
	}
}

func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[*Conn]struct{})
	}
	h.users[c.UserID][c] = struct{}{}
	h.mu.Unlock()

	h.metrics.RecordWebSocketConnection()
	h.logger.Debug("Connection registered",
		zap.String("connId", c.ID.String()),
		zap.String("userId", c.UserID.String()))
}

// Unregister removes c from every room and closes its queue. It reports
// whether c was the user's last connection. Calling it twice is a no-op
// that reports false.
func (h *Hub) Unregister(c *Conn) bool {
	h.mu.Lock()
	if c.closed {
		h.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.send)

	for room := range c.rooms {
		h.removeFromRoom(c, room)
	}
	last := false
	if conns, ok := h.users[c.UserID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.UserID)
			last = true
		}
	}
	h.mu.Unlock()

	h.metrics.RecordWebSocketDisconnection()
	h.logger.Debug("Connection unregistered",
		zap.String("connId", c.ID.String()),
		zap.String("userId", c.UserID.String()),
		zap.Bool("lastConnection", last))
	return last
}

func (h *Hub) JoinRoom(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Conn]struct{})
	}
	h.rooms[room][c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) LeaveRoom(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(c, room)
}

func (h *Hub) removeFromRoom(c *Conn, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast queues payload to every connection in room and returns how many
// connections accepted it.
func (h *Hub) Broadcast(room string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.rooms[room] {
		if h.enqueue(c, payload) {
			delivered++
		}
	}
	return delivered
}

// Unicast queues payload to a single connection.
func (h *Hub) Unicast(c *Conn, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enqueue(c, payload)
}

// SendToUser queues payload to each of the user's connections.
func (h *Hub) SendToUser(userID uuid.UUID, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.users[userID] {
		if h.enqueue(c, payload) {
			delivered++
		}
	}
	return delivered
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *Conn, payload []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		h.logger.Warn("Send buffer full, dropping message",
			zap.String("connId", c.ID.String()),
			zap.String("userId", c.UserID.String()))
		return false
	}
}

// RoomSize returns the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Connections returns the number of open connections of a user.
func (h *Hub) Connections(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
