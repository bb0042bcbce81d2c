package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrUnauthorized is a terminal authentication failure. The connection
// manager never retries after it.
var ErrUnauthorized = errors.New("unauthorized")

// ErrHandshake marks a server that answered but refused or botched the
// protocol upgrade. Only these failures count toward the transport error
// threshold; network errors only use up connect attempts.
var ErrHandshake = errors.New("handshake failed")

// ErrChannelClosed is returned by a Channel after Close.
var ErrChannelClosed = errors.New("channel closed")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 8192
)

// Channel is one established primary connection.
type Channel interface {
	Send(ctx context.Context, data []byte) error
	// Receive blocks until the next message or until the channel drops.
	Receive() ([]byte, error)
	Close() error
}

// Transport opens primary connections. Dial must honor ctx cancellation,
// wrap ErrUnauthorized for a rejected credential and ErrHandshake for a
// failed protocol upgrade.
type Transport interface {
	Dial(ctx context.Context) (Channel, error)
}

// WebsocketTransport dials the server's /ws endpoint.
type WebsocketTransport struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewWebsocketTransport derives the websocket URL from the server base URL
// (http→ws, https→wss) and appends /ws.
func NewWebsocketTransport(serverURL, token string, logger *zap.Logger) (*WebsocketTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketTransport{
		url:    u.String(),
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: 45 * time.Second},
		logger: logger,
	}, nil
}

func (t *WebsocketTransport) URL() string { return t.url }

func (t *WebsocketTransport) Dial(ctx context.Context) (Channel, error) {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket handshake: %w", ErrUnauthorized)
		}
		if resp != nil || errors.Is(err, websocket.ErrBadHandshake) {
			return nil, fmt.Errorf("websocket handshake: %w: %w", ErrHandshake, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	ch := &wsChannel{conn: conn}
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		ch.writeMu.Lock()
		defer ch.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	t.logger.Debug("Websocket connected", zap.String("url", t.url))
	return ch, nil
}

type wsChannel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Receive() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
