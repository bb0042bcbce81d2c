package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence-service/internal/domain"
)

// fakeChannel is an in-memory Channel. Closing it drops the connection.
type fakeChannel struct {
	mu        sync.Mutex
	sent      [][]byte
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeChannel) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) Receive() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, ErrChannelClosed
	}
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) push(p domain.Payload) {
	data, err := domain.Encode(p)
	if err != nil {
		panic(err)
	}
	c.inbound <- data
}

func (c *fakeChannel) sentTypes() []domain.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]domain.EventType, 0, len(c.sent))
	for _, data := range c.sent {
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

func (c *fakeChannel) sentPayloads() []domain.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Payload, 0, len(c.sent))
	for _, data := range c.sent {
		if p, err := domain.Decode(data); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// fakeTransport hands each Dial to dial with the 1-based attempt number.
type fakeTransport struct {
	mu    sync.Mutex
	dials int
	dial  func(ctx context.Context, n int) (Channel, error)
}

func (t *fakeTransport) Dial(ctx context.Context) (Channel, error) {
	t.mu.Lock()
	t.dials++
	n := t.dials
	t.mu.Unlock()
	return t.dial(ctx, n)
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// blockingDial waits for ctx and reports the cancellation.
func blockingDial(ctx context.Context, _ int) (Channel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakePresenceAPI struct {
	mu           sync.Mutex
	heartbeats   []domain.Heartbeat
	snapshots    int
	offline      int
	entries      []domain.PresenceEntry
	heartbeatErr error
}

func (a *fakePresenceAPI) Heartbeat(ctx context.Context, hb domain.Heartbeat) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.heartbeats = append(a.heartbeats, hb)
	return a.heartbeatErr
}

func (a *fakePresenceAPI) Snapshot(ctx context.Context, orgID uuid.UUID) ([]domain.PresenceEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshots++
	return a.entries, nil
}

func (a *fakePresenceAPI) Offline(ctx context.Context, orgID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offline++
	return nil
}

func (a *fakePresenceAPI) Heartbeats() []domain.Heartbeat {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Heartbeat{}, a.heartbeats...)
}

func (a *fakePresenceAPI) Snapshots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshots
}

func (a *fakePresenceAPI) OfflineCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offline
}

type fakeNotificationStore struct {
	mu      sync.Mutex
	records []domain.NotificationRecord
	calls   []string
	fail    error
	listErr error
}

func (s *fakeNotificationStore) List(ctx context.Context) ([]domain.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "list")
	return append([]domain.NotificationRecord{}, s.records...), s.listErr
}

func (s *fakeNotificationStore) MarkRead(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "mark_read")
	return s.fail
}

func (s *fakeNotificationStore) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "mark_all_read")
	return s.fail
}

func (s *fakeNotificationStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.calls...)
}

func (s *fakeNotificationStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "delete")
	return s.fail
}

// phaseRecorder collects every transition reported by OnPhaseChange.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (r *phaseRecorder) record(p Phase) {
	r.mu.Lock()
	r.phases = append(r.phases, p)
	r.mu.Unlock()
}

func (r *phaseRecorder) Phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase{}, r.phases...)
}

func fastOptions(orgID uuid.UUID) Options {
	return Options{
		ServerURL:               "http://presence.local/api/presence",
		OrgID:                   orgID,
		Profile:                 domain.Profile{DisplayName: "Ari", Email: "ari@example.com"},
		ConnectTimeout:          time.Second,
		GuardTimeout:            5 * time.Second,
		ReconnectDelay:          10 * time.Millisecond,
		MaxReconnectAttempts:    5,
		TransportErrorThreshold: 3,
		PollInterval:            30 * time.Millisecond,
		OfflineTimeout:          200 * time.Millisecond,
	}
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
