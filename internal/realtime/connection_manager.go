package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/domain"
	"presence-service/internal/governor"
)

type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Degraded
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var (
	ErrAlreadyStarted = errors.New("connection manager already started")
	ErrNotConnected   = errors.New("not connected")

	errGuardExpired = errors.New("guard timeout")
)

// PresenceAPI is the polling fallback of the presence server.
type PresenceAPI interface {
	Heartbeat(ctx context.Context, hb domain.Heartbeat) error
	Snapshot(ctx context.Context, orgID uuid.UUID) ([]domain.PresenceEntry, error)
	Offline(ctx context.Context, orgID uuid.UUID) error
}

type Options struct {
	ServerURL         string
	ForcePollingHosts []string
	OrgID             uuid.UUID
	Profile           domain.Profile

	ConnectTimeout          time.Duration
	GuardTimeout            time.Duration
	ReconnectDelay          time.Duration
	MaxReconnectAttempts    int
	TransportErrorThreshold int
	PollInterval            time.Duration
	OfflineTimeout          time.Duration
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.GuardTimeout <= 0 {
		o.GuardTimeout = 20 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.TransportErrorThreshold <= 0 {
		o.TransportErrorThreshold = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.OfflineTimeout <= 0 {
		o.OfflineTimeout = 2 * time.Second
	}
	return o
}

// forcePolling reports whether the server host is configured to skip the
// primary transport.
func (o Options) forcePolling() bool {
	u, err := url.Parse(o.ServerURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	for _, h := range o.ForcePollingHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

// ConnectionManager keeps one live channel to the server, falling back to
// polling (Degraded) when the primary transport keeps failing. Degraded is
// sticky until Close.
type ConnectionManager struct {
	opts       Options
	transport  Transport
	api        PresenceAPI
	reconciler *Reconciler
	notifier   *Notifier
	logger     *zap.Logger

	mu              sync.Mutex
	phase           Phase
	channel         Channel
	channels        map[uuid.UUID]struct{}
	status          domain.PresenceStatus
	customStatus    string
	transportErrors int
	listeners       []func(Phase)
	cancel          context.CancelFunc
	started         bool
	closing         bool
	closed          bool

	wg sync.WaitGroup
}

func NewConnectionManager(
	opts Options,
	transport Transport,
	api PresenceAPI,
	reconciler *Reconciler,
	notifier *Notifier,
	logger *zap.Logger,
) *ConnectionManager {
	if reconciler == nil {
		reconciler = NewReconciler()
	}
	if notifier == nil {
		notifier = NewNotifier(NotifierOptions{}, nil, logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{
		opts:       opts.withDefaults(),
		transport:  transport,
		api:        api,
		reconciler: reconciler,
		notifier:   notifier,
		logger:     logger,
		channels:   make(map[uuid.UUID]struct{}),
		status:     domain.PresenceStatusOnline,
	}
}

func (m *ConnectionManager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// OnPhaseChange registers fn to be called after every phase transition.
func (m *ConnectionManager) OnPhaseChange(fn func(Phase)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// setPhase moves to p unless the manager is closed. Listeners run outside the lock.
func (m *ConnectionManager) setPhase(p Phase) bool {
	m.mu.Lock()
	if m.closed || m.phase == p {
		m.mu.Unlock()
		return false
	}
	from := m.phase
	m.phase = p
	listeners := append([]func(Phase){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Info("Connection phase changed",
		zap.Stringer("from", from),
		zap.Stringer("to", p))
	for _, fn := range listeners {
		fn(p)
	}
	return true
}

// Start begins connecting in the background. The session lives until Close
// or until ctx is cancelled.
func (m *ConnectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.closing {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	sessionCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	if m.opts.forcePolling() || m.transport == nil {
		m.logger.Info("Primary transport skipped, polling only", zap.String("server", m.opts.ServerURL))
		go func() {
			defer m.wg.Done()
			m.degrade(sessionCtx)
		}()
		return nil
	}

	m.setPhase(Connecting)
	go func() {
		defer m.wg.Done()
		m.run(sessionCtx)
	}()
	return nil
}

// run drives Connecting and Connected until the session ends, auth fails or
// the manager degrades.
func (m *ConnectionManager) run(ctx context.Context) {
	var delay time.Duration
	for {
		ch, err := m.connect(ctx, delay)
		switch {
		case ctx.Err() != nil:
			if ch != nil {
				ch.Close()
			}
			return
		case errors.Is(err, ErrUnauthorized):
			m.notifier.AuthFailed("Your session has expired. Please sign in again.")
			m.setPhase(Disconnected)
			return
		case err != nil:
			m.logger.Warn("Primary transport unavailable, switching to polling", zap.Error(err))
			m.degrade(ctx)
			return
		}

		m.onConnected(ctx, ch)
		err = m.readLoop(ctx, ch)

		m.mu.Lock()
		if m.channel == ch {
			m.channel = nil
		}
		m.mu.Unlock()
		ch.Close()

		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("Connection dropped", zap.Error(err))
		m.setPhase(Connecting)
		delay = m.opts.ReconnectDelay
	}
}

// connect makes attempts, delay apart, until one succeeds. It fails on auth
// errors, when attempts or handshake failures run out, or when the guard
// expires. The guard covers the whole Connecting phase. Handshake failures
// are counted across attempts until a connection is established.
func (m *ConnectionManager) connect(ctx context.Context, delay time.Duration) (Channel, error) {
	guardCtx, stopGuard := context.WithTimeoutCause(ctx, m.opts.GuardTimeout, errGuardExpired)
	defer stopGuard()

	attempts := 0
	for {
		if delay > 0 {
			select {
			case <-guardCtx.Done():
				return nil, m.connectAborted(ctx, guardCtx)
			case <-time.After(delay):
			}
		}
		delay = m.opts.ReconnectDelay

		attemptCtx, cancel := context.WithTimeout(guardCtx, m.opts.ConnectTimeout)
		ch, err := m.transport.Dial(attemptCtx)
		timedOut := attemptCtx.Err() != nil
		cancel()
		if err == nil {
			if guardCtx.Err() != nil {
				ch.Close()
				return nil, m.connectAborted(ctx, guardCtx)
			}
			return ch, nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		if guardCtx.Err() != nil {
			return nil, m.connectAborted(ctx, guardCtx)
		}

		attempts++
		m.mu.Lock()
		if errors.Is(err, ErrHandshake) {
			m.transportErrors++
		}
		transportErrors := m.transportErrors
		m.mu.Unlock()

		m.logger.Warn("Connection attempt failed",
			zap.Int("attempt", attempts),
			zap.Int("transportErrors", transportErrors),
			zap.Bool("timedOut", timedOut),
			zap.Error(err))

		if transportErrors >= m.opts.TransportErrorThreshold {
			return nil, fmt.Errorf("transport error threshold reached: %w", err)
		}
		if attempts >= m.opts.MaxReconnectAttempts {
			return nil, fmt.Errorf("reconnect attempts exhausted: %w", err)
		}
	}
}

func (m *ConnectionManager) connectAborted(ctx, guardCtx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return context.Cause(guardCtx)
}

func (m *ConnectionManager) onConnected(ctx context.Context, ch Channel) {
	m.mu.Lock()
	m.channel = ch
	m.transportErrors = 0
	channels := make([]uuid.UUID, 0, len(m.channels))
	for id := range m.channels {
		channels = append(channels, id)
	}
	status, customStatus := m.status, m.customStatus
	m.mu.Unlock()

	m.setPhase(Connected)

	online := &domain.UserOnline{
		Name:  m.opts.Profile.DisplayName,
		Email: m.opts.Profile.Email,
		Photo: m.opts.Profile.AvatarRef,
		OrgID: m.opts.OrgID,
	}
	m.sendOn(ctx, ch, online)
	m.sendOn(ctx, ch, &domain.JoinOrganization{OrgID: m.opts.OrgID})
	for _, id := range channels {
		m.sendOn(ctx, ch, &domain.JoinChannel{ChannelID: id})
	}
	if status != domain.PresenceStatusOnline || customStatus != "" {
		m.sendOn(ctx, ch, &domain.UpdateStatus{Status: status, CustomStatus: customStatus})
	}

	if err := m.notifier.Load(ctx); err != nil {
		m.logger.Warn("Failed to load notifications", zap.Error(err))
	}
}

func (m *ConnectionManager) readLoop(ctx context.Context, ch Channel) error {
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	for {
		data, err := ch.Receive()
		if err != nil {
			return err
		}
		m.handle(data)
	}
}

func (m *ConnectionManager) handle(data []byte) {
	payload, err := domain.Decode(data)
	if err != nil {
		m.logger.Debug("Ignoring undecodable event", zap.Error(err))
		return
	}

	switch p := payload.(type) {
	case *domain.OnlineUsersList:
		m.reconciler.ApplySnapshot(p.Users)
	case *domain.UserStatusChanged:
		m.reconciler.ApplyDelta(*p)
	default:
		if payload.EventType().Notifiable() {
			m.notifier.OnEvent(payload)
		}
	}
}

// degrade enters Degraded and polls until the session ends.
func (m *ConnectionManager) degrade(ctx context.Context) {
	if !m.setPhase(Degraded) && m.Phase() != Degraded {
		return
	}

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !m.poll(ctx) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll sends one heartbeat and applies one snapshot. It reports false when
// polling must stop.
func (m *ConnectionManager) poll(ctx context.Context) bool {
	if m.api == nil {
		return false
	}

	m.mu.Lock()
	hb := domain.Heartbeat{
		OrgID:        m.opts.OrgID,
		Name:         m.opts.Profile.DisplayName,
		Email:        m.opts.Profile.Email,
		Photo:        m.opts.Profile.AvatarRef,
		Status:       m.status,
		CustomStatus: m.customStatus,
	}
	m.mu.Unlock()

	if err := m.api.Heartbeat(ctx, hb); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			m.notifier.AuthFailed("Your session has expired. Please sign in again.")
			m.setPhase(Disconnected)
			return false
		}
		if ctx.Err() != nil {
			return false
		}
		m.logger.Warn("Presence heartbeat failed", zap.Error(err))
	}

	entries, err := m.api.Snapshot(ctx, m.opts.OrgID)
	switch {
	case err == nil:
		m.reconciler.ApplySnapshot(entries)
	case errors.Is(err, governor.ErrRateLimited):
	case ctx.Err() != nil:
		return false
	default:
		m.logger.Warn("Presence snapshot failed", zap.Error(err))
	}

	if err := m.notifier.Load(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("Failed to load notifications", zap.Error(err))
	}
	return ctx.Err() == nil
}

func (m *ConnectionManager) sendOn(ctx context.Context, ch Channel, p domain.Payload) error {
	data, err := domain.Encode(p)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, data); err != nil {
		m.logger.Warn("Failed to send event",
			zap.String("type", string(p.EventType())),
			zap.Error(err))
		return err
	}
	return nil
}

// send delivers p on the live channel. It returns ErrNotConnected outside
// the Connected phase.
func (m *ConnectionManager) send(ctx context.Context, p domain.Payload) error {
	m.mu.Lock()
	ch := m.channel
	connected := m.phase == Connected
	m.mu.Unlock()

	if ch == nil || !connected {
		return ErrNotConnected
	}
	return m.sendOn(ctx, ch, p)
}

// JoinChannel remembers the channel and joins it now when connected. It is
// rejoined after every reconnect.
func (m *ConnectionManager) JoinChannel(ctx context.Context, channelID uuid.UUID) error {
	m.mu.Lock()
	m.channels[channelID] = struct{}{}
	m.mu.Unlock()

	if err := m.send(ctx, &domain.JoinChannel{ChannelID: channelID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (m *ConnectionManager) LeaveChannel(ctx context.Context, channelID uuid.UUID) error {
	m.mu.Lock()
	delete(m.channels, channelID)
	m.mu.Unlock()

	if err := m.send(ctx, &domain.LeaveChannel{ChannelID: channelID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// UpdateStatus records the status and sends it when connected. In Degraded
// it rides on the next heartbeat.
func (m *ConnectionManager) UpdateStatus(ctx context.Context, status domain.PresenceStatus, customStatus string) error {
	update := &domain.UpdateStatus{Status: status, CustomStatus: customStatus}
	if err := update.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.status = status
	m.customStatus = customStatus
	m.mu.Unlock()

	if err := m.send(ctx, update); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Close ends the session and moves to Disconnected. In Degraded it sends a
// best-effort offline signal bounded by the offline timeout.
func (m *ConnectionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	cancel := m.cancel
	ch := m.channel
	m.channel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Close()
	}
	m.wg.Wait()

	if m.Phase() == Degraded && m.api != nil {
		offlineCtx, stop := context.WithTimeout(ctx, m.opts.OfflineTimeout)
		if err := m.api.Offline(offlineCtx, m.opts.OrgID); err != nil {
			m.logger.Warn("Failed to send offline signal", zap.Error(err))
		}
		stop()
	}

	m.setPhase(Disconnected)
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
