package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"presence-service/internal/domain"
)

type harness struct {
	manager    *ConnectionManager
	transport  *fakeTransport
	api        *fakePresenceAPI
	reconciler *Reconciler
	notifier   *Notifier
	phases     *phaseRecorder
	userID     uuid.UUID
}

func newHarness(t *testing.T, opts Options, dial func(ctx context.Context, n int) (Channel, error)) *harness {
	h := &harness{
		transport:  &fakeTransport{dial: dial},
		api:        &fakePresenceAPI{},
		reconciler: NewReconciler(),
		phases:     &phaseRecorder{},
		userID:     uuid.New(),
	}
	h.notifier = NewNotifier(NotifierOptions{UserID: h.userID}, nil, zap.NewNop())
	h.manager = NewConnectionManager(opts, h.transport, h.api, h.reconciler, h.notifier, zap.NewNop())
	h.manager.OnPhaseChange(h.phases.record)
	t.Cleanup(func() { h.manager.Close(context.Background()) })
	return h
}

func TestConnectionManager_ConnectsJoinsAndDispatches(t *testing.T) {
	orgID, channelID := uuid.New(), uuid.New()
	fc := newFakeChannel()
	h := newHarness(t, fastOptions(orgID), func(ctx context.Context, n int) (Channel, error) { return fc, nil })

	require.NoError(t, h.manager.JoinChannel(context.Background(), channelID))
	require.NoError(t, h.manager.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.manager.Phase() == Connected }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(fc.sentTypes()) == 3 }, waitFor, tick)
	assert.Equal(t, []domain.EventType{
		domain.EventUserOnline,
		domain.EventJoinOrganization,
		domain.EventJoinChannel,
	}, fc.sentTypes())

	online := fc.sentPayloads()[0].(*domain.UserOnline)
	assert.Equal(t, orgID, online.OrgID)
	assert.Equal(t, "Ari", online.Name)

	alice, bob := uuid.New(), uuid.New()
	fc.push(&domain.OnlineUsersList{OrgID: orgID, Users: []domain.PresenceEntry{
		{UserID: alice, Status: domain.PresenceStatusOnline},
	}})
	fc.push(&domain.UserStatusChanged{UserID: bob, Status: domain.PresenceStatusBusy})
	fc.push(&domain.NewNotice{NoticeID: uuid.New(), Title: "Holiday", Origin: domain.Origin{ActorID: uuid.New()}})

	assert.Eventually(t, func() bool { return h.notifier.UnreadCount() == 1 }, waitFor, tick)
	assert.True(t, h.reconciler.IsOnline(alice))
	assert.Equal(t, domain.PresenceStatusBusy, h.reconciler.GetStatus(bob))

	require.NoError(t, h.manager.Close(context.Background()))
	assert.Equal(t, Disconnected, h.manager.Phase())
	assert.Zero(t, h.api.OfflineCalls(), "offline over http is only sent from polling mode")
	assert.Zero(t, h.api.Snapshots())
}

func TestConnectionManager_ReconnectsAndRejoins(t *testing.T) {
	channelID := uuid.New()
	channels := []*fakeChannel{newFakeChannel(), newFakeChannel()}
	h := newHarness(t, fastOptions(uuid.New()), func(ctx context.Context, n int) (Channel, error) {
		if n > len(channels) {
			return nil, errors.New("no more channels")
		}
		return channels[n-1], nil
	})

	require.NoError(t, h.manager.JoinChannel(context.Background(), channelID))
	require.NoError(t, h.manager.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(channels[0].sentTypes()) == 3 }, waitFor, tick)

	channels[0].Close()

	assert.Eventually(t, func() bool { return len(channels[1].sentTypes()) == 3 }, waitFor, tick)
	assert.Equal(t, Connected, h.manager.Phase())
	assert.Equal(t, 2, h.transport.Dials())
	assert.Contains(t, channels[1].sentTypes(), domain.EventJoinChannel)
	assert.Equal(t, []Phase{Connecting, Connected, Connecting, Connected}, h.phases.Phases())
}

func TestConnectionManager_TransportErrorsDegradeToPolling(t *testing.T) {
	orgID, member := uuid.New(), uuid.New()
	h := newHarness(t, fastOptions(orgID), func(ctx context.Context, n int) (Channel, error) {
		return nil, fmt.Errorf("websocket handshake: %w", ErrHandshake)
	})
	h.api.entries = []domain.PresenceEntry{{UserID: member, Status: domain.PresenceStatusAway}}

	require.NoError(t, h.manager.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.manager.Phase() == Degraded }, waitFor, tick)
	assert.Equal(t, 3, h.transport.Dials())
	assert.Eventually(t, func() bool { return len(h.api.Heartbeats()) >= 2 && h.api.Snapshots() >= 2 }, waitFor, tick)
	assert.Equal(t, domain.PresenceStatusAway, h.reconciler.GetStatus(member))

	hb := h.api.Heartbeats()[0]
	assert.Equal(t, orgID, hb.OrgID)
	assert.Equal(t, "Ari", hb.Name)

	require.NoError(t, h.manager.Close(context.Background()))
	assert.Equal(t, 1, h.api.OfflineCalls())
	assert.Equal(t, 3, h.transport.Dials(), "no primary attempts once degraded")

	beats := len(h.api.Heartbeats())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, beats, len(h.api.Heartbeats()), "polling stops on close")
}

func TestConnectionManager_NetworkErrorsUseUpAttempts(t *testing.T) {
	h := newHarness(t, fastOptions(uuid.New()), func(ctx context.Context, n int) (Channel, error) {
		return nil, errors.New("dial tcp 127.0.0.1:8003: connect: connection refused")
	})

	require.NoError(t, h.manager.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.manager.Phase() == Degraded }, waitFor, tick)
	assert.Equal(t, 5, h.transport.Dials(), "every configured attempt is made")
}

func TestConnectionManager_RecoveredOutagesDoNotDegrade(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"network error", errors.New("dial tcp 127.0.0.1:8003: connect: connection refused")},
		{"handshake error", fmt.Errorf("websocket handshake: %w", ErrHandshake)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channels := []*fakeChannel{newFakeChannel(), newFakeChannel(), newFakeChannel(), newFakeChannel()}
			// odd dials succeed, even dials fail once before the next success
			h := newHarness(t, fastOptions(uuid.New()), func(ctx context.Context, n int) (Channel, error) {
				if n%2 == 0 {
					return nil, tt.err
				}
				if i := n / 2; i < len(channels) {
					return channels[i], nil
				}
				return nil, tt.err
			})

			require.NoError(t, h.manager.Start(context.Background()))
			for i := 0; i < len(channels)-1; i++ {
				require.Eventually(t, func() bool { return len(channels[i].sentTypes()) == 2 }, waitFor, tick)
				channels[i].Close()
			}

			last := channels[len(channels)-1]
			assert.Eventually(t, func() bool { return len(last.sentTypes()) == 2 }, waitFor, tick)
			assert.Equal(t, Connected, h.manager.Phase())
			assert.Equal(t, 7, h.transport.Dials())
			assert.NotContains(t, h.phases.Phases(), Degraded)
		})
	}
}

func TestConnectionManager_ExhaustedAttemptsDegrade(t *testing.T) {
	opts := fastOptions(uuid.New())
	opts.ConnectTimeout = 20 * time.Millisecond
	opts.MaxReconnectAttempts = 2
	h := newHarness(t, opts, blockingDial)

	require.NoError(t, h.manager.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.manager.Phase() == Degraded }, waitFor, tick)
	assert.Equal(t, 2, h.transport.Dials())
}

func TestConnectionManager_UnauthorizedStopsWithSingleAlert(t *testing.T) {
	h := newHarness(t, fastOptions(uuid.New()), func(ctx context.Context, n int) (Channel, error) {
		return nil, fmt.Errorf("websocket handshake: %w", ErrUnauthorized)
	})
	var alerts atomic.Int32
	h.notifier.OnAlert(func(string) { alerts.Add(1) })

	require.NoError(t, h.manager.Start(context.Background()))

	assert.Eventually(t, func() bool {
		phases := h.phases.Phases()
		return len(phases) == 2 && phases[1] == Disconnected
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, h.transport.Dials(), "auth failures are never retried")
	assert.Equal(t, int32(1), alerts.Load())
	assert.Empty(t, h.api.Heartbeats())
	assert.False(t, h.notifier.AuthFailed("Your session has expired. Please sign in again."))
}

func TestConnectionManager_GuardForcesDegraded(t *testing.T) {
	opts := fastOptions(uuid.New())
	opts.ConnectTimeout = 5 * time.Second
	opts.GuardTimeout = 50 * time.Millisecond

	cancelled := make(chan error, 1)
	h := newHarness(t, opts, func(ctx context.Context, n int) (Channel, error) {
		<-ctx.Done()
		cancelled <- ctx.Err()
		return nil, ctx.Err()
	})

	require.NoError(t, h.manager.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.manager.Phase() == Degraded }, waitFor, tick)
	select {
	case err := <-cancelled:
		assert.Error(t, err, "outstanding attempt is cancelled")
	case <-time.After(waitFor):
		t.Fatal("attempt was not cancelled")
	}
	assert.Equal(t, 1, h.transport.Dials())

	// polling takes over on the interval without further primary attempts
	assert.Eventually(t, func() bool { return len(h.api.Heartbeats()) >= 2 }, waitFor, tick)
	time.Sleep(3 * opts.PollInterval)
	assert.GreaterOrEqual(t, len(h.api.Heartbeats()), 3)
	assert.Equal(t, 1, h.transport.Dials())
	assert.Equal(t, Degraded, h.manager.Phase())
}

func TestConnectionManager_ForcePollingHostSkipsTransport(t *testing.T) {
	opts := fastOptions(uuid.New())
	opts.ServerURL = "https://Legacy.Example.com/api/presence"
	opts.ForcePollingHosts = []string{"legacy.example.com"}
	h := newHarness(t, opts, func(ctx context.Context, n int) (Channel, error) {
		return newFakeChannel(), nil
	})

	require.NoError(t, h.manager.Start(context.Background()))

	assert.Eventually(t, func() bool { return len(h.api.Heartbeats()) > 0 }, waitFor, tick)
	assert.Equal(t, Degraded, h.manager.Phase())
	assert.Zero(t, h.transport.Dials())
	assert.Equal(t, []Phase{Degraded}, h.phases.Phases())
}

func TestConnectionManager_StatusRidesOnHeartbeatWhenDegraded(t *testing.T) {
	opts := fastOptions(uuid.New())
	opts.ForcePollingHosts = []string{"presence.local"}
	h := newHarness(t, opts, nil)

	require.NoError(t, h.manager.Start(context.Background()))
	assert.Eventually(t, func() bool { return h.manager.Phase() == Degraded }, waitFor, tick)

	require.NoError(t, h.manager.UpdateStatus(context.Background(), domain.PresenceStatusAway, "lunch"))

	assert.Eventually(t, func() bool {
		for _, hb := range h.api.Heartbeats() {
			if hb.Status == domain.PresenceStatusAway && hb.CustomStatus == "lunch" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestConnectionManager_UpdateStatusWhenConnected(t *testing.T) {
	fc := newFakeChannel()
	h := newHarness(t, fastOptions(uuid.New()), func(ctx context.Context, n int) (Channel, error) { return fc, nil })

	require.NoError(t, h.manager.Start(context.Background()))
	assert.Eventually(t, func() bool { return len(fc.sentTypes()) == 2 }, waitFor, tick)

	require.NoError(t, h.manager.UpdateStatus(context.Background(), domain.PresenceStatusBusy, "focus"))
	assert.Error(t, h.manager.UpdateStatus(context.Background(), domain.PresenceStatusOffline, ""))

	require.Len(t, fc.sentPayloads(), 3)
	update := fc.sentPayloads()[2].(*domain.UpdateStatus)
	assert.Equal(t, domain.PresenceStatusBusy, update.Status)
	assert.Equal(t, "focus", update.CustomStatus)
}

func TestConnectionManager_HeartbeatUnauthorizedDisconnects(t *testing.T) {
	opts := fastOptions(uuid.New())
	opts.ForcePollingHosts = []string{"presence.local"}
	h := newHarness(t, opts, nil)
	h.api.heartbeatErr = fmt.Errorf("POST /presence: %w", ErrUnauthorized)
	var alerts atomic.Int32
	h.notifier.OnAlert(func(string) { alerts.Add(1) })

	require.NoError(t, h.manager.Start(context.Background()))

	assert.Eventually(t, func() bool { return h.manager.Phase() == Disconnected && alerts.Load() == 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.api.Heartbeats(), 1)
}

func TestConnectionManager_StartTwice(t *testing.T) {
	h := newHarness(t, fastOptions(uuid.New()), blockingDial)

	require.NoError(t, h.manager.Start(context.Background()))
	assert.ErrorIs(t, h.manager.Start(context.Background()), ErrAlreadyStarted)
}

func TestConnectionManager_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, fastOptions(uuid.New()), blockingDial)
	require.NoError(t, h.manager.Start(context.Background()))

	require.NoError(t, h.manager.Close(context.Background()))
	require.NoError(t, h.manager.Close(context.Background()))
	assert.Equal(t, Disconnected, h.manager.Phase())
	assert.Zero(t, h.api.OfflineCalls())
}
