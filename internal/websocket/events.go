package websocket

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"presence-service/internal/domain"
)

// EventChannelPrefix prefixes every redis channel carrying domain events.
const EventChannelPrefix = "events:"

var ErrInvalidTarget = errors.New("invalid event target")

// Target kinds
const (
	TargetOrg     = "org"
	TargetChannel = "channel"
	TargetUser    = "user"
)

// Target is where a domain event is delivered.
type Target struct {
	Kind string
	ID   uuid.UUID
}

func (t Target) String() string { return t.Kind + ":" + t.ID.String() }

// ParseTarget parses "org:<id>", "channel:<id>" or "user:<id>".
func ParseTarget(s string) (Target, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
	}
	switch kind {
	case TargetOrg, TargetChannel, TargetUser:
	default:
		return Target{}, fmt.Errorf("%w: kind %q", ErrInvalidTarget, kind)
	}
	parsed, err := uuid.Parse(id)
	if err != nil || parsed == uuid.Nil {
		return Target{}, fmt.Errorf("%w: id %q", ErrInvalidTarget, id)
	}
	return Target{Kind: kind, ID: parsed}, nil
}

// ValidateEvent decodes an envelope and checks it may travel server to client.
func ValidateEvent(data []byte) (domain.Payload, error) {
	p, err := domain.Decode(data)
	if err != nil {
		return nil, err
	}
	if p.EventType().Inbound() {
		return nil, fmt.Errorf("%w: %s is client to server only", domain.ErrUnknownEvent, p.EventType())
	}
	return p, nil
}

// Deliver validates an encoded event and routes it to the target's
// connections. It returns the number of connections reached.
func (h *Hub) Deliver(target Target, data []byte) (int, error) {
	p, err := ValidateEvent(data)
	if err != nil {
		h.metrics.RecordEventRejected("invalid_event")
		return 0, err
	}

	var n int
	switch target.Kind {
	case TargetOrg:
		n = h.Broadcast(OrgRoom(target.ID), data)
	case TargetChannel:
		n = h.Broadcast(ChannelRoom(target.ID), data)
	case TargetUser:
		n = h.SendToUser(target.ID, data)
	default:
		h.metrics.RecordEventRejected("invalid_target")
		return 0, fmt.Errorf("%w: kind %q", ErrInvalidTarget, target.Kind)
	}

	h.metrics.RecordEventDelivered(string(p.EventType()), n)
	h.logger.Debug("Event delivered",
		zap.String("type", string(p.EventType())),
		zap.String("target", target.String()),
		zap.Int("connections", n))
	return n, nil
}

// Publisher hands a validated domain event to the delivery path.
type Publisher interface {
	Publish(ctx context.Context, target Target, data []byte) error
}

// LocalPublisher delivers straight to the in-process hub.
type LocalPublisher struct {
	hub *Hub
}

func NewLocalPublisher(hub *Hub) *LocalPublisher {
	return &LocalPublisher{hub: hub}
}

func (p *LocalPublisher) Publish(ctx context.Context, target Target, data []byte) error {
	_, err := p.hub.Deliver(target, data)
	return err
}

// RedisPublisher publishes onto events:<kind>:<id>; a Subscriber in every
// server process routes it to local connections.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, target Target, data []byte) error {
	if _, err := ValidateEvent(data); err != nil {
		return err
	}
	return p.client.Publish(ctx, EventChannelPrefix+target.String(), data).Err()
}

// Subscriber consumes events:* from redis and routes them to the hub.
type Subscriber struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
}

func NewSubscriber(client *redis.Client, hub *Hub, logger *zap.Logger) *Subscriber {
	return &Subscriber{client: client, hub: hub, logger: logger}
}

// Run blocks until ctx is done or the subscription fails.
func (s *Subscriber) Run(ctx context.Context) error {
	pubsub := s.client.PSubscribe(ctx, EventChannelPrefix+"*")
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	s.logger.Info("Subscribed to domain events", zap.String("pattern", EventChannelPrefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("event subscription closed")
			}
			s.route(msg)
		}
	}
}

func (s *Subscriber) route(msg *redis.Message) {
	target, err := ParseTarget(strings.TrimPrefix(msg.Channel, EventChannelPrefix))
	if err != nil {
		s.hub.metrics.RecordEventRejected("invalid_target")
		s.logger.Warn("Dropping event with invalid channel", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if _, err := s.hub.Deliver(target, []byte(msg.Payload)); err != nil {
		s.logger.Warn("Dropping invalid event", zap.String("channel", msg.Channel), zap.Error(err))
	}
}
