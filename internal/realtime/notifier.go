package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"presence-service/internal/domain"
	"presence-service/internal/governor"
)

const (
	DefaultAlertWindow = 5 * time.Second
	DefaultAlertMax    = 1
)

// NotificationStore persists notification state on the server side. The
// notifier only uses it for confirmation and resync.
type NotificationStore interface {
	List(ctx context.Context) ([]domain.NotificationRecord, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	MarkAllRead(ctx context.Context) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type NotifierOptions struct {
	// UserID is the signed-in user; events they caused are not notified.
	UserID      uuid.UUID
	AlertWindow time.Duration
	AlertMax    int
}

// Notifier turns domain events into notification records and keeps the
// unread counter. Mutations are applied locally first and confirmed to the
// store afterwards without rollback.
type Notifier struct {
	userID      uuid.UUID
	store       NotificationStore
	logger      *zap.Logger
	alertWindow time.Duration
	alertMax    int
	now         func() time.Time

	mu       sync.Mutex
	items    []domain.NotificationRecord
	unread   int
	alerts   map[string][]time.Time
	onNotify []func(domain.NotificationRecord)
	onAlert  []func(string)
}

// NewNotifier creates a notifier. store may be nil, in which case state is
// local only.
func NewNotifier(opts NotifierOptions, store NotificationStore, logger *zap.Logger) *Notifier {
	if opts.AlertWindow <= 0 {
		opts.AlertWindow = DefaultAlertWindow
	}
	if opts.AlertMax <= 0 {
		opts.AlertMax = DefaultAlertMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		userID:      opts.UserID,
		store:       store,
		logger:      logger,
		alertWindow: opts.AlertWindow,
		alertMax:    opts.AlertMax,
		now:         time.Now,
		alerts:      make(map[string][]time.Time),
	}
}

// OnNotification registers fn to be called for every created record.
func (n *Notifier) OnNotification(fn func(domain.NotificationRecord)) {
	n.mu.Lock()
	n.onNotify = append(n.onNotify, fn)
	n.mu.Unlock()
}

// OnAlert registers fn to be called for every auth alert that is shown.
func (n *Notifier) OnAlert(fn func(string)) {
	n.mu.Lock()
	n.onAlert = append(n.onAlert, fn)
	n.mu.Unlock()
}

// OnEvent maps a domain event to a notification. It reports false when the
// event creates nothing: self-caused, not notifiable, or already known.
func (n *Notifier) OnEvent(p domain.Payload) (domain.NotificationRecord, bool) {
	if a, ok := p.(interface{ Actor() uuid.UUID }); ok {
		if actor := a.Actor(); actor != uuid.Nil && actor == n.userID {
			return domain.NotificationRecord{}, false
		}
	}

	record, ok := n.toRecord(p)
	if !ok {
		return domain.NotificationRecord{}, false
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = n.now().UTC()
	}

	n.mu.Lock()
	for _, existing := range n.items {
		if existing.ID == record.ID {
			n.mu.Unlock()
			return domain.NotificationRecord{}, false
		}
	}
	n.items = append([]domain.NotificationRecord{record}, n.items...)
	if !record.IsRead {
		n.unread++
	}
	handlers := append([]func(domain.NotificationRecord){}, n.onNotify...)
	n.mu.Unlock()

	for _, fn := range handlers {
		fn(record)
	}
	return record, true
}

func (n *Notifier) toRecord(p domain.Payload) (domain.NotificationRecord, bool) {
	switch e := p.(type) {
	case *domain.NewNotification:
		r := domain.NotificationRecord{
			ID:        e.ID,
			Type:      e.Type,
			Title:     e.Title,
			Message:   e.Message,
			Priority:  e.Priority,
			ActionRef: e.ActionRef,
			CreatedAt: e.CreatedAt,
		}
		if r.Type == "" {
			r.Type = domain.NotificationTypeSystem
		}
		if r.Priority == "" {
			r.Priority = domain.PriorityMedium
		}
		return r, true
	case *domain.MemberJoined:
		return newRecord(domain.NotificationTypeMemberJoined, domain.PriorityLow,
			"New member", fmt.Sprintf("%s joined the organization", nameOr(e.UserName, "Someone")),
			fmt.Sprintf("organization/%s/members", e.OrgID)), true
	case *domain.NewNotice:
		return newRecord(domain.NotificationTypeNotice, domain.PriorityMedium,
			"New notice", e.Title, fmt.Sprintf("notice/%s", e.NoticeID)), true
	case *domain.NewMeeting:
		return newRecord(domain.NotificationTypeMeeting, domain.PriorityMedium,
			"New meeting", e.Title, fmt.Sprintf("meeting/%s", e.MeetingID)), true
	case *domain.MeetingReminder:
		msg := e.Title
		if e.MinutesBefore > 0 {
			msg = fmt.Sprintf("%s starts in %d minutes", e.Title, e.MinutesBefore)
		}
		return newRecord(domain.NotificationTypeMeeting, domain.PriorityHigh,
			"Meeting reminder", msg, fmt.Sprintf("meeting/%s", e.MeetingID)), true
	case *domain.ChannelUpdated:
		return newRecord(domain.NotificationTypeChannelUpdate, domain.PriorityLow,
			"Channel updated", e.Name, fmt.Sprintf("channel/%s", e.ChannelID)), true
	case *domain.NewTask:
		return newRecord(domain.NotificationTypeTask, domain.PriorityMedium,
			"New task", e.Title, fmt.Sprintf("task/%s", e.TaskID)), true
	case *domain.NewNote:
		return newRecord(domain.NotificationTypeSystem, domain.PriorityLow,
			"New note", e.Title, fmt.Sprintf("note/%s", e.NoteID)), true
	case *domain.UserMentioned:
		return newRecord(domain.NotificationTypeMention, domain.PriorityHigh,
			fmt.Sprintf("%s mentioned you", nameOr(e.ActorName, "Someone")), e.Preview,
			messageRef(e.ChannelID, e.MessageID)), true
	case *domain.NewMessage:
		switch {
		case e.MentionsUser(n.userID):
			return newRecord(domain.NotificationTypeMention, domain.PriorityHigh,
				fmt.Sprintf("%s mentioned you", nameOr(e.ActorName, "Someone")), e.Preview,
				messageRef(e.ChannelID, e.MessageID)), true
		case e.Important:
			return newRecord(domain.NotificationTypeSystem, domain.PriorityHigh,
				"Important message", e.Preview, messageRef(e.ChannelID, e.MessageID)), true
		}
		return domain.NotificationRecord{}, false
	case *domain.MeetingUpdated:
		return newRecord(domain.NotificationTypeMeeting, domain.PriorityMedium,
			"Meeting updated", e.Title, fmt.Sprintf("meeting/%s", e.MeetingID)), true
	case *domain.OrganizationUpdated:
		return newRecord(domain.NotificationTypeSystem, domain.PriorityLow,
			"Organization updated", e.Name, fmt.Sprintf("organization/%s", e.OrgID)), true
	}
	return domain.NotificationRecord{}, false
}

func newRecord(t domain.NotificationType, p domain.NotificationPriority, title, message, ref string) domain.NotificationRecord {
	return domain.NotificationRecord{Type: t, Priority: p, Title: title, Message: message, ActionRef: ref}
}

func messageRef(channelID, messageID uuid.UUID) string {
	return fmt.Sprintf("channel/%s/message/%s", channelID, messageID)
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// Notifications returns a copy of the list, newest first.
func (n *Notifier) Notifications() []domain.NotificationRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.NotificationRecord{}, n.items...)
}

func (n *Notifier) UnreadCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unread
}

func (n *Notifier) decrementUnread() {
	if n.unread > 0 {
		n.unread--
	}
}

// MarkRead marks one record read locally, then confirms to the store.
func (n *Notifier) MarkRead(ctx context.Context, id uuid.UUID) {
	n.mu.Lock()
	for i := range n.items {
		if n.items[i].ID == id && !n.items[i].IsRead {
			n.items[i].IsRead = true
			n.decrementUnread()
			break
		}
	}
	n.mu.Unlock()

	n.confirm("mark_read", id, func() error { return n.store.MarkRead(ctx, id) })
}

func (n *Notifier) MarkAllRead(ctx context.Context) {
	n.mu.Lock()
	for i := range n.items {
		n.items[i].IsRead = true
	}
	n.unread = 0
	n.mu.Unlock()

	n.confirm("mark_all_read", uuid.Nil, func() error { return n.store.MarkAllRead(ctx) })
}

// Delete removes a record locally, then confirms to the store.
func (n *Notifier) Delete(ctx context.Context, id uuid.UUID) {
	n.mu.Lock()
	for i := range n.items {
		if n.items[i].ID == id {
			if !n.items[i].IsRead {
				n.decrementUnread()
			}
			n.items = append(n.items[:i], n.items[i+1:]...)
			break
		}
	}
	n.mu.Unlock()

	n.confirm("delete", id, func() error { return n.store.Delete(ctx, id) })
}

func (n *Notifier) confirm(op string, id uuid.UUID, call func() error) {
	if n.store == nil {
		return
	}
	if err := call(); err != nil {
		n.logger.Warn("Failed to confirm notification change",
			zap.String("operation", op),
			zap.String("notificationId", id.String()),
			zap.Error(err))
	}
}

// Load replaces the list with the store's. Records already read locally
// stay read.
func (n *Notifier) Load(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	records, err := n.store.List(ctx)
	if errors.Is(err, governor.ErrRateLimited) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load notifications: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	read := make(map[uuid.UUID]bool)
	for _, r := range n.items {
		if r.IsRead {
			read[r.ID] = true
		}
	}
	items := make([]domain.NotificationRecord, 0, len(records))
	unread := 0
	for _, r := range records {
		if read[r.ID] {
			r.IsRead = true
		}
		if !r.IsRead {
			unread++
		}
		items = append(items, r)
	}
	n.items = items
	n.unread = unread
	return nil
}

// AuthFailed raises an auth alert unless alertMax identical alerts were
// already shown within the rolling window. It reports whether it was shown.
func (n *Notifier) AuthFailed(message string) bool {
	now := n.now()

	n.mu.Lock()
	recent := n.alerts[message][:0]
	for _, at := range n.alerts[message] {
		if now.Sub(at) < n.alertWindow {
			recent = append(recent, at)
		}
	}
	if len(recent) >= n.alertMax {
		n.alerts[message] = recent
		n.mu.Unlock()
		n.logger.Debug("Auth alert suppressed", zap.String("message", message))
		return false
	}
	n.alerts[message] = append(recent, now)
	handlers := append([]func(string){}, n.onAlert...)
	n.mu.Unlock()

	n.logger.Warn("Authentication failed", zap.String("message", message))
	for _, fn := range handlers {
		fn(message)
	}
	return true
}
