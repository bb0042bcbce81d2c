package domain

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationTypeMention       NotificationType = "mention"
	NotificationTypeMeeting       NotificationType = "meeting"
	NotificationTypeNotice        NotificationType = "notice"
	NotificationTypeTask          NotificationType = "task"
	NotificationTypeChannelUpdate NotificationType = "channel_update"
	NotificationTypeMemberJoined  NotificationType = "member_joined"
	NotificationTypeSystem        NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeMention, NotificationTypeMeeting, NotificationTypeNotice, NotificationTypeTask,
		NotificationTypeChannelUpdate, NotificationTypeMemberJoined, NotificationTypeSystem:
		return true
	}
	return false
}

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityMedium NotificationPriority = "medium"
	PriorityHigh   NotificationPriority = "high"
)

func (p NotificationPriority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// NotificationRecord is a user-facing notification held by the client.
// IsRead only ever moves from false to true.
type NotificationRecord struct {
	ID        uuid.UUID            `json:"id"`
	Type      NotificationType     `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Priority  NotificationPriority `json:"priority"`
	ActionRef string               `json:"actionRef,omitempty"`
	IsRead    bool                 `json:"isRead"`
	CreatedAt time.Time            `json:"createdAt"`
}
