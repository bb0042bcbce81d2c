package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Room membership and presence protocol.
const (
	EventJoinOrganization  EventType = "join_organization"
	EventJoinChannel       EventType = "join_channel"
	EventLeaveChannel      EventType = "leave_channel"
	EventUserOnline        EventType = "user_online"
	EventUpdateStatus      EventType = "update_status"
	EventOnlineUsersList   EventType = "online_users_list"
	EventUserStatusChanged EventType = "user_status_changed"
)

// Domain notification events (server to client only).
const (
	EventNewNotification     EventType = "new_notification"
	EventMemberJoined        EventType = "member_joined"
	EventNewNotice           EventType = "new_notice"
	EventNewMeeting          EventType = "new_meeting"
	EventMeetingReminder     EventType = "meeting_reminder"
	EventChannelUpdated      EventType = "channel_updated"
	EventNewTask             EventType = "new_task"
	EventNewNote             EventType = "new_note"
	EventUserMentioned       EventType = "user_mentioned"
	EventNewMessage          EventType = "new_message"
	EventMeetingUpdated      EventType = "meeting_updated"
	EventOrganizationUpdated EventType = "organization_updated"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Payload is implemented by every member of the event union.
type Payload interface {
	EventType() EventType
	Validate() error
}

// Envelope is the wire form of an event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var factories = map[EventType]func() Payload{
	EventJoinOrganization:    func() Payload { return &JoinOrganization{} },
	EventJoinChannel:         func() Payload { return &JoinChannel{} },
	EventLeaveChannel:        func() Payload { return &LeaveChannel{} },
	EventUserOnline:          func() Payload { return &UserOnline{} },
	EventUpdateStatus:        func() Payload { return &UpdateStatus{} },
	EventOnlineUsersList:     func() Payload { return &OnlineUsersList{} },
	EventUserStatusChanged:   func() Payload { return &UserStatusChanged{} },
	EventNewNotification:     func() Payload { return &NewNotification{} },
	EventMemberJoined:        func() Payload { return &MemberJoined{} },
	EventNewNotice:           func() Payload { return &NewNotice{} },
	EventNewMeeting:          func() Payload { return &NewMeeting{} },
	EventMeetingReminder:     func() Payload { return &MeetingReminder{} },
	EventChannelUpdated:      func() Payload { return &ChannelUpdated{} },
	EventNewTask:             func() Payload { return &NewTask{} },
	EventNewNote:             func() Payload { return &NewNote{} },
	EventUserMentioned:       func() Payload { return &UserMentioned{} },
	EventNewMessage:          func() Payload { return &NewMessage{} },
	EventMeetingUpdated:      func() Payload { return &MeetingUpdated{} },
	EventOrganizationUpdated: func() Payload { return &OrganizationUpdated{} },
}

// Known reports whether t is a member of the union.
func (t EventType) Known() bool {
	_, ok := factories[t]
	return ok
}

// Inbound reports whether clients may send t to the server.
func (t EventType) Inbound() bool {
	switch t {
	case EventJoinOrganization, EventJoinChannel, EventLeaveChannel, EventUserOnline, EventUpdateStatus:
		return true
	}
	return false
}

// Notifiable reports whether t is a domain event consumed by the notification layer.
func (t EventType) Notifiable() bool {
	return t.Known() && !t.Inbound() && t != EventOnlineUsersList && t != EventUserStatusChanged
}

// Encode validates p and wraps it in an envelope.
func Encode(p Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", p.EventType(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.EventType(), err)
	}
	return json.Marshal(Envelope{Type: p.EventType(), Payload: raw})
}

// Decode parses an envelope, rejecting unknown tags before touching the payload.
func Decode(data []byte) (Payload, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return env.Decode()
}

func (e Envelope) Decode() (Payload, error) {
	factory, ok := factories[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	p := factory()
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", e.Type, err)
	}
	return p, nil
}

func invalid(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidPayload, field)
}

type JoinOrganization struct {
	OrgID uuid.UUID `json:"org_id"`
}

func (JoinOrganization) EventType() EventType { return EventJoinOrganization }
func (p JoinOrganization) Validate() error {
	if p.OrgID == uuid.Nil {
		return invalid("org_id")
	}
	return nil
}

type JoinChannel struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

func (JoinChannel) EventType() EventType { return EventJoinChannel }
func (p JoinChannel) Validate() error {
	if p.ChannelID == uuid.Nil {
		return invalid("channel_id")
	}
	return nil
}

type LeaveChannel struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

func (LeaveChannel) EventType() EventType { return EventLeaveChannel }
func (p LeaveChannel) Validate() error {
	if p.ChannelID == uuid.Nil {
		return invalid("channel_id")
	}
	return nil
}

type UserOnline struct {
	Name  string    `json:"name"`
	Email string    `json:"email,omitempty"`
	Photo string    `json:"photo,omitempty"`
	OrgID uuid.UUID `json:"org_id"`
}

func (UserOnline) EventType() EventType { return EventUserOnline }
func (p UserOnline) Validate() error {
	if p.OrgID == uuid.Nil {
		return invalid("org_id")
	}
	return nil
}

func (p UserOnline) Profile() Profile {
	return Profile{DisplayName: p.Name, Email: p.Email, AvatarRef: p.Photo}
}

type UpdateStatus struct {
	Status       PresenceStatus `json:"status"`
	CustomStatus string         `json:"custom_status,omitempty"`
}

func (UpdateStatus) EventType() EventType { return EventUpdateStatus }
func (p UpdateStatus) Validate() error {
	if !p.Status.Settable() {
		return fmt.Errorf("%w: status %q", ErrInvalidPayload, p.Status)
	}
	return nil
}

type OnlineUsersList struct {
	OrgID uuid.UUID       `json:"org_id"`
	Users []PresenceEntry `json:"users"`
}

func (OnlineUsersList) EventType() EventType { return EventOnlineUsersList }
func (OnlineUsersList) Validate() error      { return nil }

type UserStatusChanged struct {
	UserID       uuid.UUID      `json:"user_id"`
	Status       PresenceStatus `json:"status"`
	CustomStatus string         `json:"custom_status,omitempty"`
	LastSeen     time.Time      `json:"last_seen"`
	User         UserSummary    `json:"user"`
}

func (UserStatusChanged) EventType() EventType { return EventUserStatusChanged }
func (p UserStatusChanged) Validate() error {
	if p.UserID == uuid.Nil {
		return invalid("user_id")
	}
	switch p.Status {
	case PresenceStatusOnline, PresenceStatusAway, PresenceStatusBusy, PresenceStatusOffline:
		return nil
	}
	return fmt.Errorf("%w: status %q", ErrInvalidPayload, p.Status)
}

// Origin identifies who caused a domain event.
type Origin struct {
	ActorID   uuid.UUID `json:"actor_id,omitempty"`
	ActorName string    `json:"actor_name,omitempty"`
}

func (o Origin) Actor() uuid.UUID { return o.ActorID }

type NewNotification struct {
	ID        uuid.UUID            `json:"id,omitempty"`
	Type      NotificationType     `json:"type,omitempty"`
	Title     string               `json:"title"`
	Message   string               `json:"message,omitempty"`
	Priority  NotificationPriority `json:"priority,omitempty"`
	ActionRef string               `json:"action_ref,omitempty"`
	CreatedAt time.Time            `json:"created_at,omitempty"`
	Origin
}

func (NewNotification) EventType() EventType { return EventNewNotification }
func (p NewNotification) Validate() error {
	if p.Title == "" {
		return invalid("title")
	}
	if p.Type != "" && !p.Type.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidPayload, p.Type)
	}
	if p.Priority != "" && !p.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidPayload, p.Priority)
	}
	return nil
}

type MemberJoined struct {
	OrgID    uuid.UUID `json:"org_id"`
	UserID   uuid.UUID `json:"user_id"`
	UserName string    `json:"user_name,omitempty"`
}

func (MemberJoined) EventType() EventType { return EventMemberJoined }
func (p MemberJoined) Validate() error {
	if p.OrgID == uuid.Nil {
		return invalid("org_id")
	}
	if p.UserID == uuid.Nil {
		return invalid("user_id")
	}
	return nil
}

// Actor of a join is the member who joined.
func (p MemberJoined) Actor() uuid.UUID { return p.UserID }

type NewNotice struct {
	NoticeID uuid.UUID `json:"notice_id"`
	Title    string    `json:"title"`
	Origin
}

func (NewNotice) EventType() EventType { return EventNewNotice }
func (p NewNotice) Validate() error {
	if p.NoticeID == uuid.Nil {
		return invalid("notice_id")
	}
	return nil
}

type NewMeeting struct {
	MeetingID uuid.UUID `json:"meeting_id"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	Origin
}

func (NewMeeting) EventType() EventType { return EventNewMeeting }
func (p NewMeeting) Validate() error {
	if p.MeetingID == uuid.Nil {
		return invalid("meeting_id")
	}
	return nil
}

type MeetingReminder struct {
	MeetingID     uuid.UUID `json:"meeting_id"`
	Title         string    `json:"title"`
	StartsAt      time.Time `json:"starts_at"`
	MinutesBefore int       `json:"minutes_before"`
	Origin
}

func (MeetingReminder) EventType() EventType { return EventMeetingReminder }
func (p MeetingReminder) Validate() error {
	if p.MeetingID == uuid.Nil {
		return invalid("meeting_id")
	}
	return nil
}

type ChannelUpdated struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Name      string    `json:"name"`
	Origin
}

func (ChannelUpdated) EventType() EventType { return EventChannelUpdated }
func (p ChannelUpdated) Validate() error {
	if p.ChannelID == uuid.Nil {
		return invalid("channel_id")
	}
	return nil
}

type NewTask struct {
	TaskID     uuid.UUID `json:"task_id"`
	Title      string    `json:"title"`
	AssigneeID uuid.UUID `json:"assignee_id,omitempty"`
	Origin
}

func (NewTask) EventType() EventType { return EventNewTask }
func (p NewTask) Validate() error {
	if p.TaskID == uuid.Nil {
		return invalid("task_id")
	}
	return nil
}

type NewNote struct {
	NoteID uuid.UUID `json:"note_id"`
	Title  string    `json:"title"`
	Origin
}

func (NewNote) EventType() EventType { return EventNewNote }
func (p NewNote) Validate() error {
	if p.NoteID == uuid.Nil {
		return invalid("note_id")
	}
	return nil
}

type UserMentioned struct {
	ChannelID   uuid.UUID `json:"channel_id"`
	MessageID   uuid.UUID `json:"message_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	Preview     string    `json:"preview,omitempty"`
	Origin
}

func (UserMentioned) EventType() EventType { return EventUserMentioned }
func (p UserMentioned) Validate() error {
	if p.ChannelID == uuid.Nil {
		return invalid("channel_id")
	}
	if p.MessageID == uuid.Nil {
		return invalid("message_id")
	}
	return nil
}

type NewMessage struct {
	ChannelID   uuid.UUID   `json:"channel_id"`
	MessageID   uuid.UUID   `json:"message_id"`
	ChannelName string      `json:"channel_name,omitempty"`
	Preview     string      `json:"preview,omitempty"`
	Mentions    []uuid.UUID `json:"mentions,omitempty"`
	Important   bool        `json:"important,omitempty"`
	Origin
}

func (NewMessage) EventType() EventType { return EventNewMessage }
func (p NewMessage) Validate() error {
	if p.ChannelID == uuid.Nil {
		return invalid("channel_id")
	}
	if p.MessageID == uuid.Nil {
		return invalid("message_id")
	}
	return nil
}

// MentionsUser reports whether userID is among the mentioned users.
func (p NewMessage) MentionsUser(userID uuid.UUID) bool {
	for _, id := range p.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}

type MeetingUpdated struct {
	MeetingID uuid.UUID `json:"meeting_id"`
	Title     string    `json:"title"`
	Origin
}

func (MeetingUpdated) EventType() EventType { return EventMeetingUpdated }
func (p MeetingUpdated) Validate() error {
	if p.MeetingID == uuid.Nil {
		return invalid("meeting_id")
	}
	return nil
}

type OrganizationUpdated struct {
	OrgID uuid.UUID `json:"org_id"`
	Name  string    `json:"name"`
	Origin
}

func (OrganizationUpdated) EventType() EventType { return EventOrganizationUpdated }
func (p OrganizationUpdated) Validate() error {
	if p.OrgID == uuid.Nil {
		return invalid("org_id")
	}
	return nil
}
