package domain

import (
	"time"

	"github.com/google/uuid"
)

type PresenceStatus string

const (
	PresenceStatusOnline    PresenceStatus = "online"
	PresenceStatusAway      PresenceStatus = "away"
	PresenceStatusBusy      PresenceStatus = "busy"
	PresenceStatusInvisible PresenceStatus = "invisible"
	PresenceStatusOffline   PresenceStatus = "offline"
)

// Settable reports whether a client may request this status via update_status.
func (s PresenceStatus) Settable() bool {
	switch s {
	case PresenceStatusOnline, PresenceStatusAway, PresenceStatusBusy, PresenceStatusInvisible:
		return true
	}
	return false
}

// Visible returns the status other members should see.
func (s PresenceStatus) Visible() PresenceStatus {
	if s == PresenceStatusInvisible {
		return PresenceStatusOffline
	}
	return s
}

// PresenceRecord is one row of the presence registry. A row existing means
// the user is online; LastSeen past the staleness threshold means logically offline.
type PresenceRecord struct {
	UserID       uuid.UUID      `gorm:"type:uuid;primaryKey" json:"userId"`
	OrgID        uuid.UUID      `gorm:"type:uuid;not null;index:idx_presence_org_seen" json:"orgId"`
	DisplayName  string         `gorm:"type:varchar(255)" json:"displayName"`
	Email        string         `gorm:"type:varchar(255)" json:"email,omitempty"`
	AvatarRef    string         `gorm:"type:varchar(1024)" json:"avatarRef,omitempty"`
	Status       PresenceStatus `gorm:"type:varchar(20);default:'online'" json:"status"`
	CustomStatus string         `gorm:"type:varchar(255)" json:"customStatus,omitempty"`
	LastSeen     time.Time      `gorm:"not null;index:idx_presence_org_seen" json:"lastSeen"`
}

func (PresenceRecord) TableName() string {
	return "user_presence"
}

// Profile is the user-facing data attached to an online signal.
type Profile struct {
	DisplayName string `json:"name"`
	Email       string `json:"email,omitempty"`
	AvatarRef   string `json:"photo,omitempty"`
}

// PresenceEntry is the wire form of one online user in a snapshot.
type PresenceEntry struct {
	UserID       uuid.UUID      `json:"user_id"`
	Status       PresenceStatus `json:"status"`
	CustomStatus string         `json:"custom_status,omitempty"`
	LastSeen     time.Time      `json:"last_seen"`
	User         UserSummary    `json:"user"`
}

type UserSummary struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Photo string `json:"photo,omitempty"`
}

// Entry converts a registry row into its snapshot form.
func (r PresenceRecord) Entry() PresenceEntry {
	status := r.Status
	if status == "" {
		status = PresenceStatusOnline
	}
	return PresenceEntry{
		UserID:       r.UserID,
		Status:       status.Visible(),
		CustomStatus: r.CustomStatus,
		LastSeen:     r.LastSeen,
		User: UserSummary{
			Name:  r.DisplayName,
			Email: r.Email,
			Photo: r.AvatarRef,
		},
	}
}

// StatusChanged builds the delta announcing this record to the organization.
func (r PresenceRecord) StatusChanged() *UserStatusChanged {
	entry := r.Entry()
	return &UserStatusChanged{
		UserID:       entry.UserID,
		Status:       entry.Status,
		CustomStatus: entry.CustomStatus,
		LastSeen:     entry.LastSeen,
		User:         entry.User,
	}
}

// Heartbeat is the polling-mode online signal (POST /presence).
type Heartbeat struct {
	OrgID        uuid.UUID      `json:"org_id"`
	Name         string         `json:"name"`
	Email        string         `json:"email,omitempty"`
	Photo        string         `json:"photo,omitempty"`
	Status       PresenceStatus `json:"status,omitempty"`
	CustomStatus string         `json:"custom_status,omitempty"`
}

func (h Heartbeat) Profile() Profile {
	return Profile{DisplayName: h.Name, Email: h.Email, AvatarRef: h.Photo}
}
