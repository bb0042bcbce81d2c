package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"presence-service/internal/domain"
)

// storedPresence is the msgpack form of a presence record used by the
// key-value stores.
type storedPresence struct {
	UserID       string `msgpack:"userId"`
	OrgID        string `msgpack:"orgId"`
	DisplayName  string `msgpack:"displayName"`
	Email        string `msgpack:"email"`
	AvatarRef    string `msgpack:"avatarRef"`
	Status       string `msgpack:"status"`
	CustomStatus string `msgpack:"customStatus"`
	LastSeen     int64  `msgpack:"lastSeen"`
}

func (s *storedPresence) MarshalBinary() ([]byte, error) {
	type alias storedPresence
	return msgpack.Marshal((*alias)(s))
}

func (s *storedPresence) UnmarshalBinary(data []byte) error {
	type alias storedPresence
	return msgpack.Unmarshal(data, (*alias)(s))
}

func toStored(r *domain.PresenceRecord) *storedPresence {
	status := r.Status
	if status == "" {
		status = domain.PresenceStatusOnline
	}
	return &storedPresence{
		UserID:       r.UserID.String(),
		OrgID:        r.OrgID.String(),
		DisplayName:  r.DisplayName,
		Email:        r.Email,
		AvatarRef:    r.AvatarRef,
		Status:       string(status),
		CustomStatus: r.CustomStatus,
		LastSeen:     r.LastSeen.UTC().UnixNano(),
	}
}

func (s *storedPresence) record() (domain.PresenceRecord, error) {
	userID, err := uuid.Parse(s.UserID)
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	orgID, err := uuid.Parse(s.OrgID)
	if err != nil {
		return domain.PresenceRecord{}, err
	}
	return domain.PresenceRecord{
		UserID:       userID,
		OrgID:        orgID,
		DisplayName:  s.DisplayName,
		Email:        s.Email,
		AvatarRef:    s.AvatarRef,
		Status:       domain.PresenceStatus(s.Status),
		CustomStatus: s.CustomStatus,
		LastSeen:     time.Unix(0, s.LastSeen).UTC(),
	}, nil
}
