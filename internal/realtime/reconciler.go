package realtime

import (
	"sync"

	"github.com/google/uuid"

	"presence-service/internal/domain"
)

// Reconciler holds the client's view of who is online in the organization.
// A snapshot replaces the view; deltas mutate it in receipt order.
type Reconciler struct {
	mu      sync.RWMutex
	members map[uuid.UUID]domain.PresenceEntry
}

func NewReconciler() *Reconciler {
	return &Reconciler{members: make(map[uuid.UUID]domain.PresenceEntry)}
}

// ApplySnapshot replaces the view. Entries that would be shown as offline
// are dropped.
func (r *Reconciler) ApplySnapshot(entries []domain.PresenceEntry) {
	members := make(map[uuid.UUID]domain.PresenceEntry, len(entries))
	for _, e := range entries {
		if e.Status.Visible() == domain.PresenceStatusOffline {
			continue
		}
		if e.Status == "" {
			e.Status = domain.PresenceStatusOnline
		}
		members[e.UserID] = e
	}

	r.mu.Lock()
	r.members = members
	r.mu.Unlock()
}

// ApplyDelta removes the user on offline (or invisible) and upserts otherwise.
func (r *Reconciler) ApplyDelta(change domain.UserStatusChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if change.Status.Visible() == domain.PresenceStatusOffline {
		delete(r.members, change.UserID)
		return
	}
	r.members[change.UserID] = domain.PresenceEntry{
		UserID:       change.UserID,
		Status:       change.Status,
		CustomStatus: change.CustomStatus,
		LastSeen:     change.LastSeen,
		User:         change.User,
	}
}

func (r *Reconciler) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[userID]
	return ok
}

// GetStatus returns the user's status, or offline when absent.
func (r *Reconciler) GetStatus(userID uuid.UUID) domain.PresenceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.members[userID]; ok {
		return m.Status
	}
	return domain.PresenceStatusOffline
}

// Members returns a copy of the view.
func (r *Reconciler) Members() map[uuid.UUID]domain.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uuid.UUID]domain.PresenceEntry, len(r.members))
	for id, m := range r.members {
		out[id] = m
	}
	return out
}

func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
