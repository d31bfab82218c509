package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind tags a session notification.
type NotificationKind string

const (
	KindAuthenticated   NotificationKind = "authenticated"
	KindUnauthenticated NotificationKind = "unauthenticated"
)

// Notification is the single cross-component signal the session layer
// emits. It is a tagged union: Profile is set for authenticated
// notifications, Err optionally for unauthenticated ones.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	Profile   *Profile         `json:"profile,omitempty"`
	Err       string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// IsAuthenticated reports whether the notification carries a signed-in
// identity.
func (n Notification) IsAuthenticated() bool {
	return n.Kind == KindAuthenticated
}

// UserID returns the bound user id, or the empty id when anonymous.
func (n Notification) UserID() UserID {
	if n.Profile == nil {
		return ""
	}
	return n.Profile.UserID
}

// NewAuthenticated builds an authenticated notification for a profile.
func NewAuthenticated(profile *Profile) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      KindAuthenticated,
		Profile:   profile,
		Timestamp: time.Now(),
	}
}

// NewUnauthenticated builds an unauthenticated notification, optionally
// carrying the error that caused it.
func NewUnauthenticated(err error) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		Kind:      KindUnauthenticated,
		Timestamp: time.Now(),
	}
	if err != nil {
		n.Err = err.Error()
	}
	return n
}
