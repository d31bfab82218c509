package domain

import (
	"time"
)

type UserID string
type VisitorID string
type StreamCode string

// CredentialPair is a token and the session identifier it was minted
// under. A pair is either both-present or both-absent.
type CredentialPair struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

// IsZero reports whether the pair is absent.
func (p CredentialPair) IsZero() bool {
	return p.Token == "" && p.SessionID == ""
}

// Valid reports whether both fields are present.
func (p CredentialPair) Valid() bool {
	return p.Token != "" && p.SessionID != ""
}

// Profile is the signed-in user's profile as reported by the backend.
type Profile struct {
	UserID   UserID   `json:"user_id"`
	Username string   `json:"username"`
	Name     string   `json:"name"`
	Email    string   `json:"email,omitempty"`
	Groups   []string `json:"user_groups,omitempty"`
}

// StreamInfo is the server-authoritative description of a stream,
// carried in every successful status poll.
type StreamInfo struct {
	Title       string     `json:"title"`
	OwnerName   string     `json:"owner_name"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	ViewerCount int        `json:"viewer_count"`
}

// Diff returns the names of fields that changed between two stream
// info snapshots. A nil previous snapshot reports every field.
func (si *StreamInfo) Diff(prev *StreamInfo) []string {
	if si == nil {
		return nil
	}
	if prev == nil {
		return []string{"title", "owner_name", "status", "started_at", "viewer_count"}
	}

	var changed []string
	if si.Title != prev.Title {
		changed = append(changed, "title")
	}
	if si.OwnerName != prev.OwnerName {
		changed = append(changed, "owner_name")
	}
	if si.Status != prev.Status {
		changed = append(changed, "status")
	}
	if !equalTimePtr(si.StartedAt, prev.StartedAt) {
		changed = append(changed, "started_at")
	}
	if si.ViewerCount != prev.ViewerCount {
		changed = append(changed, "viewer_count")
	}
	return changed
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// ExitMessage is the sentinel the backend sends when this viewer's
// binding to the stream has ended server-side.
const ExitMessage = "exit"

// ViewResponse is the body of a status poll response.
type ViewResponse struct {
	Success    bool        `json:"success"`
	VisitorID  VisitorID   `json:"visitor_id,omitempty"`
	StreamInfo *StreamInfo `json:"stream_info,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// IsExit reports whether the response carries the exit sentinel.
func (r *ViewResponse) IsExit() bool {
	return r != nil && r.Message == ExitMessage
}
