package sessions

import (
	"time"

	"github.com/peergrid/collab-server-go/collab"
)

// SessionMetadata is the host-persisted representation of a collaboration
// session. It carries the catalogue-facing fields only; the live buffer,
// participant roster, and chat log are owned by the engine's per-session
// actor and are handed to the persistence collaborator only when a session
// is reaped.
//
// Token is immutable after creation. Timestamps are wall-clock UTC. TTL is a
// sliding idle window: a host may expire a session once
// LastActivity + TTL < now.
type SessionMetadata struct {
	Token       string            `json:"token"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Language    string            `json:"language"`
	Visibility  collab.Visibility `json:"visibility"`
	Capacity    int               `json:"capacity"`
	Settings    collab.Settings   `json:"settings"`

	// CreatedBy is the user ID of the creator (the initial host).
	CreatedBy string `json:"createdBy"`

	// Invited lists user IDs allowed to join a private session and to edit
	// under the invited-only policy. The creator is implicitly invited.
	Invited []string `json:"invited,omitempty"`

	ParticipantCount int `json:"participantCount"`

	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	LastActivity time.Time     `json:"lastActivity"`
	TTL          time.Duration `json:"ttl"`
}

// Clone returns a deep copy so callers can hand metadata across goroutines
// without aliasing the Invited slice.
func (m *SessionMetadata) Clone() *SessionMetadata {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Invited != nil {
		cp.Invited = append([]string(nil), m.Invited...)
	}
	return &cp
}

// IsInvited reports whether userID is on the invite list or is the creator.
func (m *SessionMetadata) IsInvited(userID string) bool {
	if userID == m.CreatedBy {
		return true
	}
	for _, id := range m.Invited {
		if id == userID {
			return true
		}
	}
	return false
}

// Summary projects the metadata into the public listing shape.
func (m *SessionMetadata) Summary() collab.SessionSummary {
	return collab.SessionSummary{
		Token:            m.Token,
		Title:            m.Title,
		Description:      m.Description,
		Language:         m.Language,
		Visibility:       m.Visibility,
		Capacity:         m.Capacity,
		ParticipantCount: m.ParticipantCount,
		CreatedAt:        m.CreatedAt,
		LastActivity:     m.LastActivity,
	}
}
