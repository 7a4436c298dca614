// Package storage defines the external persistence collaborator for the
// collaboration engine. The engine depends on exactly two calls: saving a
// reaped session's final state and loading summaries of previously archived
// public sessions. The engine never depends on the collaborator's schema.
package storage

import (
	"context"
	"time"

	"github.com/peergrid/collab-server-go/collab"
)

// FinalState is the durable hand-off written when a session is reaped or
// explicitly closed.
type FinalState struct {
	Token    string               `json:"token"`
	Title    string               `json:"title"`
	Language string               `json:"language"`
	Buffer   string               `json:"buffer"`
	Version  int64                `json:"version"`
	ChatLog  []collab.ChatMessage `json:"chatLog,omitempty"`
	ClosedAt time.Time            `json:"closedAt"`
	Reason   string               `json:"reason,omitempty"`
}

// Archiver is the persistence collaborator surface.
type Archiver interface {
	// SaveFinalState persists the terminal state of a session. Called at
	// most once per token.
	SaveFinalState(ctx context.Context, token string, state FinalState) error

	// LoadPublicSummaries returns listing entries for archived sessions.
	LoadPublicSummaries(ctx context.Context) ([]collab.SessionSummary, error)
}
