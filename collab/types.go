package collab

import (
	"fmt"
	"time"
)

// Visibility controls whether a session appears in public listings and who
// may join it.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// EditPolicy governs which participants may submit code mutations.
type EditPolicy string

const (
	EditHostOnly        EditPolicy = "host-only"
	EditAllParticipants EditPolicy = "all-participants"
	EditInvitedOnly     EditPolicy = "invited-only"
)

// Role is a participant's privilege level within a session. Exactly one
// participant holds RoleHost at any time the session is active.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// OpKind identifies the three supported buffer operations.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

// supportedLanguages is the closed set of language codes accepted at session
// creation and on language-change.
var supportedLanguages = map[string]struct{}{
	"c":          {},
	"cpp":        {},
	"csharp":     {},
	"go":         {},
	"java":       {},
	"javascript": {},
	"kotlin":     {},
	"plaintext":  {},
	"python":     {},
	"ruby":       {},
	"rust":       {},
	"sql":        {},
	"swift":      {},
	"typescript": {},
}

// IsSupportedLanguage reports whether code is a recognized language code.
func IsSupportedLanguage(code string) bool {
	_, ok := supportedLanguages[code]
	return ok
}

// Position addresses a point in the buffer by zero-based line and column.
// Column is measured in bytes within the line.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Operation is a single insert/delete/replace instruction targeting the code
// buffer. Content is required for insert and replace; Length is the number of
// bytes removed for delete and replace.
type Operation struct {
	Kind     OpKind   `json:"kind"`
	Position Position `json:"position"`
	Content  string   `json:"content,omitempty"`
	Length   int      `json:"length,omitempty"`
}

// Validate performs structural checks that do not require buffer context.
// Bounds checks against the actual buffer happen at apply time.
func (op Operation) Validate() error {
	if op.Position.Line < 0 || op.Position.Column < 0 {
		return fmt.Errorf("negative position %d:%d", op.Position.Line, op.Position.Column)
	}
	switch op.Kind {
	case OpInsert:
		if op.Content == "" {
			return fmt.Errorf("insert requires content")
		}
		if op.Length != 0 {
			return fmt.Errorf("insert must not set length")
		}
	case OpDelete:
		if op.Length <= 0 {
			return fmt.Errorf("delete requires positive length")
		}
		if op.Content != "" {
			return fmt.Errorf("delete must not carry content")
		}
	case OpReplace:
		if op.Length <= 0 {
			return fmt.Errorf("replace requires positive length")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// Settings is the mutable session configuration. EditPolicy and language
// changes are host-only events; the cosmetic fields are passthrough.
type Settings struct {
	EditPolicy   EditPolicy `json:"editPolicy"`
	ChatEnabled  bool       `json:"chatEnabled"`
	VoiceEnabled bool       `json:"voiceEnabled"`
	Theme        string     `json:"theme,omitempty"`
	FontSize     int        `json:"fontSize,omitempty"`
}

// DefaultSettings returns the settings applied when a create request leaves
// them unspecified.
func DefaultSettings() Settings {
	return Settings{
		EditPolicy:  EditAllParticipants,
		ChatEnabled: true,
		Theme:       "dark",
		FontSize:    14,
	}
}

// Validate checks the settings' closed enumerations.
func (s Settings) Validate() error {
	switch s.EditPolicy {
	case EditHostOnly, EditAllParticipants, EditInvitedOnly:
	default:
		return fmt.Errorf("unknown edit policy %q", s.EditPolicy)
	}
	if s.FontSize < 0 {
		return fmt.Errorf("negative font size %d", s.FontSize)
	}
	return nil
}

// ParticipantInfo is the public view of a connected participant.
type ParticipantInfo struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// ChatMessage is a single entry of a session's bounded chat log, ordered by
// server receipt.
type ChatMessage struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	Body       string    `json:"body"`
	At         time.Time `json:"at"`
}

// SessionSummary is the listing view of a session, exposed by the public
// catalogue. It never includes buffer contents or chat history.
type SessionSummary struct {
	Token            string     `json:"token"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Language         string     `json:"language"`
	Visibility       Visibility `json:"visibility"`
	Capacity         int        `json:"capacity"`
	ParticipantCount int        `json:"participantCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastActivity     time.Time  `json:"lastActivity"`
}

// SessionSnapshot is the full state handed to a participant on join or
// resync: everything needed to render the session and resume editing.
type SessionSnapshot struct {
	Token        string            `json:"token"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Language     string            `json:"language"`
	Visibility   Visibility        `json:"visibility"`
	Capacity     int               `json:"capacity"`
	Settings     Settings          `json:"settings"`
	Buffer       string            `json:"buffer"`
	Version      int64             `json:"version"`
	Participants []ParticipantInfo `json:"participants"`
	ChatLog      []ChatMessage     `json:"chatLog"`
}
