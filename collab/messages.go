package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientMessageKind discriminates client→server messages.
type ClientMessageKind string

const (
	ClientJoinSession    ClientMessageKind = "join-session"
	ClientCodeChange     ClientMessageKind = "code-change"
	ClientLanguageChange ClientMessageKind = "language-change"
	ClientSessionChat    ClientMessageKind = "session-chat"
	ClientSettingsChange ClientMessageKind = "settings-change"
	ClientHeartbeat      ClientMessageKind = "heartbeat"
	ClientLeave          ClientMessageKind = "leave"
)

// ServerMessageKind discriminates server→client messages.
type ServerMessageKind string

const (
	ServerSessionState   ServerMessageKind = "session-state"
	ServerCodeUpdate     ServerMessageKind = "code-update"
	ServerLanguageUpdate ServerMessageKind = "language-update"
	ServerSettingsUpdate ServerMessageKind = "settings-update"
	ServerChatMessage    ServerMessageKind = "chat-message"
	ServerUserJoined     ServerMessageKind = "user-joined"
	ServerUserLeft       ServerMessageKind = "user-left"
	ServerSessionClosed  ServerMessageKind = "session-closed"
	ServerError          ServerMessageKind = "error"
)

// JoinPayload requests membership in a session.
type JoinPayload struct {
	DisplayName string `json:"displayName,omitempty"`
}

// CodeChangePayload carries a mutation against a known buffer version.
type CodeChangePayload struct {
	BaseVersion int64     `json:"baseVersion"`
	Operation   Operation `json:"operation"`
}

// LanguageChangePayload requests a session-wide language switch.
type LanguageChangePayload struct {
	Language string `json:"language"`
}

// ChatPayload carries a single chat message body.
type ChatPayload struct {
	Body string `json:"body"`
}

// SettingsChangePayload requests replacement of the session settings.
type SettingsChangePayload struct {
	Settings Settings `json:"settings"`
}

// ClientMessage is the closed tagged-variant envelope for client→server
// messages. Exactly the payload matching Kind is populated; heartbeat and
// leave carry none. Decoding rejects unknown kinds and mismatched payloads so
// every consumer can switch exhaustively on Kind.
type ClientMessage struct {
	Kind           ClientMessageKind      `json:"kind"`
	Join           *JoinPayload           `json:"join,omitempty"`
	CodeChange     *CodeChangePayload     `json:"codeChange,omitempty"`
	LanguageChange *LanguageChangePayload `json:"languageChange,omitempty"`
	Chat           *ChatPayload           `json:"chat,omitempty"`
	SettingsChange *SettingsChangePayload `json:"settingsChange,omitempty"`
}

// UnmarshalJSON enforces the closed-variant invariant at the protocol edge.
func (m *ClientMessage) UnmarshalJSON(data []byte) error {
	type raw ClientMessage
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid client message: %w", err)
	}

	set := 0
	for _, p := range []bool{r.Join != nil, r.CodeChange != nil, r.LanguageChange != nil, r.Chat != nil, r.SettingsChange != nil} {
		if p {
			set++
		}
	}

	switch r.Kind {
	case ClientJoinSession:
		// Join payload is optional: display name only.
		if set > 1 || (set == 1 && r.Join == nil) {
			return fmt.Errorf("%s: unexpected payload", r.Kind)
		}
	case ClientCodeChange:
		if r.CodeChange == nil || set != 1 {
			return fmt.Errorf("%s: requires codeChange payload", r.Kind)
		}
	case ClientLanguageChange:
		if r.LanguageChange == nil || set != 1 {
			return fmt.Errorf("%s: requires languageChange payload", r.Kind)
		}
	case ClientSessionChat:
		if r.Chat == nil || set != 1 {
			return fmt.Errorf("%s: requires chat payload", r.Kind)
		}
	case ClientSettingsChange:
		if r.SettingsChange == nil || set != 1 {
			return fmt.Errorf("%s: requires settingsChange payload", r.Kind)
		}
	case ClientHeartbeat, ClientLeave:
		if set != 0 {
			return fmt.Errorf("%s: carries no payload", r.Kind)
		}
	default:
		return fmt.Errorf("unknown client message kind %q", r.Kind)
	}

	*m = ClientMessage(r)
	return nil
}

// CodeUpdatePayload announces an accepted mutation. Operation is the
// server-transformed form; Version is the buffer version it produced.
type CodeUpdatePayload struct {
	Version   int64     `json:"version"`
	Operation Operation `json:"operation"`
	By        string    `json:"by"`
}

// LanguageUpdatePayload announces a session-wide language switch.
type LanguageUpdatePayload struct {
	Language string `json:"language"`
	By       string `json:"by"`
}

// SettingsUpdatePayload announces replaced session settings.
type SettingsUpdatePayload struct {
	Settings Settings `json:"settings"`
	By       string   `json:"by"`
}

// PresencePayload announces membership changes. NewHost is set on a
// user-left event when the departure triggered host reassignment.
type PresencePayload struct {
	Participant ParticipantInfo  `json:"participant"`
	NewHost     *ParticipantInfo `json:"newHost,omitempty"`
}

// SessionClosedPayload is the terminal broadcast before a session is torn
// down.
type SessionClosedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload reports a rejection to the originating participant. When the
// rejection is a version conflict, Resync carries the authoritative snapshot
// the client must adopt before re-submitting.
type ErrorPayload struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Resync  *SessionSnapshot `json:"resync,omitempty"`
}

// ServerMessage is the closed tagged-variant envelope for server→client
// messages.
type ServerMessage struct {
	Kind           ServerMessageKind      `json:"kind"`
	At             time.Time              `json:"at"`
	SessionState   *SessionSnapshot       `json:"sessionState,omitempty"`
	CodeUpdate     *CodeUpdatePayload     `json:"codeUpdate,omitempty"`
	LanguageUpdate *LanguageUpdatePayload `json:"languageUpdate,omitempty"`
	SettingsUpdate *SettingsUpdatePayload `json:"settingsUpdate,omitempty"`
	ChatMessage    *ChatMessage           `json:"chatMessage,omitempty"`
	Presence       *PresencePayload       `json:"presence,omitempty"`
	SessionClosed  *SessionClosedPayload  `json:"sessionClosed,omitempty"`
	Error          *ErrorPayload          `json:"error,omitempty"`
}

// UnmarshalJSON mirrors ClientMessage.UnmarshalJSON for the server direction.
func (m *ServerMessage) UnmarshalJSON(data []byte) error {
	type raw ServerMessage
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("invalid server message: %w", err)
	}

	var want bool
	switch r.Kind {
	case ServerSessionState:
		want = r.SessionState != nil
	case ServerCodeUpdate:
		want = r.CodeUpdate != nil
	case ServerLanguageUpdate:
		want = r.LanguageUpdate != nil
	case ServerSettingsUpdate:
		want = r.SettingsUpdate != nil
	case ServerChatMessage:
		want = r.ChatMessage != nil
	case ServerUserJoined, ServerUserLeft:
		want = r.Presence != nil
	case ServerSessionClosed:
		want = r.SessionClosed != nil
	case ServerError:
		want = r.Error != nil
	default:
		return fmt.Errorf("unknown server message kind %q", r.Kind)
	}
	if !want {
		return fmt.Errorf("%s: missing payload", r.Kind)
	}

	*m = ServerMessage(r)
	return nil
}
