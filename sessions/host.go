package sessions

import (
	"context"
	"errors"
)

// ErrSessionNotFound is returned by metadata operations addressing a token
// the host does not know (never created, deleted, or expired).
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned by CreateSession when the token is already in
// use. Tokens are never reused, so this indicates a caller bug.
var ErrSessionExists = errors.New("session already exists")

// ErrEventNotFound is returned by SubscribeStream when lastEventID does not
// identify a retained event, forcing the subscriber to resynchronize.
var ErrEventNotFound = errors.New("event id not found")

// MessageHandlerFunction handles ordered messages for a stream subscription.
// Returning an error terminates the subscription with that error.
type MessageHandlerFunction func(ctx context.Context, eventID string, data []byte) error

// SessionHost is the contract the engine needs from its backing store. It
// combines per-stream ordered messaging (used to fan events out to each
// connected participant) with session metadata lifecycle.
//
// Streams are identified by opaque IDs chosen by the caller; within one
// stream, event IDs are unique and delivery order matches publish order.
// Implementations must be safe for concurrent use.
type SessionHost interface {
	// PublishStream appends data to the stream and returns the event ID
	// assigned to it.
	PublishStream(ctx context.Context, streamID string, data []byte) (eventID string, err error)

	// SubscribeStream delivers events to handler in order until ctx is
	// cancelled, the stream is cleaned up, or handler returns an error. An
	// empty lastEventID starts at the next published event; otherwise
	// delivery resumes immediately after lastEventID. Returns
	// ErrEventNotFound when lastEventID is not retained.
	SubscribeStream(ctx context.Context, streamID string, lastEventID string, handler MessageHandlerFunction) error

	// CleanupStream removes the stream's retained events and terminates its
	// subscribers. Idempotent.
	CleanupStream(ctx context.Context, streamID string) error

	// CreateSession persists metadata for a new session token. Returns
	// ErrSessionExists if the token is already present.
	CreateSession(ctx context.Context, meta *SessionMetadata) error

	// GetSession returns the metadata for token or ErrSessionNotFound.
	GetSession(ctx context.Context, token string) (*SessionMetadata, error)

	// MutateSession applies fn to the stored metadata atomically with
	// respect to other mutations through this host, updating UpdatedAt and
	// LastActivity. Returns ErrSessionNotFound for unknown tokens; an error
	// from fn aborts the mutation and is returned verbatim.
	MutateSession(ctx context.Context, token string, fn func(*SessionMetadata) error) error

	// TouchSession refreshes LastActivity, extending the sliding TTL.
	TouchSession(ctx context.Context, token string) error

	// DeleteSession removes the metadata. Idempotent.
	DeleteSession(ctx context.Context, token string) error

	// ListSessions returns metadata for all live sessions. Order is
	// unspecified; callers sort as needed.
	ListSessions(ctx context.Context) ([]*SessionMetadata, error)

	// Close releases resources held by the host.
	Close() error
}
