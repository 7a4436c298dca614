package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/sessions"
)

// CreateSessionRequest is the create-session input. Zero values fall back to
// engine defaults: capacity to the configured default, language to
// "plaintext", settings to collab.DefaultSettings, visibility to public.
type CreateSessionRequest struct {
	Title       string
	Description string
	Language    string
	Visibility  collab.Visibility
	Capacity    int
	Settings    *collab.Settings
	Invited     []string
	IdleTTL     time.Duration
}

// CreateSession validates the request, issues a token, persists the
// metadata, and starts the session's actor. The creator does not join here;
// joining is a separate step so the control plane can hand the token out
// first.
func (e *Engine) CreateSession(ctx context.Context, userID string, req CreateSessionRequest) (collab.SessionSummary, error) {
	if strings.TrimSpace(req.Title) == "" {
		return collab.SessionSummary{}, validationErrorf("empty title")
	}
	if req.Capacity < 0 || req.Capacity > e.maxCapacity {
		return collab.SessionSummary{}, validationErrorf("capacity %d out of range [1, %d]", req.Capacity, e.maxCapacity)
	}
	capacity := req.Capacity
	if capacity == 0 {
		capacity = e.defaultCapacity
	}
	language := req.Language
	if language == "" {
		language = "plaintext"
	}
	if !collab.IsSupportedLanguage(language) {
		return collab.SessionSummary{}, validationErrorf("unsupported language %q", language)
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = collab.VisibilityPublic
	}
	if visibility != collab.VisibilityPublic && visibility != collab.VisibilityPrivate {
		return collab.SessionSummary{}, validationErrorf("unknown visibility %q", visibility)
	}
	settings := collab.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
		if err := settings.Validate(); err != nil {
			return collab.SessionSummary{}, &ValidationError{Reason: err.Error()}
		}
	}
	ttl := req.IdleTTL
	if ttl <= 0 {
		ttl = e.idleTTL
	}

	now := time.Now().UTC()
	meta := &sessions.SessionMetadata{
		Token:        uuid.NewString(),
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		Language:     language,
		Visibility:   visibility,
		Capacity:     capacity,
		Settings:     settings,
		CreatedBy:    userID,
		Invited:      append([]string(nil), req.Invited...),
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
		TTL:          ttl,
	}

	if err := e.host.CreateSession(ctx, meta); err != nil {
		return collab.SessionSummary{}, err
	}

	e.mu.Lock()
	e.actors[meta.Token] = newActor(e, meta.Clone())
	e.mu.Unlock()

	e.metrics.IncCounter("sessions_created", map[string]string{"visibility": string(visibility)})
	e.log.Info("session created",
		"session", meta.Token,
		"title", meta.Title,
		"language", language,
		"capacity", capacity,
		"visibility", string(visibility))
	return meta.Summary(), nil
}

// Lookup returns the listing view of a live session.
func (e *Engine) Lookup(ctx context.Context, token string) (collab.SessionSummary, error) {
	meta, err := e.host.GetSession(ctx, token)
	if err != nil {
		if err == sessions.ErrSessionNotFound {
			return collab.SessionSummary{}, &NotFoundError{Token: token}
		}
		return collab.SessionSummary{}, err
	}
	return meta.Summary(), nil
}

// ListPublicSessions pages through public sessions ordered by token. An
// empty cursor starts at the beginning; the returned cursor is empty once
// the listing is exhausted.
func (e *Engine) ListPublicSessions(ctx context.Context, cursor string, limit int) ([]collab.SessionSummary, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	all, err := e.host.ListSessions(ctx)
	if err != nil {
		return nil, "", err
	}

	public := make([]collab.SessionSummary, 0, len(all))
	for _, m := range all {
		if m.Visibility != collab.VisibilityPublic {
			continue
		}
		if cursor != "" && m.Token <= cursor {
			continue
		}
		public = append(public, m.Summary())
	}
	sort.Slice(public, func(i, j int) bool { return public[i].Token < public[j].Token })

	next := ""
	if len(public) > limit {
		public = public[:limit]
		next = public[len(public)-1].Token
	}
	return public, next, nil
}

// Remove force-reaps a session. Idempotent: removing an unknown token is a
// no-op.
func (e *Engine) Remove(ctx context.Context, token string) error {
	e.mu.Lock()
	a, ok := e.actors[token]
	e.mu.Unlock()
	if ok {
		err := a.do(ctx, func() error {
			a.terminate("removed")
			return nil
		})
		var nf *NotFoundError
		if err != nil && !errors.As(err, &nf) {
			return err
		}
		return nil
	}
	return e.host.DeleteSession(ctx, token)
}

// Join adds userID to the session and returns the participant handle with a
// full state snapshot. The handshake is bounded by the engine's join
// timeout.
func (e *Engine) Join(ctx context.Context, token, userID, displayName string) (JoinResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.joinTimeout)
	defer cancel()
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return JoinResult{}, err
	}
	return a.join(ctx, userID, displayName)
}

// Leave removes a participant from the session.
func (e *Engine) Leave(ctx context.Context, token, participantID string) error {
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return err
	}
	return a.leave(ctx, participantID)
}

// Heartbeat refreshes a participant's liveness marker.
func (e *Engine) Heartbeat(ctx context.Context, token, participantID string) error {
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return err
	}
	return a.heartbeat(ctx, participantID)
}

// SubmitMutation applies one code operation through the session's edit
// synchronizer and returns the accepted, possibly transformed, update.
func (e *Engine) SubmitMutation(ctx context.Context, token, participantID string, payload collab.CodeChangePayload) (collab.CodeUpdatePayload, error) {
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return collab.CodeUpdatePayload{}, err
	}
	return a.submitMutation(ctx, participantID, payload)
}

// PostChat appends a chat message and fans it out to all participants.
func (e *Engine) PostChat(ctx context.Context, token, participantID, body string) (collab.ChatMessage, error) {
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return collab.ChatMessage{}, err
	}
	return a.postChat(ctx, participantID, body)
}

// ChangeLanguage switches the session's language. Host only.
func (e *Engine) ChangeLanguage(ctx context.Context, token, participantID, language string) error {
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return err
	}
	return a.changeLanguage(ctx, participantID, language)
}

// UpdateSettings replaces the session settings. Host only.
func (e *Engine) UpdateSettings(ctx context.Context, token, participantID string, settings collab.Settings) error {
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return err
	}
	return a.updateSettings(ctx, participantID, settings)
}

// CloseSession is the host's explicit close.
func (e *Engine) CloseSession(ctx context.Context, token, participantID string) error {
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return err
	}
	return a.closeByHost(ctx, participantID)
}

// Snapshot returns the full current state of a session.
func (e *Engine) Snapshot(ctx context.Context, token string) (collab.SessionSnapshot, error) {
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return collab.SessionSnapshot{}, err
	}
	return a.currentSnapshot(ctx)
}

// Subscribe attaches handler to participantID's ordered event stream,
// resuming after lastEventID when non-empty. It blocks until ctx is
// cancelled, the stream is cleaned up, or handler errors.
func (e *Engine) Subscribe(ctx context.Context, token, participantID, lastEventID string, handler sessions.MessageHandlerFunction) error {
	a, err := e.actorFor(ctx, token)
	if err != nil {
		return err
	}
	ok, err := a.hasParticipant(ctx, participantID)
	if err != nil {
		return err
	}
	if !ok {
		return &UnknownParticipantError{ParticipantID: participantID}
	}
	return e.host.SubscribeStream(ctx, streamID(token, participantID), lastEventID, handler)
}
