package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/peergrid/collab-server-go/auth"
	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/internal/engine"
	"github.com/peergrid/collab-server-go/internal/logctx"
	"github.com/peergrid/collab-server-go/metrics"
	"github.com/peergrid/collab-server-go/sessions"
	"github.com/peergrid/collab-server-go/storage"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader     = "Last-Event-ID"
	participantIDHeader   = "Collab-Participant-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// Option configures the StreamingHTTPHandler.
type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	realm      string
	engineOpts []engine.Option
}

// WithLogger sets the slog handler used by the server. If not provided,
// slog.Default() is used.
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750 (it is optional) keeping challenges concise.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// EngineOption tunes the session engine the handler constructs internally.
// Values are built with the With* constructors below.
type EngineOption struct {
	apply engine.Option
}

// WithEngineOptions forwards options to the session engine the handler
// constructs internally (idle TTL, capacity limits, metrics sink, archiver,
// and so on).
func WithEngineOptions(opts ...EngineOption) Option {
	return func(c *newConfig) {
		for _, o := range opts {
			c.engineOpts = append(c.engineOpts, o.apply)
		}
	}
}

// WithMetrics sets the metrics sink the engine reports into. Defaults to a
// no-op sink.
func WithMetrics(sink metrics.Sink) EngineOption {
	return EngineOption{engine.WithMetrics(sink)}
}

// WithArchiver sets the persistence collaborator that receives a session's
// final state when it is closed or reaped. Without one, final state is
// discarded.
func WithArchiver(a storage.Archiver) EngineOption {
	return EngineOption{engine.WithArchiver(a)}
}

// WithIdleTTL sets the default idle window after which an empty session is
// reaped. A create request may carry its own TTL.
func WithIdleTTL(d time.Duration) EngineOption {
	return EngineOption{engine.WithIdleTTL(d)}
}

// WithReapInterval sets how often sessions are swept for idle expiry and
// stale participants.
func WithReapInterval(d time.Duration) EngineOption {
	return EngineOption{engine.WithReapInterval(d)}
}

// WithJoinTimeout bounds the join handshake.
func WithJoinTimeout(d time.Duration) EngineOption {
	return EngineOption{engine.WithJoinTimeout(d)}
}

// WithHeartbeatTimeout sets how long a participant may go without a
// heartbeat or action before being evicted as stale.
func WithHeartbeatTimeout(d time.Duration) EngineOption {
	return EngineOption{engine.WithHeartbeatTimeout(d)}
}

// WithMaxLookback bounds the rolling operation log used to transform
// near-concurrent mutations.
func WithMaxLookback(n int) EngineOption {
	return EngineOption{engine.WithMaxLookback(n)}
}

// WithChatLogCap bounds the retained chat history per session.
func WithChatLogCap(n int) EngineOption {
	return EngineOption{engine.WithChatLogCap(n)}
}

// WithCapacityLimits sets the default participant capacity applied when a
// create request omits one, and the hard ceiling a request may ask for.
func WithCapacityLimits(def, max int) EngineOption {
	return EngineOption{engine.WithCapacityLimits(def, max)}
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. Go map iteration is randomized, so we emit the
// params in a fixed key order.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
		if v, ok := params["scope"]; ok {
			pieces = append(pieces, fmt.Sprintf(`scope="%s"`, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// StreamingHTTPHandler serves the collaboration protocol over HTTP: a
// control plane for session lifecycle, a JSON POST lane for client messages,
// and a per-participant SSE stream for server events.
type StreamingHTTPHandler struct {
	mux   *http.ServeMux
	log   *slog.Logger
	auth  auth.Authenticator
	eng   *engine.Engine
	realm string
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler.
//
// Required:
//   - publicEndpoint: externally visible base URL of the API (scheme, host, path)
//   - host: sessions.SessionHost implementation (horizontal-scale ready)
//   - authenticator: auth.Authenticator validating bearer credentials
//
// The handler owns a session engine constructed over host; its reaper runs
// until ctx is cancelled.
func New(ctx context.Context, publicEndpoint string, host sessions.SessionHost, authenticator auth.Authenticator, opts ...Option) (*StreamingHTTPHandler, error) {
	if host == nil {
		return nil, fmt.Errorf("SessionHost is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	baseURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if baseURL.Scheme != "https" && baseURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", baseURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &StreamingHTTPHandler{log: log, auth: authenticator, realm: cfg.realm}

	engOpts := append([]engine.Option{engine.WithLogger(log)}, cfg.engineOpts...)
	h.eng = engine.NewEngine(host, engOpts...)
	go func() {
		if err := h.eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	base := strings.TrimSuffix(baseURL.Path, "/")
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s/sessions", base), h.handleCreateSession)
	mux.HandleFunc(fmt.Sprintf("GET %s/sessions", base), h.handleListSessions)
	mux.HandleFunc(fmt.Sprintf("GET %s/sessions/{token}", base), h.handleGetSession)
	mux.HandleFunc(fmt.Sprintf("DELETE %s/sessions/{token}", base), h.handleDeleteSession)
	mux.HandleFunc(fmt.Sprintf("POST %s/sessions/{token}/join", base), h.handleJoinSession)
	mux.HandleFunc(fmt.Sprintf("POST %s/sessions/{token}/messages", base), h.handlePostMessage)
	mux.HandleFunc(fmt.Sprintf("GET %s/sessions/{token}/stream", base), h.handleGetStream)
	h.mux = mux
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeJSON emits a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorMessage builds the wire form of an engine rejection.
func errorMessage(code, msg string, resync *collab.SessionSnapshot) collab.ServerMessage {
	return collab.ServerMessage{
		Kind:  collab.ServerError,
		At:    time.Now().UTC(),
		Error: &collab.ErrorPayload{Code: code, Message: msg, Resync: resync},
	}
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses and
// the protocol's error envelope. Every rejection reaches the submitter; a
// version conflict additionally carries the authoritative snapshot.
func (h *StreamingHTTPHandler) writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		verr  *engine.ValidationError
		nferr *engine.NotFoundError
		uperr *engine.UnknownParticipantError
		caerr *engine.CapacityError
		fberr *engine.ForbiddenError
		cferr *engine.ConflictError
		fterr *engine.FatalError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorMessage("validation", verr.Reason, nil))
	case errors.As(err, &nferr):
		writeJSON(w, http.StatusNotFound, errorMessage("not-found", err.Error(), nil))
	case errors.As(err, &uperr):
		writeJSON(w, http.StatusForbidden, errorMessage("unknown-participant", err.Error(), nil))
	case errors.As(err, &caerr):
		writeJSON(w, http.StatusConflict, errorMessage("capacity", err.Error(), nil))
	case errors.As(err, &fberr):
		writeJSON(w, http.StatusForbidden, errorMessage("forbidden", err.Error(), nil))
	case errors.As(err, &cferr):
		snap := cferr.Snapshot
		writeJSON(w, http.StatusConflict, errorMessage("conflict", err.Error(), &snap))
	case errors.As(err, &fterr):
		h.log.ErrorContext(ctx, "session.fatal", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorMessage("fatal", err.Error(), nil))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusRequestTimeout, errorMessage("timeout", "request timed out", nil))
	default:
		h.log.ErrorContext(ctx, "engine.error.internal", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorMessage("internal", "internal server error", nil))
	}
}

// createSessionRequest is the control-plane create body.
type createSessionRequest struct {
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Language       string            `json:"language,omitempty"`
	Visibility     collab.Visibility `json:"visibility,omitempty"`
	Capacity       int               `json:"capacity,omitempty"`
	Settings       *collab.Settings  `json:"settings,omitempty"`
	Invited        []string          `json:"invited,omitempty"`
	IdleTTLSeconds int64             `json:"idleTtlSeconds,omitempty"`
}

func (h *StreamingHTTPHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSON(w, http.StatusUnsupportedMediaType, errorMessage("validation", "content-type must be application/json", nil))
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorMessage("validation", "invalid JSON body: "+err.Error(), nil))
		return
	}

	sum, err := h.eng.CreateSession(ctx, userInfo.UserID(), engine.CreateSessionRequest{
		Title:       req.Title,
		Description: req.Description,
		Language:    req.Language,
		Visibility:  req.Visibility,
		Capacity:    req.Capacity,
		Settings:    req.Settings,
		Invited:     req.Invited,
		IdleTTL:     time.Duration(req.IdleTTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeEngineError(ctx, w, err)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Token: sum.Token, UserID: userInfo.UserID()})
	h.log.InfoContext(ctx, "session.create.ok", slog.Duration("dur", time.Since(start)))
	writeJSON(w, http.StatusCreated, sum)
}

// listSessionsResponse pages the public catalogue.
type listSessionsResponse struct {
	Sessions   []collab.SessionSummary `json:"sessions"`
	NextCursor string                  `json:"nextCursor,omitempty"`
}

func (h *StreamingHTTPHandler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorMessage("validation", "invalid limit", nil))
			return
		}
		limit = n
	}

	sums, next, err := h.eng.ListPublicSessions(ctx, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sums, NextCursor: next})
}

func (h *StreamingHTTPHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	sum, err := h.eng.Lookup(ctx, r.PathValue("token"))
	if err != nil {
		h.writeEngineError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *StreamingHTTPHandler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	token := r.PathValue("token")
	participantID := r.Header.Get(participantIDHeader)
	if participantID == "" {
		writeJSON(w, http.StatusBadRequest, errorMessage("validation", "missing "+participantIDHeader+" header", nil))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Token: token, UserID: userInfo.UserID(), ParticipantID: participantID})
	if err := h.eng.CloseSession(ctx, token, participantID); err != nil {
		h.writeEngineError(ctx, w, err)
		return
	}
	h.log.InfoContext(ctx, "session.close.ok", slog.Duration("dur", time.Since(start)))
	w.WriteHeader(http.StatusNoContent)
}

// joinResponse is the control-plane join reply: the issued participant
// handle plus the full session state needed to render and start editing.
type joinResponse struct {
	ParticipantID string                 `json:"participantId"`
	State         collab.SessionSnapshot `json:"state"`
}

func (h *StreamingHTTPHandler) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	token := r.PathValue("token")
	var join collab.JoinPayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&join); err != nil {
			writeJSON(w, http.StatusBadRequest, errorMessage("validation", "invalid JSON body: "+err.Error(), nil))
			return
		}
	}

	res, err := h.eng.Join(ctx, token, userInfo.UserID(), join.DisplayName)
	if err != nil {
		h.writeEngineError(ctx, w, err)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Token: token, UserID: userInfo.UserID(), ParticipantID: res.ParticipantID})
	h.log.InfoContext(ctx, "session.join.ok", slog.Duration("dur", time.Since(start)))
	w.Header().Set(participantIDHeader, res.ParticipantID)
	writeJSON(w, http.StatusOK, joinResponse{ParticipantID: res.ParticipantID, State: res.Snapshot})
}

// handlePostMessage is the client→server message lane. Every message kind of
// the wire protocol is accepted here; responses that answer the submitter
// directly (an accepted mutation, a joined session's state) come back as the
// HTTP response body, while fan-out to other participants rides each
// participant's event stream.
func (h *StreamingHTTPHandler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSON(w, http.StatusUnsupportedMediaType, errorMessage("validation", "content-type must be application/json", nil))
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	token := r.PathValue("token")
	var msg collab.ClientMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorMessage("validation", err.Error(), nil))
		return
	}

	participantID := r.Header.Get(participantIDHeader)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Token: token, UserID: userInfo.UserID(), ParticipantID: participantID})
	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Kind: string(msg.Kind)})

	// Joining mints the participant handle, so it alone does not require the
	// participant header.
	if msg.Kind == collab.ClientJoinSession {
		var displayName string
		if msg.Join != nil {
			displayName = msg.Join.DisplayName
		}
		res, err := h.eng.Join(ctx, token, userInfo.UserID(), displayName)
		if err != nil {
			h.writeEngineError(ctx, w, err)
			return
		}
		h.log.InfoContext(ctx, "message.join.ok", slog.Duration("dur", time.Since(start)))
		w.Header().Set(participantIDHeader, res.ParticipantID)
		writeJSON(w, http.StatusOK, collab.ServerMessage{
			Kind:         collab.ServerSessionState,
			At:           time.Now().UTC(),
			SessionState: &res.Snapshot,
		})
		return
	}

	if participantID == "" {
		writeJSON(w, http.StatusBadRequest, errorMessage("validation", "missing "+participantIDHeader+" header", nil))
		return
	}

	switch msg.Kind {
	case collab.ClientCodeChange:
		update, err := h.eng.SubmitMutation(ctx, token, participantID, *msg.CodeChange)
		if err != nil {
			h.writeEngineError(ctx, w, err)
			return
		}
		h.log.InfoContext(ctx, "message.mutation.ok",
			slog.Int64("version", update.Version),
			slog.Duration("dur", time.Since(start)))
		writeJSON(w, http.StatusOK, collab.ServerMessage{
			Kind:       collab.ServerCodeUpdate,
			At:         time.Now().UTC(),
			CodeUpdate: &update,
		})

	case collab.ClientSessionChat:
		if _, err := h.eng.PostChat(ctx, token, participantID, msg.Chat.Body); err != nil {
			h.writeEngineError(ctx, w, err)
			return
		}
		h.log.InfoContext(ctx, "message.chat.ok", slog.Duration("dur", time.Since(start)))
		w.WriteHeader(http.StatusAccepted)

	case collab.ClientLanguageChange:
		if err := h.eng.ChangeLanguage(ctx, token, participantID, msg.LanguageChange.Language); err != nil {
			h.writeEngineError(ctx, w, err)
			return
		}
		h.log.InfoContext(ctx, "message.language.ok", slog.Duration("dur", time.Since(start)))
		w.WriteHeader(http.StatusAccepted)

	case collab.ClientSettingsChange:
		if err := h.eng.UpdateSettings(ctx, token, participantID, msg.SettingsChange.Settings); err != nil {
			h.writeEngineError(ctx, w, err)
			return
		}
		h.log.InfoContext(ctx, "message.settings.ok", slog.Duration("dur", time.Since(start)))
		w.WriteHeader(http.StatusAccepted)

	case collab.ClientHeartbeat:
		if err := h.eng.Heartbeat(ctx, token, participantID); err != nil {
			h.writeEngineError(ctx, w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)

	case collab.ClientLeave:
		if err := h.eng.Leave(ctx, token, participantID); err != nil {
			h.writeEngineError(ctx, w, err)
			return
		}
		h.log.InfoContext(ctx, "message.leave.ok", slog.Duration("dur", time.Since(start)))
		w.WriteHeader(http.StatusAccepted)

	default:
		// ClientMessage.UnmarshalJSON rejects unknown kinds, so this is a
		// closed switch; reaching here means a new kind was added without a
		// handler.
		h.log.ErrorContext(ctx, "message.kind.unhandled", slog.String("kind", string(msg.Kind)))
		writeJSON(w, http.StatusInternalServerError, errorMessage("internal", "unhandled message kind", nil))
	}
}

// handleGetStream attaches the caller to its per-participant event stream
// over SSE. Last-Event-ID resumes delivery after a reconnect; an unresumable
// ID yields a terminal error event carrying a fresh snapshot so the client
// can resynchronize.
func (h *StreamingHTTPHandler) handleGetStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	token := r.PathValue("token")
	participantID := r.Header.Get(participantIDHeader)
	if participantID == "" {
		writeJSON(w, http.StatusBadRequest, errorMessage("validation", "missing "+participantIDHeader+" header", nil))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{Token: token, UserID: userInfo.UserID(), ParticipantID: participantID})

	// Validate session and participant before committing to the SSE response;
	// connecting also counts as liveness.
	if err := h.eng.Heartbeat(ctx, token, participantID); err != nil {
		h.writeEngineError(ctx, w, err)
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	err := h.eng.Subscribe(ctx, token, participantID, lastEventID, func(cbCtx context.Context, eventID string, data []byte) error {
		if err := writeSSEEvent(wf, eventID, data); err != nil {
			h.log.ErrorContext(cbCtx, "sse.write.fail", slog.String("err", err.Error()))
			return err
		}
		return nil
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, sessions.ErrEventNotFound):
		// The resume point fell out of retention; hand the client a snapshot
		// over the already-open stream and let it reconnect cleanly.
		if snap, snapErr := h.eng.Snapshot(ctx, token); snapErr == nil {
			msg := errorMessage("conflict", "stream history unavailable; resynchronize", &snap)
			if data, mErr := json.Marshal(msg); mErr == nil {
				_ = writeSSEEvent(wf, "", data)
			}
		}
		h.log.InfoContext(ctx, "sse.stream.resync", slog.Duration("dur", time.Since(start)))
	default:
		h.log.ErrorContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
	}
}

func (h *StreamingHTTPHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: If the request lacks any authentication information the
		// resource server SHOULD NOT include an error code. Provide only a bare
		// Bearer challenge with realm.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 §3.1.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			// Authentication attempted but token invalid -> 401 invalid_token
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}

		if errors.Is(err, auth.ErrInsufficientScope) {
			// Auth succeeded but insufficient privileges -> 403 insufficient_scope
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return nil
		}

		h.log.InfoContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return userInfo
}

// writeSSEEvent writes a Server-Sent Event frame. The payload is written as
// the data field; eventID, when non-empty, becomes the id field clients echo
// in Last-Event-ID on reconnect. Flushes after each frame.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
