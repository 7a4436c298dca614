package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peergrid/collab-server-go/metrics"
	"github.com/peergrid/collab-server-go/sessions"
	"github.com/peergrid/collab-server-go/storage"
)

const (
	defaultIdleTTL          = 10 * time.Minute
	defaultReapInterval     = 15 * time.Second
	defaultJoinTimeout      = 10 * time.Second
	defaultHeartbeatTimeout = 90 * time.Second
	defaultPublishTimeout   = 5 * time.Second
	defaultMaxLookback      = 128
	defaultChatLogCap       = 200
	defaultSessionCapacity  = 8
	defaultMaxCapacity      = 64
)

// Engine coordinates every live collaboration session. It owns one actor per
// session token and routes all operations through it; the SessionHost
// provides durable metadata and the per-participant event streams the actors
// fan out on.
type Engine struct {
	host     sessions.SessionHost
	log      *slog.Logger
	metrics  metrics.Sink
	archiver storage.Archiver

	idleTTL          time.Duration
	reapInterval     time.Duration
	joinTimeout      time.Duration
	heartbeatTimeout time.Duration
	publishTimeout   time.Duration
	maxLookback      int
	chatLogCap       int
	defaultCapacity  int
	maxCapacity      int

	mu     sync.Mutex
	actors map[string]*actor
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics sink. Defaults to a no-op sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(e *Engine) { e.metrics = sink }
}

// WithArchiver sets the persistence collaborator that receives a session's
// final buffer and chat log when it is reaped. Without one, reaped state is
// discarded.
func WithArchiver(a storage.Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithIdleTTL sets the default idle window after which an empty session is
// reaped. Individual sessions may carry their own TTL in metadata.
func WithIdleTTL(d time.Duration) Option {
	return func(e *Engine) { e.idleTTL = d }
}

// WithReapInterval sets how often the reaper sweeps sessions for idle expiry
// and stale participants.
func WithReapInterval(d time.Duration) Option {
	return func(e *Engine) { e.reapInterval = d }
}

// WithJoinTimeout bounds the join handshake.
func WithJoinTimeout(d time.Duration) Option {
	return func(e *Engine) { e.joinTimeout = d }
}

// WithHeartbeatTimeout sets how long a participant may go without a
// heartbeat or action before being evicted as stale.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(e *Engine) { e.heartbeatTimeout = d }
}

// WithMaxLookback bounds the rolling operation log used to transform
// near-concurrent mutations. Mutations based further back are rejected with
// a ConflictError carrying a full snapshot.
func WithMaxLookback(n int) Option {
	return func(e *Engine) { e.maxLookback = n }
}

// WithChatLogCap bounds the retained chat history per session.
func WithChatLogCap(n int) Option {
	return func(e *Engine) { e.chatLogCap = n }
}

// WithCapacityLimits sets the default participant capacity applied when a
// create request omits one, and the hard ceiling a request may ask for.
func WithCapacityLimits(def, max int) Option {
	return func(e *Engine) {
		e.defaultCapacity = def
		e.maxCapacity = max
	}
}

// NewEngine constructs an Engine backed by host.
func NewEngine(host sessions.SessionHost, opts ...Option) *Engine {
	e := &Engine{
		host:             host,
		log:              slog.Default(),
		metrics:          metrics.Nop{},
		idleTTL:          defaultIdleTTL,
		reapInterval:     defaultReapInterval,
		joinTimeout:      defaultJoinTimeout,
		heartbeatTimeout: defaultHeartbeatTimeout,
		publishTimeout:   defaultPublishTimeout,
		maxLookback:      defaultMaxLookback,
		chatLogCap:       defaultChatLogCap,
		defaultCapacity:  defaultSessionCapacity,
		maxCapacity:      defaultMaxCapacity,
		actors:           make(map[string]*actor),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives the reaper until ctx is cancelled. It should be started once,
// alongside the transport.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			e.mu.Lock()
			live := make([]*actor, 0, len(e.actors))
			for _, a := range e.actors {
				live = append(live, a)
			}
			e.mu.Unlock()
			for _, a := range live {
				a.sweep(now.UTC())
			}
		}
	}
}

// actorFor returns the live actor for token, resurrecting one from host
// metadata if this process does not have it in memory yet (a restart with a
// durable host, or the first action after create on another code path).
func (e *Engine) actorFor(ctx context.Context, token string) (*actor, error) {
	e.mu.Lock()
	if a, ok := e.actors[token]; ok {
		e.mu.Unlock()
		return a, nil
	}
	e.mu.Unlock()

	meta, err := e.host.GetSession(ctx, token)
	if err != nil {
		if err == sessions.ErrSessionNotFound {
			return nil, &NotFoundError{Token: token}
		}
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.actors[token]; ok {
		return a, nil
	}
	a := newActor(e, meta)
	e.actors[token] = a
	return a, nil
}

// removeActor drops the actor from the registry. Called by the actor itself
// as the final step of termination.
func (e *Engine) removeActor(token string) {
	e.mu.Lock()
	delete(e.actors, token)
	e.mu.Unlock()
}
