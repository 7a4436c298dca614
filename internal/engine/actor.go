package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/sessions"
)

// lifecycleState is a session's position in the Created → Active → Idle →
// Reaped state machine.
type lifecycleState string

const (
	stateCreated lifecycleState = "created"
	stateActive  lifecycleState = "active"
	stateIdle    lifecycleState = "idle"
	stateReaped  lifecycleState = "reaped"
)

// actor owns all mutable state of one session. Every join, leave, mutation,
// chat post, and settings change addressed to the session's token is funneled
// through one command channel and processed by a single goroutine in receipt
// order, so no locks are needed inside a session and the applied order is the
// broadcast order.
type actor struct {
	token string
	eng   *Engine
	log   *slog.Logger

	cmds chan func()
	done chan struct{}

	// State below is owned exclusively by the run loop.
	meta         *sessions.SessionMetadata
	edit         editState
	participants map[string]*participant
	chat         []collab.ChatMessage
	state        lifecycleState
	idleSince    time.Time
}

func newActor(eng *Engine, meta *sessions.SessionMetadata) *actor {
	a := &actor{
		token:        meta.Token,
		eng:          eng,
		log:          eng.log.With(slog.String("session", meta.Token)),
		cmds:         make(chan func(), 32),
		done:         make(chan struct{}),
		meta:         meta,
		edit:         editState{lookback: eng.maxLookback},
		participants: make(map[string]*participant),
		state:        stateCreated,
		idleSince:    time.Now().UTC(),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	for {
		select {
		case fn := <-a.cmds:
			fn()
		case <-a.done:
			return
		}
	}
}

// do submits fn to the actor and waits for completion. A stopped actor (the
// session was reaped between lookup and submission) reports NotFoundError;
// context cancellation abandons the command, which matches the contract that
// a disconnect cancels only that participant's queued operations.
func (a *actor) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	wrapped := func() { reply <- fn() }

	select {
	case a.cmds <- wrapped:
	case <-a.done:
		return &NotFoundError{Token: a.token}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-a.done:
		// The actor may have executed fn just before stopping.
		select {
		case err := <-reply:
			return err
		default:
			return &NotFoundError{Token: a.token}
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// streamID names the per-participant event stream on the session host.
func streamID(token, participantID string) string {
	return token + "/" + participantID
}

// publish sends msg to a single participant's stream. Delivery is
// best-effort: a failure is logged and counted but never fails the action
// that produced the message.
func (a *actor) publish(participantID string, msg collab.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		a.log.Error("marshal server message", slog.String("kind", string(msg.Kind)), slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.eng.publishTimeout)
	defer cancel()
	if _, err := a.eng.host.PublishStream(ctx, streamID(a.token, participantID), data); err != nil {
		a.eng.metrics.IncCounter("broadcasts_failed", nil)
		a.log.Warn("publish to participant failed",
			slog.String("participant", participantID),
			slog.String("kind", string(msg.Kind)),
			slog.Any("error", err))
	}
}

// broadcast fans msg out to every participant except the one named by
// exclude (empty string excludes nobody).
func (a *actor) broadcast(exclude string, msg collab.ServerMessage) {
	for id := range a.participants {
		if id == exclude {
			continue
		}
		a.publish(id, msg)
	}
}

// snapshot builds the full state view handed out on join and resync. Must be
// called from the run loop.
func (a *actor) snapshot() collab.SessionSnapshot {
	parts := make([]collab.ParticipantInfo, 0, len(a.participants))
	for _, p := range a.participants {
		parts = append(parts, p.info())
	}
	sort.Slice(parts, func(i, j int) bool {
		if !parts[i].JoinedAt.Equal(parts[j].JoinedAt) {
			return parts[i].JoinedAt.Before(parts[j].JoinedAt)
		}
		return parts[i].ID < parts[j].ID
	})

	chat := make([]collab.ChatMessage, len(a.chat))
	copy(chat, a.chat)

	return collab.SessionSnapshot{
		Token:        a.meta.Token,
		Title:        a.meta.Title,
		Description:  a.meta.Description,
		Language:     a.meta.Language,
		Visibility:   a.meta.Visibility,
		Capacity:     a.meta.Capacity,
		Settings:     a.meta.Settings,
		Buffer:       a.edit.buffer,
		Version:      a.edit.version,
		Participants: parts,
		ChatLog:      chat,
	}
}

// touch records activity on the session: the in-memory timestamp drives idle
// expiry, and the host metadata is refreshed so catalogue listings stay
// current.
func (a *actor) touch() {
	now := time.Now().UTC()
	a.meta.LastActivity = now
	ctx, cancel := context.WithTimeout(context.Background(), a.eng.publishTimeout)
	defer cancel()
	if err := a.eng.host.TouchSession(ctx, a.token); err != nil {
		a.log.Warn("touch session metadata", slog.Any("error", err))
	}
}

// persistMeta pushes the actor's metadata copy to the host. Failures are
// logged; the in-memory actor state remains authoritative for the live
// session.
func (a *actor) persistMeta(fn func(*sessions.SessionMetadata)) {
	fn(a.meta)
	a.meta.LastActivity = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), a.eng.publishTimeout)
	defer cancel()
	err := a.eng.host.MutateSession(ctx, a.token, func(m *sessions.SessionMetadata) error {
		fn(m)
		m.ParticipantCount = a.meta.ParticipantCount
		return nil
	})
	if err != nil {
		a.log.Warn("persist session metadata", slog.Any("error", err))
	}
}

// --- Mutations, language, settings ---

// submitMutation runs the permission gate and the edit synchronizer, then
// fans the accepted operation out to the other participants.
func (a *actor) submitMutation(ctx context.Context, participantID string, payload collab.CodeChangePayload) (collab.CodeUpdatePayload, error) {
	var out collab.CodeUpdatePayload
	err := a.do(ctx, func() error {
		p, ok := a.participants[participantID]
		if !ok {
			return &UnknownParticipantError{ParticipantID: participantID}
		}
		if err := authorize(a.meta, p, ActionCodeMutation); err != nil {
			a.eng.metrics.IncCounter("mutations_rejected", map[string]string{"reason": "forbidden"})
			return err
		}

		applied, err := a.edit.applyMutation(payload)
		if err != nil {
			if err == errTooStale {
				a.eng.metrics.IncCounter("mutations_rejected", map[string]string{"reason": "conflict"})
				return &ConflictError{
					BaseVersion: payload.BaseVersion,
					Version:     a.edit.version,
					Snapshot:    a.snapshot(),
				}
			}
			var ferr *FatalError
			if errors.As(err, &ferr) {
				ferr.Token = a.token
				a.fatal(ferr.Reason)
				return ferr
			}
			a.eng.metrics.IncCounter("mutations_rejected", map[string]string{"reason": "validation"})
			return err
		}

		p.LastSeen = time.Now().UTC()
		a.touch()
		a.eng.metrics.IncCounter("mutations_accepted", nil)
		a.eng.metrics.ObserveHistogram("mutation_transform_gap", float64(a.edit.version-1-payload.BaseVersion), nil)

		out = collab.CodeUpdatePayload{Version: a.edit.version, Operation: applied, By: participantID}
		a.broadcast(participantID, collab.ServerMessage{
			Kind:       collab.ServerCodeUpdate,
			At:         time.Now().UTC(),
			CodeUpdate: &out,
		})
		return nil
	})
	return out, err
}

func (a *actor) changeLanguage(ctx context.Context, participantID, language string) error {
	return a.do(ctx, func() error {
		p, ok := a.participants[participantID]
		if !ok {
			return &UnknownParticipantError{ParticipantID: participantID}
		}
		if err := authorize(a.meta, p, ActionLanguageChange); err != nil {
			return err
		}
		if !collab.IsSupportedLanguage(language) {
			return validationErrorf("unsupported language %q", language)
		}

		a.persistMeta(func(m *sessions.SessionMetadata) { m.Language = language })
		p.LastSeen = time.Now().UTC()
		a.broadcast("", collab.ServerMessage{
			Kind:           collab.ServerLanguageUpdate,
			At:             time.Now().UTC(),
			LanguageUpdate: &collab.LanguageUpdatePayload{Language: language, By: participantID},
		})
		return nil
	})
}

func (a *actor) updateSettings(ctx context.Context, participantID string, settings collab.Settings) error {
	return a.do(ctx, func() error {
		p, ok := a.participants[participantID]
		if !ok {
			return &UnknownParticipantError{ParticipantID: participantID}
		}
		if err := authorize(a.meta, p, ActionSettingsChange); err != nil {
			return err
		}
		if err := settings.Validate(); err != nil {
			return &ValidationError{Reason: err.Error()}
		}

		a.persistMeta(func(m *sessions.SessionMetadata) { m.Settings = settings })
		p.LastSeen = time.Now().UTC()
		a.broadcast("", collab.ServerMessage{
			Kind:           collab.ServerSettingsUpdate,
			At:             time.Now().UTC(),
			SettingsUpdate: &collab.SettingsUpdatePayload{Settings: settings, By: participantID},
		})
		return nil
	})
}

// currentSnapshot serves introspection requests.
func (a *actor) currentSnapshot(ctx context.Context) (collab.SessionSnapshot, error) {
	var snap collab.SessionSnapshot
	err := a.do(ctx, func() error {
		snap = a.snapshot()
		return nil
	})
	return snap, err
}
