package engine

import (
	"context"
	"time"

	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/storage"
)

// closeByHost is the explicit close issued over the control plane. Only the
// host may close a session this way.
func (a *actor) closeByHost(ctx context.Context, participantID string) error {
	return a.do(ctx, func() error {
		p, ok := a.participants[participantID]
		if !ok {
			return &UnknownParticipantError{ParticipantID: participantID}
		}
		if err := authorize(a.meta, p, ActionCloseSession); err != nil {
			return err
		}
		a.terminate("closed by host")
		return nil
	})
}

// sweep is enqueued by the engine's reaper tick. It evicts participants
// whose heartbeat went stale and reaps the session once it has sat idle
// (zero participants) past its TTL.
func (a *actor) sweep(now time.Time) {
	select {
	case a.cmds <- func() {
		for id, p := range a.participants {
			if now.Sub(p.LastSeen) > a.eng.heartbeatTimeout {
				_ = a.removeParticipant(id, "stale heartbeat")
			}
		}
		if a.state == stateIdle || a.state == stateCreated {
			ttl := a.meta.TTL
			if ttl <= 0 {
				ttl = a.eng.idleTTL
			}
			if now.Sub(a.idleSince) >= ttl {
				a.terminate("idle timeout")
			}
		}
	}:
	case <-a.done:
	default:
		// The actor is busy; the next tick will try again.
	}
}

// terminate is the single exit path for a session: explicit close, idle
// reap, or fatal teardown. It notifies every participant, hands the final
// state to the persistence collaborator, releases host resources, and
// removes the session from the registry. Must be called from the run loop;
// idempotent.
func (a *actor) terminate(reason string) {
	if a.state == stateReaped {
		return
	}

	now := time.Now().UTC()
	a.broadcast("", collab.ServerMessage{
		Kind:          collab.ServerSessionClosed,
		At:            now,
		SessionClosed: &collab.SessionClosedPayload{Reason: reason},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.eng.archiver != nil {
		final := storage.FinalState{
			Token:    a.token,
			Title:    a.meta.Title,
			Language: a.meta.Language,
			Buffer:   a.edit.buffer,
			Version:  a.edit.version,
			ChatLog:  append([]collab.ChatMessage(nil), a.chat...),
			ClosedAt: now,
			Reason:   reason,
		}
		if err := a.eng.archiver.SaveFinalState(ctx, a.token, final); err != nil {
			a.log.Error("archive final state", "error", err)
		}
	}

	for id := range a.participants {
		if err := a.eng.host.CleanupStream(ctx, streamID(a.token, id)); err != nil {
			a.log.Warn("cleanup participant stream", "participant", id, "error", err)
		}
	}
	a.participants = make(map[string]*participant)

	if err := a.eng.host.DeleteSession(ctx, a.token); err != nil {
		a.log.Warn("delete session metadata", "error", err)
	}

	a.state = stateReaped
	close(a.done)
	a.eng.removeActor(a.token)
	a.eng.metrics.IncCounter("sessions_reaped", map[string]string{"reason": reasonTag(reason)})
	a.log.Info("session reaped", "reason", reason, "version", a.edit.version)
}

// fatal force-reaps a session whose state can no longer be trusted. All
// participants receive a terminal error before teardown.
func (a *actor) fatal(reason string) {
	a.broadcast("", collab.ServerMessage{
		Kind: collab.ServerError,
		At:   time.Now().UTC(),
		Error: &collab.ErrorPayload{
			Code:    "fatal",
			Message: "session state corrupt; create a new session",
		},
	})
	a.terminate("fatal: " + reason)
}

func reasonTag(reason string) string {
	switch reason {
	case "closed by host":
		return "closed"
	case "idle timeout":
		return "idle"
	default:
		return "fatal"
	}
}
