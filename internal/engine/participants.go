package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/sessions"
)

// participant is a connected identity bound to exactly one session. It is
// created on join and destroyed on leave, disconnect, or stale eviction; it
// does not outlive its transport connection beyond the heartbeat window.
type participant struct {
	ID          string
	UserID      string
	DisplayName string
	Role        collab.Role
	JoinedAt    time.Time
	LastSeen    time.Time
}

func (p *participant) info() collab.ParticipantInfo {
	return collab.ParticipantInfo{
		ID:          p.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		JoinedAt:    p.JoinedAt,
		LastSeen:    p.LastSeen,
	}
}

// JoinResult is handed to a participant that successfully joined.
type JoinResult struct {
	ParticipantID string
	Snapshot      collab.SessionSnapshot
}

// join registers a user with the session. The first joiner becomes host.
// Joining is idempotent per user ID: re-joining returns the existing
// participant handle with a fresh snapshot, which makes the control-plane
// join-by-request safe to retry.
func (a *actor) join(ctx context.Context, userID, displayName string) (JoinResult, error) {
	var res JoinResult
	err := a.do(ctx, func() error {
		now := time.Now().UTC()

		for _, p := range a.participants {
			if p.UserID == userID {
				p.LastSeen = now
				res = JoinResult{ParticipantID: p.ID, Snapshot: a.snapshot()}
				return nil
			}
		}

		if a.meta.Visibility == collab.VisibilityPrivate && !a.meta.IsInvited(userID) {
			a.eng.metrics.IncCounter("joins_rejected", map[string]string{"reason": "forbidden"})
			return &ForbiddenError{Action: "join", Reason: "session is private"}
		}
		if len(a.participants) >= a.meta.Capacity {
			a.eng.metrics.IncCounter("joins_rejected", map[string]string{"reason": "capacity"})
			return &CapacityError{Token: a.token, Capacity: a.meta.Capacity}
		}

		p := &participant{
			ID:          uuid.NewString(),
			UserID:      userID,
			DisplayName: displayName,
			Role:        collab.RoleParticipant,
			JoinedAt:    now,
			LastSeen:    now,
		}
		if len(a.participants) == 0 {
			p.Role = collab.RoleHost
		}
		a.participants[p.ID] = p

		if a.state == stateCreated || a.state == stateIdle {
			a.state = stateActive
		}
		a.meta.ParticipantCount = len(a.participants)
		a.persistMeta(func(m *sessions.SessionMetadata) {})

		a.eng.metrics.IncCounter("joins_accepted", nil)
		a.broadcast(p.ID, collab.ServerMessage{
			Kind:     collab.ServerUserJoined,
			At:       now,
			Presence: &collab.PresencePayload{Participant: p.info()},
		})

		res = JoinResult{ParticipantID: p.ID, Snapshot: a.snapshot()}
		return nil
	})
	return res, err
}

// leave removes a participant and runs the host-reassignment policy when the
// host departs: the longest-tenured remaining participant is promoted. With
// no participants left the session turns idle and becomes eligible for
// reaping.
func (a *actor) leave(ctx context.Context, participantID string) error {
	return a.do(ctx, func() error {
		return a.removeParticipant(participantID, "left")
	})
}

// removeParticipant implements leave, disconnect, and stale eviction. Must be
// called from the run loop.
func (a *actor) removeParticipant(participantID, reason string) error {
	p, ok := a.participants[participantID]
	if !ok {
		return &UnknownParticipantError{ParticipantID: participantID}
	}
	delete(a.participants, participantID)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), a.eng.publishTimeout)
	defer cancel()
	if err := a.eng.host.CleanupStream(cleanupCtx, streamID(a.token, participantID)); err != nil {
		a.log.Warn("cleanup participant stream", "participant", participantID, "error", err)
	}

	var promoted *participant
	if p.Role == collab.RoleHost {
		promoted = a.promoteNextHost()
	}

	now := time.Now().UTC()
	presence := &collab.PresencePayload{Participant: p.info()}
	if promoted != nil {
		info := promoted.info()
		presence.NewHost = &info
	}
	a.broadcast("", collab.ServerMessage{Kind: collab.ServerUserLeft, At: now, Presence: presence})

	a.meta.ParticipantCount = len(a.participants)
	a.persistMeta(func(m *sessions.SessionMetadata) {})

	if len(a.participants) == 0 {
		a.state = stateIdle
		a.idleSince = now
	}
	a.log.Info("participant removed", "participant", participantID, "reason", reason, "remaining", len(a.participants))
	return nil
}

// promoteNextHost picks the longest-tenured remaining participant (ties
// broken by participant ID for determinism) and promotes it. Returns nil
// when the session is empty.
func (a *actor) promoteNextHost() *participant {
	var next *participant
	for _, cand := range a.participants {
		if next == nil ||
			cand.JoinedAt.Before(next.JoinedAt) ||
			(cand.JoinedAt.Equal(next.JoinedAt) && cand.ID < next.ID) {
			next = cand
		}
	}
	if next != nil {
		next.Role = collab.RoleHost
	}
	return next
}

// heartbeat refreshes a participant's liveness marker used for
// stale-connection detection.
func (a *actor) heartbeat(ctx context.Context, participantID string) error {
	return a.do(ctx, func() error {
		p, ok := a.participants[participantID]
		if !ok {
			return &UnknownParticipantError{ParticipantID: participantID}
		}
		p.LastSeen = time.Now().UTC()
		a.touch()
		return nil
	})
}

// hasParticipant is used by the transport to gate stream subscriptions.
func (a *actor) hasParticipant(ctx context.Context, participantID string) (bool, error) {
	var ok bool
	err := a.do(ctx, func() error {
		_, ok = a.participants[participantID]
		return nil
	})
	return ok, err
}
