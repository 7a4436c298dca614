package engine

import (
	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/sessions"
)

// Action names a state-changing request checked by the permission gate.
type Action string

const (
	ActionCodeMutation   Action = "code-mutation"
	ActionChat           Action = "chat"
	ActionLanguageChange Action = "language-change"
	ActionSettingsChange Action = "settings-change"
	ActionCloseSession   Action = "close-session"
)

// authorize validates an action against the session settings and the
// participant's role. It is consulted before any state-changing action
// reaches the edit synchronizer or the chat relay, and holds no state of its
// own beyond the session it inspects.
func authorize(meta *sessions.SessionMetadata, p *participant, action Action) error {
	switch action {
	case ActionCodeMutation:
		switch meta.Settings.EditPolicy {
		case collab.EditAllParticipants:
			return nil
		case collab.EditHostOnly:
			if p.Role == collab.RoleHost {
				return nil
			}
			return &ForbiddenError{Action: action, Reason: "edit policy is host-only"}
		case collab.EditInvitedOnly:
			if p.Role == collab.RoleHost || meta.IsInvited(p.UserID) {
				return nil
			}
			return &ForbiddenError{Action: action, Reason: "edit policy is invited-only"}
		default:
			return &ForbiddenError{Action: action, Reason: "unknown edit policy"}
		}

	case ActionChat:
		if !meta.Settings.ChatEnabled {
			return &ForbiddenError{Action: action, Reason: "chat is disabled for this session"}
		}
		return nil

	case ActionLanguageChange, ActionSettingsChange, ActionCloseSession:
		if p.Role != collab.RoleHost {
			return &ForbiddenError{Action: action, Reason: "restricted to the session host"}
		}
		return nil

	default:
		return &ForbiddenError{Action: action, Reason: "unknown action"}
	}
}
