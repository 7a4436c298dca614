package engine

import (
	"errors"
	"testing"

	"github.com/peergrid/collab-server-go/collab"
	"github.com/peergrid/collab-server-go/sessions"
)

func TestAuthorize(t *testing.T) {
	host := &participant{ID: "p-host", UserID: "u-host", Role: collab.RoleHost}
	member := &participant{ID: "p-member", UserID: "u-member", Role: collab.RoleParticipant}
	invitee := &participant{ID: "p-invitee", UserID: "u-invitee", Role: collab.RoleParticipant}

	metaWith := func(policy collab.EditPolicy, chat bool) *sessions.SessionMetadata {
		return &sessions.SessionMetadata{
			Token:     "tok",
			CreatedBy: "u-host",
			Invited:   []string{"u-invitee"},
			Settings:  collab.Settings{EditPolicy: policy, ChatEnabled: chat},
		}
	}

	cases := []struct {
		name   string
		meta   *sessions.SessionMetadata
		p      *participant
		action Action
		allow  bool
	}{
		{"all-participants member edits", metaWith(collab.EditAllParticipants, true), member, ActionCodeMutation, true},
		{"host-only member edit denied", metaWith(collab.EditHostOnly, true), member, ActionCodeMutation, false},
		{"host-only host edits", metaWith(collab.EditHostOnly, true), host, ActionCodeMutation, true},
		{"invited-only invitee edits", metaWith(collab.EditInvitedOnly, true), invitee, ActionCodeMutation, true},
		{"invited-only member denied", metaWith(collab.EditInvitedOnly, true), member, ActionCodeMutation, false},
		{"invited-only host edits", metaWith(collab.EditInvitedOnly, true), host, ActionCodeMutation, true},
		{"chat enabled", metaWith(collab.EditAllParticipants, true), member, ActionChat, true},
		{"chat disabled", metaWith(collab.EditAllParticipants, false), member, ActionChat, false},
		{"chat disabled for host too", metaWith(collab.EditAllParticipants, false), host, ActionChat, false},
		{"language change host", metaWith(collab.EditAllParticipants, true), host, ActionLanguageChange, true},
		{"language change member denied", metaWith(collab.EditAllParticipants, true), member, ActionLanguageChange, false},
		{"settings change member denied", metaWith(collab.EditAllParticipants, true), member, ActionSettingsChange, false},
		{"close session member denied", metaWith(collab.EditAllParticipants, true), member, ActionCloseSession, false},
		{"close session host", metaWith(collab.EditAllParticipants, true), host, ActionCloseSession, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := authorize(tc.meta, tc.p, tc.action)
			if tc.allow && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tc.allow {
				var ferr *ForbiddenError
				if !errors.As(err, &ferr) {
					t.Fatalf("expected ForbiddenError, got %v", err)
				}
			}
		})
	}
}
