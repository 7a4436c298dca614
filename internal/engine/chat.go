package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/peergrid/collab-server-go/collab"
)

// maxChatBodyBytes bounds a single chat message.
const maxChatBodyBytes = 2000

// postChat appends a message to the session's bounded chat log in server
// receipt order and fans it out to every connected participant, the author
// included. Delivery is at-most-once: a participant disconnected at
// broadcast time receives the recent history in the snapshot on its next
// join or resync.
func (a *actor) postChat(ctx context.Context, participantID, body string) (collab.ChatMessage, error) {
	var msg collab.ChatMessage
	err := a.do(ctx, func() error {
		p, ok := a.participants[participantID]
		if !ok {
			return &UnknownParticipantError{ParticipantID: participantID}
		}
		if err := authorize(a.meta, p, ActionChat); err != nil {
			return err
		}

		body = strings.TrimRight(body, "\n")
		if strings.TrimSpace(body) == "" {
			return validationErrorf("empty chat message")
		}
		if len(body) > maxChatBodyBytes {
			return validationErrorf("chat message exceeds %d bytes", maxChatBodyBytes)
		}

		now := time.Now().UTC()
		msg = collab.ChatMessage{
			ID:         uuid.NewString(),
			AuthorID:   p.ID,
			AuthorName: p.DisplayName,
			Body:       body,
			At:         now,
		}
		a.chat = append(a.chat, msg)
		if len(a.chat) > a.eng.chatLogCap {
			a.chat = a.chat[len(a.chat)-a.eng.chatLogCap:]
		}

		p.LastSeen = now
		a.touch()
		a.eng.metrics.IncCounter("chat_messages", nil)
		a.broadcast("", collab.ServerMessage{Kind: collab.ServerChatMessage, At: now, ChatMessage: &msg})
		return nil
	})
	return msg, err
}
