package realtime

import (
	"context"
	"fmt"

	"circuitlab-backend/internal/conversation"
	"circuitlab-backend/internal/models"

	"github.com/google/uuid"
)

// Notifier is the worker-side push surface. It honors the same
// persist-then-fan-out contract as the gateway: a bot message is stored
// through the Conversation Store before anything is emitted.
type Notifier struct {
	store     conversation.Service
	publisher *Publisher
}

func NewNotifier(store conversation.Service, publisher *Publisher) *Notifier {
	return &Notifier{store: store, publisher: publisher}
}

// SendBotMessage appends a bot message to the conversation and fans it out to
// the conversation room and both participants' personal rooms. The student's
// personal room additionally receives bot-message-received for clients that
// track bot activity without joining the room.
func (n *Notifier) SendBotMessage(ctx context.Context, conversationID uuid.UUID, params conversation.AppendParams) (*models.Message, error) {
	msg, conv, err := n.store.Append(ctx, conversationID, models.BotParticipant, params)
	if err != nil {
		return nil, fmt.Errorf("failed to persist bot message: %w", err)
	}

	payload := NewMessagePayload{
		ConversationID: conversationID.String(),
		Message:        msg,
		Conversation:   conv,
	}
	targets := append([]string{ConversationRoom(conversationID)}, participantRooms(conv)...)
	if err := n.publisher.Emit(ctx, targets, EventNewMessage, payload); err != nil {
		return msg, fmt.Errorf("bot message stored but fan-out failed: %w", err)
	}
	if err := n.publisher.Emit(ctx, []string{UserRoom(conv.StudentID)}, EventBotMessageReceived, payload); err != nil {
		return msg, fmt.Errorf("bot message stored but fan-out failed: %w", err)
	}
	return msg, nil
}

// PushUserEvent drives the legacy per-user channel.
func (n *Notifier) PushUserEvent(ctx context.Context, userID uuid.UUID, event string, payload any) error {
	return n.publisher.Emit(ctx, []string{UserRoom(userID)}, event, payload)
}
