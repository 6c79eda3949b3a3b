package realtime

import (
	"encoding/json"
	"fmt"

	"circuitlab-backend/internal/models"

	"github.com/google/uuid"
)

// Client -> server events.
const (
	EventAuth              = "auth"
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventMarkAsRead        = "mark-as-read"
)

// Server -> client events.
const (
	EventConnected          = "connected"
	EventError              = "error"
	EventJoinedConversation = "joined-conversation"
	EventLeftConversation   = "left-conversation"
	EventNewMessage         = "new-message"
	EventMessageReceived    = "message-received"
	EventBotMessageReceived = "bot-message-received"
	EventMessagesRead       = "messages-read"
	EventMarkedAsRead       = "marked-as-read"
)

// Legacy per-user channel events. These fire alongside the conversation
// events for the same processing run; older clients only understand these.
const (
	EventProcessingUpdate   = "processing-update"
	EventProcessingComplete = "processing-complete"
)

// Envelope is the wire frame: an event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// UserRoom addresses every live session of one identity.
func UserRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// ConversationRoom addresses the sessions currently viewing a conversation.
func ConversationRoom(conversationID uuid.UUID) string {
	return "conversation:" + conversationID.String()
}

type AuthPayload struct {
	Token string `json:"token"`
}

type ConnectedPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID string          `json:"conversationId"`
	Message        IncomingMessage `json:"message"`
}

type IncomingMessage struct {
	Type           models.MessageType `json:"type"`
	Content        string             `json:"content"`
	ImageKey       *string            `json:"imageKey,omitempty"`
	RelatedImageID *uuid.UUID         `json:"relatedImageId,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
}

type NewMessagePayload struct {
	ConversationID string               `json:"conversationId"`
	Message        *models.Message      `json:"message"`
	Conversation   *models.Conversation `json:"conversation"`
}

type MessagesReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
}

type ProcessingUpdatePayload struct {
	ImageID string `json:"imageId"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ProcessingCompletePayload struct {
	ImageID           string `json:"imageId"`
	Status            string `json:"status"`
	Message           string `json:"message"`
	TotalCodes        int    `json:"totalCodes"`
	ReadableCodes     int    `json:"readableCodes"`
	UnreadableCodes   int    `json:"unreadableCodes"`
	ProcessedImageURL string `json:"processedImageUrl,omitempty"`
}
