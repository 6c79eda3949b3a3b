package models

import (
	"time"

	"github.com/google/uuid"
)

type SenderRole string

const (
	RoleStudent    SenderRole = "student"
	RoleInstructor SenderRole = "instructor"
	RoleAdmin      SenderRole = "admin"
	RoleBot        SenderRole = "bot"
)

// Valid reports whether r is one of the four known participant kinds.
func (r SenderRole) Valid() bool {
	switch r {
	case RoleStudent, RoleInstructor, RoleAdmin, RoleBot:
		return true
	}
	return false
}

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeFeedback MessageType = "feedback"
	MessageTypeSystem   MessageType = "system"
)

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Participant identifies an acting party at a permission-check site.
type Participant struct {
	ID   uuid.UUID  `json:"id"`
	Role SenderRole `json:"role"`
}

// BotParticipant is the automated feedback agent. Its fixed id keeps bot
// messages distinguishable from every real user at unread-count time.
var BotParticipant = Participant{
	ID:   uuid.MustParse("00000000-0000-0000-0000-00000000b071"),
	Role: RoleBot,
}

type Message struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	ConversationID uuid.UUID      `json:"conversation_id" db:"conversation_id"`
	SenderID       uuid.UUID      `json:"sender_id" db:"sender_id"`
	SenderRole     SenderRole     `json:"sender_role" db:"sender_role"`
	Type           MessageType    `json:"type" db:"type"`
	Content        string         `json:"content" db:"content"`
	ImageKey       *string        `json:"image_key,omitempty" db:"image_key"`
	RelatedImageID *uuid.UUID     `json:"related_image_id,omitempty" db:"related_image_id"`
	IsRead         bool           `json:"is_read" db:"is_read"`
	SentAt         time.Time      `json:"sent_at" db:"sent_at"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"metadata"`
}

type Conversation struct {
	ID            uuid.UUID          `json:"id" db:"id"`
	ExperimentID  uuid.UUID          `json:"experiment_id" db:"experiment_id"`
	StudentID     uuid.UUID          `json:"student_id" db:"student_id"`
	InstructorID  *uuid.UUID         `json:"instructor_id,omitempty" db:"instructor_id"`
	Title         string             `json:"title" db:"title"`
	Status        ConversationStatus `json:"status" db:"status"`
	LastMessageAt *time.Time         `json:"last_message_at,omitempty" db:"last_message_at"`
	LastMessageBy *uuid.UUID         `json:"last_message_by,omitempty" db:"last_message_by"`
	// Messages is populated by GetByID only; list queries leave it nil.
	Messages []Message `json:"messages,omitempty"`
	// UnreadCount is computed for the requesting viewer.
	UnreadCount int       `json:"unread_count"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
