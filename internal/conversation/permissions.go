package conversation

import (
	"circuitlab-backend/internal/models"
)

// CanAppend applies the participation rule: students write only to their own
// conversation, instructors only where assigned (or while the conversation is
// unassigned), bot and admin anywhere. Unknown roles are rejected.
func CanAppend(conv *models.Conversation, p models.Participant) bool {
	switch p.Role {
	case models.RoleStudent:
		return conv.StudentID == p.ID
	case models.RoleInstructor:
		return conv.InstructorID == nil || *conv.InstructorID == p.ID
	case models.RoleAdmin:
		return true
	case models.RoleBot:
		return true
	default:
		return false
	}
}

// CanView uses the same rule as CanAppend; there are no read-only
// participants in a conversation.
func CanView(conv *models.Conversation, p models.Participant) bool {
	return CanAppend(conv, p)
}
