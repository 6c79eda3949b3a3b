package conversation

import (
	"testing"

	"circuitlab-backend/internal/models"

	"github.com/google/uuid"
)

func TestCanAppend(t *testing.T) {
	student := uuid.New()
	instructor := uuid.New()
	other := uuid.New()

	assigned := &models.Conversation{StudentID: student, InstructorID: &instructor}
	unassigned := &models.Conversation{StudentID: student}

	cases := []struct {
		name string
		conv *models.Conversation
		p    models.Participant
		want bool
	}{
		{"own student", assigned, models.Participant{ID: student, Role: models.RoleStudent}, true},
		{"foreign student", assigned, models.Participant{ID: other, Role: models.RoleStudent}, false},
		{"assigned instructor", assigned, models.Participant{ID: instructor, Role: models.RoleInstructor}, true},
		{"foreign instructor", assigned, models.Participant{ID: other, Role: models.RoleInstructor}, false},
		{"instructor on unassigned", unassigned, models.Participant{ID: other, Role: models.RoleInstructor}, true},
		{"admin anywhere", assigned, models.Participant{ID: other, Role: models.RoleAdmin}, true},
		{"bot anywhere", assigned, models.BotParticipant, true},
		{"unknown role", assigned, models.Participant{ID: student, Role: "ghost"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanAppend(tc.conv, tc.p); got != tc.want {
				t.Errorf("CanAppend = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanViewMatchesCanAppend(t *testing.T) {
	student := uuid.New()
	conv := &models.Conversation{StudentID: student}
	viewer := models.Participant{ID: student, Role: models.RoleStudent}
	if !CanView(conv, viewer) {
		t.Error("Student should view their own conversation")
	}
	if CanView(conv, models.Participant{ID: uuid.New(), Role: models.RoleStudent}) {
		t.Error("Foreign student should not view the conversation")
	}
}
