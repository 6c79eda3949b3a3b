package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"circuitlab-backend/internal/conversation"
	"circuitlab-backend/internal/models"
	"circuitlab-backend/pkg/security"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// fakeVerifier accepts tokens of the form "<uuid>:<role>".
type fakeVerifier struct{}

func (fakeVerifier) VerifyToken(token string) (*security.KeycloakClaims, error) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return nil, errors.New("bad token")
	}
	if _, err := uuid.Parse(parts[0]); err != nil {
		return nil, errors.New("bad token")
	}
	claims := &security.KeycloakClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: parts[0]},
	}
	claims.RealmAccess.Roles = []string{parts[1]}
	return claims, nil
}

type memoryConversations struct {
	conv     *models.Conversation
	appended []models.Message
}

func (m *memoryConversations) GetOrCreate(context.Context, uuid.UUID, uuid.UUID) (*models.Conversation, error) {
	return m.conv, nil
}

func (m *memoryConversations) Append(_ context.Context, conversationID uuid.UUID, sender models.Participant, params conversation.AppendParams) (*models.Message, *models.Conversation, error) {
	if conversationID != m.conv.ID {
		return nil, nil, conversation.ErrNotFound
	}
	if !conversation.CanAppend(m.conv, sender) {
		return nil, nil, conversation.ErrPermissionDenied
	}
	msg := models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		Type:           params.Type,
		Content:        params.Content,
		SentAt:         time.Now(),
	}
	m.appended = append(m.appended, msg)
	return &msg, m.conv, nil
}

func (m *memoryConversations) MarkRead(_ context.Context, conversationID uuid.UUID, viewer models.Participant) (*models.Conversation, error) {
	if conversationID != m.conv.ID {
		return nil, conversation.ErrNotFound
	}
	if !conversation.CanView(m.conv, viewer) {
		return nil, conversation.ErrPermissionDenied
	}
	return m.conv, nil
}

func (m *memoryConversations) GetByID(_ context.Context, id uuid.UUID, viewer models.Participant) (*models.Conversation, error) {
	if id != m.conv.ID {
		return nil, conversation.ErrNotFound
	}
	if !conversation.CanView(m.conv, viewer) {
		return nil, conversation.ErrPermissionDenied
	}
	return m.conv, nil
}

func (m *memoryConversations) ListByStudent(context.Context, uuid.UUID, conversation.Filter) ([]models.Conversation, error) {
	return nil, nil
}
func (m *memoryConversations) ListByInstructor(context.Context, uuid.UUID, conversation.Filter) ([]models.Conversation, error) {
	return nil, nil
}
func (m *memoryConversations) Archive(context.Context, uuid.UUID) error { return nil }

func startGateway(t *testing.T, store conversation.Service) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	gw := NewGateway(hub, store, fakeVerifier{}, nil)
	router := gin.New()
	router.GET("/ws", gw.HandleWS)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return env
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	env, err := NewEnvelope(event, data)
	if err != nil {
		t.Fatalf("Failed to build envelope: %v", err)
	}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}
}

func testConversation(student uuid.UUID) *memoryConversations {
	return &memoryConversations{conv: &models.Conversation{
		ID:        uuid.New(),
		StudentID: student,
		Status:    models.ConversationActive,
	}}
}

func TestHandshakeWithQueryToken(t *testing.T) {
	student := uuid.New()
	srv, _ := startGateway(t, testConversation(student))

	conn := dial(t, srv, "?token="+student.String()+":student")
	env := readEvent(t, conn)
	if env.Event != EventConnected {
		t.Fatalf("Expected connected, got %s", env.Event)
	}

	var payload ConnectedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("Bad connected payload: %v", err)
	}
	if payload.UserID != student.String() || payload.Role != "student" {
		t.Errorf("Unexpected identity: %+v", payload)
	}
}

func TestHandshakeWithAuthFrame(t *testing.T) {
	student := uuid.New()
	srv, _ := startGateway(t, testConversation(student))

	conn := dial(t, srv, "")
	sendEvent(t, conn, EventAuth, AuthPayload{Token: student.String() + ":student"})
	if env := readEvent(t, conn); env.Event != EventConnected {
		t.Fatalf("Expected connected, got %s", env.Event)
	}
}

// An auth frame outranks a stale transport credential: a client reconnecting
// with an expired query token but a fresh token in the auth frame must still
// get in.
func TestAuthFrameOverridesStaleQueryToken(t *testing.T) {
	student := uuid.New()
	srv, _ := startGateway(t, testConversation(student))

	conn := dial(t, srv, "?token=stale-garbage")
	sendEvent(t, conn, EventAuth, AuthPayload{Token: student.String() + ":student"})

	env := readEvent(t, conn)
	if env.Event != EventConnected {
		t.Fatalf("Expected connected, got %s", env.Event)
	}
	var payload ConnectedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("Bad connected payload: %v", err)
	}
	if payload.UserID != student.String() {
		t.Errorf("Expected the auth frame identity, got %s", payload.UserID)
	}
}

// A query-authenticated client may speak immediately; its first protocol
// frame must be dispatched, not swallowed by the auth window.
func TestFirstProtocolFrameSurvivesHandshake(t *testing.T) {
	student := uuid.New()
	store := testConversation(student)
	srv, _ := startGateway(t, store)

	conn := dial(t, srv, "?token="+student.String()+":student")
	sendEvent(t, conn, EventJoinConversation, ConversationRef{ConversationID: store.conv.ID.String()})

	if env := readEvent(t, conn); env.Event != EventConnected {
		t.Fatalf("Expected connected first, got %s", env.Event)
	}
	if env := readEvent(t, conn); env.Event != EventJoinedConversation {
		t.Fatalf("Expected joined-conversation for the pre-auth frame, got %s", env.Event)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	srv, _ := startGateway(t, testConversation(uuid.New()))

	conn := dial(t, srv, "?token=garbage")
	env := readEvent(t, conn)
	if env.Event != EventError {
		t.Fatalf("Expected error event, got %s", env.Event)
	}

	// The server must close the connection: no anonymous sessions.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ignored Envelope
	if err := conn.ReadJSON(&ignored); err == nil {
		t.Error("Expected connection to be closed after auth failure")
	}
}

func TestJoinOwnConversation(t *testing.T) {
	student := uuid.New()
	store := testConversation(student)
	srv, _ := startGateway(t, store)

	conn := dial(t, srv, "?token="+student.String()+":student")
	readEvent(t, conn) // connected

	sendEvent(t, conn, EventJoinConversation, ConversationRef{ConversationID: store.conv.ID.String()})
	if env := readEvent(t, conn); env.Event != EventJoinedConversation {
		t.Fatalf("Expected joined-conversation, got %s", env.Event)
	}
}

func TestJoinForeignConversationEmitsError(t *testing.T) {
	store := testConversation(uuid.New())
	srv, hub := startGateway(t, store)

	intruder := uuid.New()
	conn := dial(t, srv, "?token="+intruder.String()+":student")
	readEvent(t, conn) // connected

	sendEvent(t, conn, EventJoinConversation, ConversationRef{ConversationID: store.conv.ID.String()})
	env := readEvent(t, conn)
	if env.Event != EventError {
		t.Fatalf("Expected error, got %s", env.Event)
	}

	// No room membership: a broadcast into the room must not reach the
	// intruder.
	hub.Emit(ConversationRoom(store.conv.ID), Envelope{Event: EventNewMessage})
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var leaked Envelope
	if err := conn.ReadJSON(&leaked); err == nil && leaked.Event == EventNewMessage {
		t.Error("Intruder received a room broadcast after rejected join")
	}
}

func TestSendMessagePersistsThenAcks(t *testing.T) {
	student := uuid.New()
	store := testConversation(student)
	srv, _ := startGateway(t, store)

	conn := dial(t, srv, "?token="+student.String()+":student")
	readEvent(t, conn) // connected

	sendEvent(t, conn, EventSendMessage, SendMessagePayload{
		ConversationID: store.conv.ID.String(),
		Message:        IncomingMessage{Content: "does my wiring look right?"},
	})

	env := readEvent(t, conn)
	if env.Event != EventMessageReceived {
		t.Fatalf("Expected message-received ack, got %s", env.Event)
	}
	if len(store.appended) != 1 || store.appended[0].Content != "does my wiring look right?" {
		t.Errorf("Message not persisted before ack: %+v", store.appended)
	}
	if store.appended[0].Type != models.MessageTypeText {
		t.Errorf("Default type should be text, got %s", store.appended[0].Type)
	}
}

func TestMarkAsReadAcks(t *testing.T) {
	student := uuid.New()
	store := testConversation(student)
	srv, _ := startGateway(t, store)

	conn := dial(t, srv, "?token="+student.String()+":student")
	readEvent(t, conn) // connected

	sendEvent(t, conn, EventMarkAsRead, ConversationRef{ConversationID: store.conv.ID.String()})
	if env := readEvent(t, conn); env.Event != EventMarkedAsRead {
		t.Fatalf("Expected marked-as-read, got %s", env.Event)
	}
}
