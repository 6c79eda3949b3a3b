package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"circuitlab-backend/internal/conversation"
	"circuitlab-backend/internal/models"
	"circuitlab-backend/pkg/security"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	authDeadline   = 10 * time.Second
	authFrameGrace = 2 * time.Second
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 50 * time.Second
)

// TokenVerifier validates handshake credentials.
type TokenVerifier interface {
	VerifyToken(token string) (*security.KeycloakClaims, error)
}

// Gateway upgrades websocket connections, authenticates them, and routes the
// conversation protocol. Every conversation mutation goes through the store
// first; fan-out happens only after persistence succeeds.
type Gateway struct {
	hub      *Hub
	store    conversation.Service
	verifier TokenVerifier
	sessions *SessionDirectory
	upgrader websocket.Upgrader
}

func NewGateway(hub *Hub, store conversation.Service, verifier TokenVerifier, sessions *SessionDirectory) *Gateway {
	return &Gateway{
		hub:      hub,
		store:    store,
		verifier: verifier,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the app origin; token auth is
			// what actually gates access.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS is the gin handler for GET /ws.
func (g *Gateway) HandleWS(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}

	frames := make(chan Envelope, 1)
	go g.readFrames(conn, frames)

	claims, pending, err := g.authenticate(frames, c.Request)
	if err != nil {
		log.Printf("Websocket auth failed: %v", err)
		g.closeUnauthenticated(conn, frames, "authentication required")
		return
	}

	userID, err := claims.UserID()
	if err != nil {
		g.closeUnauthenticated(conn, frames, "invalid identity")
		return
	}
	role := models.SenderRole(claims.PrimaryRole())

	sess := g.hub.Register(userID, role)
	if g.sessions != nil {
		if err := g.sessions.Put(c.Request.Context(), userID, sess.ID); err != nil {
			log.Printf("Failed to record session for user %s: %v", userID, err)
		}
	}

	g.writeEnvelope(conn, mustEnvelope(EventConnected, ConnectedPayload{
		UserID: userID.String(),
		Role:   string(role),
	}))
	log.Printf("User %s connected (session %s)", userID, sess.ID)

	go g.writeLoop(conn, sess)
	if pending != nil {
		// The first frame a header- or query-authenticated client sent
		// while the auth window was open.
		g.dispatch(sess, *pending)
	}
	g.dispatchLoop(conn, sess, frames)
}

// authenticate resolves the bearer credential in order: the auth frame, then
// the Authorization header, then the token query parameter. A transport token
// shortens the auth-frame window; when the first frame turns out to be a
// protocol frame instead, it is returned for dispatch after registration. No
// anonymous sessions: when every candidate fails the connection is closed.
func (g *Gateway) authenticate(frames <-chan Envelope, r *http.Request) (*security.KeycloakClaims, *Envelope, error) {
	var transport []string
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			transport = append(transport, parts[1])
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		transport = append(transport, token)
	}

	wait := authDeadline
	if len(transport) > 0 {
		wait = authFrameGrace
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var pending *Envelope
	candidates := transport
	select {
	case env, ok := <-frames:
		if !ok {
			return nil, nil, errors.New("connection closed before auth")
		}
		if env.Event == EventAuth {
			var payload AuthPayload
			if err := json.Unmarshal(env.Data, &payload); err == nil && payload.Token != "" {
				candidates = append([]string{payload.Token}, transport...)
			}
		} else {
			if len(transport) == 0 {
				return nil, nil, errors.New("first frame was not auth")
			}
			pending = &env
		}
	case <-timer.C:
		if len(transport) == 0 {
			return nil, nil, errors.New("no credential presented")
		}
	}

	var lastErr error = errors.New("no credential presented")
	for _, token := range candidates {
		claims, err := g.verifier.VerifyToken(token)
		if err == nil {
			return claims, pending, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

// closeUnauthenticated reports the failure, closes the socket and drains the
// frame channel so the reader goroutine can exit.
func (g *Gateway) closeUnauthenticated(conn *websocket.Conn, frames <-chan Envelope, reason string) {
	g.writeEnvelope(conn, mustEnvelope(EventError, ErrorPayload{Message: reason}))
	conn.Close()
	for range frames {
	}
}

// readFrames is the single reader of the connection. It owns the read
// deadline and pong handling; the channel closes when the connection dies.
func (g *Gateway) readFrames(conn *websocket.Conn, frames chan<- Envelope) {
	defer close(frames)

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		frames <- env
	}
}

func (g *Gateway) dispatchLoop(conn *websocket.Conn, sess *Session, frames <-chan Envelope) {
	defer func() {
		g.hub.Unregister(sess)
		if g.sessions != nil {
			if err := g.sessions.Remove(context.Background(), sess.UserID, sess.ID); err != nil {
				log.Printf("Failed to remove session for user %s: %v", sess.UserID, err)
			}
		}
		conn.Close()
		log.Printf("User %s disconnected (session %s)", sess.UserID, sess.ID)
	}()

	for env := range frames {
		g.dispatch(sess, env)
	}
}

func (g *Gateway) writeLoop(conn *websocket.Conn, sess *Session) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env, ok := <-sess.Out:
			if !ok {
				// Evicted by a newer connection or unregistered.
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session replaced"))
				return
			}
			g.writeEnvelope(conn, env)
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) dispatch(sess *Session, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch env.Event {
	case EventJoinConversation:
		g.handleJoin(ctx, sess, env.Data)
	case EventLeaveConversation:
		g.handleLeave(sess, env.Data)
	case EventSendMessage:
		g.handleSendMessage(ctx, sess, env.Data)
	case EventMarkAsRead:
		g.handleMarkAsRead(ctx, sess, env.Data)
	case EventAuth:
		// Already authenticated; ignore.
	default:
		g.sendError(sess, "unknown event: "+env.Event)
	}
}

// handleJoin re-validates access server-side before the session enters the
// room; the client's claim to the conversation is never trusted.
func (g *Gateway) handleJoin(ctx context.Context, sess *Session, data json.RawMessage) {
	convID, ok := g.parseConversationRef(sess, data)
	if !ok {
		return
	}

	if _, err := g.store.GetByID(ctx, convID, sess.Participant()); err != nil {
		g.sendStoreError(sess, err)
		return
	}

	g.hub.Join(sess, ConversationRoom(convID))
	g.trySend(sess, mustEnvelope(EventJoinedConversation, ConversationRef{ConversationID: convID.String()}))
}

func (g *Gateway) handleLeave(sess *Session, data json.RawMessage) {
	convID, ok := g.parseConversationRef(sess, data)
	if !ok {
		return
	}
	g.hub.Leave(sess, ConversationRoom(convID))
	g.trySend(sess, mustEnvelope(EventLeftConversation, ConversationRef{ConversationID: convID.String()}))
}

// handleSendMessage persists first, then fans out: the conversation room gets
// the broadcast, and both participants' personal rooms are notified so a
// participant not currently viewing the conversation still hears about it.
func (g *Gateway) handleSendMessage(ctx context.Context, sess *Session, data json.RawMessage) {
	var payload SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.sendError(sess, "malformed send-message payload")
		return
	}
	convID, err := uuid.Parse(payload.ConversationID)
	if err != nil {
		g.sendError(sess, "invalid conversation id")
		return
	}

	msgType := payload.Message.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if payload.Message.Content == "" {
		g.sendError(sess, "message content is required")
		return
	}

	msg, conv, err := g.store.Append(ctx, convID, sess.Participant(), conversation.AppendParams{
		Type:           msgType,
		Content:        payload.Message.Content,
		ImageKey:       payload.Message.ImageKey,
		RelatedImageID: payload.Message.RelatedImageID,
		Metadata:       payload.Message.Metadata,
	})
	if err != nil {
		g.sendStoreError(sess, err)
		return
	}

	broadcast := mustEnvelope(EventNewMessage, NewMessagePayload{
		ConversationID: convID.String(),
		Message:        msg,
		Conversation:   conv,
	})
	g.hub.EmitExcept(ConversationRoom(convID), broadcast, sess)
	for _, target := range participantRooms(conv) {
		g.hub.EmitExcept(target, broadcast, sess)
	}
	g.trySend(sess, mustEnvelope(EventMessageReceived, NewMessagePayload{
		ConversationID: convID.String(),
		Message:        msg,
		Conversation:   conv,
	}))
}

func (g *Gateway) handleMarkAsRead(ctx context.Context, sess *Session, data json.RawMessage) {
	convID, ok := g.parseConversationRef(sess, data)
	if !ok {
		return
	}

	if _, err := g.store.MarkRead(ctx, convID, sess.Participant()); err != nil {
		g.sendStoreError(sess, err)
		return
	}

	g.hub.EmitExcept(ConversationRoom(convID), mustEnvelope(EventMessagesRead, MessagesReadPayload{
		ConversationID: convID.String(),
		ReadBy:         sess.UserID.String(),
	}), sess)
	g.trySend(sess, mustEnvelope(EventMarkedAsRead, ConversationRef{ConversationID: convID.String()}))
}

func (g *Gateway) parseConversationRef(sess *Session, data json.RawMessage) (uuid.UUID, bool) {
	var ref ConversationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		g.sendError(sess, "malformed payload")
		return uuid.Nil, false
	}
	convID, err := uuid.Parse(ref.ConversationID)
	if err != nil {
		g.sendError(sess, "invalid conversation id")
		return uuid.Nil, false
	}
	return convID, true
}

func (g *Gateway) sendStoreError(sess *Session, err error) {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		g.sendError(sess, "conversation not found")
	case errors.Is(err, conversation.ErrPermissionDenied):
		g.sendError(sess, "you do not have access to this conversation")
	default:
		log.Printf("Store error for session %s: %v", sess.ID, err)
		g.sendError(sess, "internal error")
	}
}

func (g *Gateway) sendError(sess *Session, message string) {
	g.trySend(sess, mustEnvelope(EventError, ErrorPayload{Message: message}))
}

func (g *Gateway) trySend(sess *Session, env Envelope) {
	g.hub.SendDirect(sess, env)
}

func (g *Gateway) writeEnvelope(conn *websocket.Conn, env Envelope) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("Failed to write %s event: %v", env.Event, err)
	}
}

// participantRooms lists the personal rooms of both conversation parties.
func participantRooms(conv *models.Conversation) []string {
	rooms := []string{UserRoom(conv.StudentID)}
	if conv.InstructorID != nil {
		rooms = append(rooms, UserRoom(*conv.InstructorID))
	}
	return rooms
}

func mustEnvelope(event string, data any) Envelope {
	env, err := NewEnvelope(event, data)
	if err != nil {
		log.Printf("Failed to build %s envelope: %v", event, err)
		return Envelope{Event: event}
	}
	return env
}
