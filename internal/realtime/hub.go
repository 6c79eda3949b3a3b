package realtime

import (
	"log"
	"strings"
	"sync"

	"circuitlab-backend/internal/models"

	"github.com/google/uuid"
)

const sessionSendBuffer = 32

// Session is one authenticated websocket connection. The gateway drains Out
// into the socket; the hub only ever does non-blocking sends so one slow
// client cannot stall a fan-out.
type Session struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Role   models.SenderRole
	Out    chan Envelope

	closeOnce sync.Once
}

func newSession(userID uuid.UUID, role models.SenderRole) *Session {
	return &Session{
		ID:     uuid.New(),
		UserID: userID,
		Role:   role,
		Out:    make(chan Envelope, sessionSendBuffer),
	}
}

// Participant is the session's identity at permission-check sites.
func (s *Session) Participant() models.Participant {
	return models.Participant{ID: s.UserID, Role: s.Role}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.Out)
	})
}

// Hub is the process-local session registry: one active session per identity
// (latest connection wins) plus named conversation rooms. Cross-process
// delivery goes through the Redis bridge, which feeds Emit on every instance.
type Hub struct {
	mu     sync.RWMutex
	byUser map[uuid.UUID]*Session
	rooms  map[string]map[*Session]struct{}
}

func NewHub() *Hub {
	return &Hub{
		byUser: make(map[uuid.UUID]*Session),
		rooms:  make(map[string]map[*Session]struct{}),
	}
}

// Register creates a session for the identity. An existing session for the
// same identity is evicted: its channel closes, which makes the gateway drop
// the old connection.
func (h *Hub) Register(userID uuid.UUID, role models.SenderRole) *Session {
	sess := newSession(userID, role)

	h.mu.Lock()
	if old, ok := h.byUser[userID]; ok {
		h.removeFromRoomsLocked(old)
		old.close()
	}
	h.byUser[userID] = sess
	h.mu.Unlock()

	return sess
}

// Unregister removes the session. A session that was already evicted by a
// newer connection is left alone.
func (h *Hub) Unregister(sess *Session) {
	h.mu.Lock()
	if current, ok := h.byUser[sess.UserID]; ok && current == sess {
		delete(h.byUser, sess.UserID)
	}
	h.removeFromRoomsLocked(sess)
	h.mu.Unlock()
	sess.close()
}

func (h *Hub) Join(sess *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[room] = members
	}
	members[sess] = struct{}{}
}

func (h *Hub) Leave(sess *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, sess)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Emit delivers an envelope to a target: either a "user:<id>" personal room
// or a named conversation room.
func (h *Hub) Emit(target string, ev Envelope) {
	h.EmitExcept(target, ev, nil)
}

// EmitExcept is Emit minus one session, used when the acting client gets its
// own acknowledgment event instead of the broadcast.
func (h *Hub) EmitExcept(target string, ev Envelope, skip *Session) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if id, ok := strings.CutPrefix(target, "user:"); ok {
		userID, err := uuid.Parse(id)
		if err != nil {
			return
		}
		if sess, ok := h.byUser[userID]; ok && sess != skip {
			h.send(sess, ev)
		}
		return
	}

	for sess := range h.rooms[target] {
		if sess != skip {
			h.send(sess, ev)
		}
	}
}

// SendDirect delivers to one session if it is still registered. Eviction
// closes the session channel under the hub lock, so the registration check
// here is what makes the send safe.
func (h *Hub) SendDirect(sess *Session, ev Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if current, ok := h.byUser[sess.UserID]; ok && current == sess {
		h.send(sess, ev)
	}
}

// send never blocks; a session whose buffer is full loses the event.
func (h *Hub) send(sess *Session, ev Envelope) {
	select {
	case sess.Out <- ev:
	default:
		log.Printf("Dropping %s event for slow session %s (user %s)", ev.Event, sess.ID, sess.UserID)
	}
}

func (h *Hub) removeFromRoomsLocked(sess *Session) {
	for room, members := range h.rooms {
		delete(members, sess)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}
