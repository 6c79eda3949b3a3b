package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"circuitlab-backend/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound         = errors.New("conversation not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// AppendParams describes a message to add to a conversation.
type AppendParams struct {
	Type           models.MessageType
	Content        string
	ImageKey       *string
	RelatedImageID *uuid.UUID
	Metadata       map[string]any
}

// Filter narrows conversation listings. Zero values mean "no filter".
type Filter struct {
	Status       models.ConversationStatus
	ExperimentID *uuid.UUID
	Search       string
	Limit        int
	Offset       int
}

// Service is the conversation surface the gateway and orchestrator consume.
type Service interface {
	GetOrCreate(ctx context.Context, experimentID, studentID uuid.UUID) (*models.Conversation, error)
	Append(ctx context.Context, conversationID uuid.UUID, sender models.Participant, params AppendParams) (*models.Message, *models.Conversation, error)
	MarkRead(ctx context.Context, conversationID uuid.UUID, viewer models.Participant) (*models.Conversation, error)
	GetByID(ctx context.Context, id uuid.UUID, viewer models.Participant) (*models.Conversation, error)
	ListByStudent(ctx context.Context, studentID uuid.UUID, f Filter) ([]models.Conversation, error)
	ListByInstructor(ctx context.Context, instructorID uuid.UUID, f Filter) ([]models.Conversation, error)
	Archive(ctx context.Context, id uuid.UUID) error
}

// Store is the pgx-backed Service implementation.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const conversationColumns = `id, experiment_id, student_id, instructor_id, title, status, last_message_at, last_message_by, created_at, updated_at`

// GetOrCreate returns the active conversation for the pair, creating it when
// missing. Idempotency under concurrent calls is enforced by the partial
// unique index on (experiment_id, student_id) WHERE status = 'active', not by
// a prior-existence check. Title and instructor come from the experiment; a
// welcome system message is seeded on creation.
func (s *Store) GetOrCreate(ctx context.Context, experimentID, studentID uuid.UUID) (*models.Conversation, error) {
	insertQuery := `
		INSERT INTO conversations (id, experiment_id, student_id, instructor_id, title, status, created_at, updated_at)
		SELECT $1, $2, $3, e.instructor_id,
		       COALESCE('Circuit review: ' || e.title, 'Circuit review'),
		       'active', NOW(), NOW()
		FROM (SELECT 1) AS one
		LEFT JOIN experiments e ON e.id = $2
		ON CONFLICT (experiment_id, student_id) WHERE status = 'active' DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, insertQuery, uuid.New(), experimentID, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	created := tag.RowsAffected() == 1

	selectQuery := fmt.Sprintf(`
		SELECT %s FROM conversations
		WHERE experiment_id = $1 AND student_id = $2 AND status = 'active'
	`, conversationColumns)
	conv, err := scanConversation(s.pool.QueryRow(ctx, selectQuery, experimentID, studentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	if created {
		seed := AppendParams{
			Type:    models.MessageTypeSystem,
			Content: fmt.Sprintf("Welcome! Upload a photo of your circuit for %q and I will check the component codes for you.", conv.Title),
		}
		if _, _, err := s.Append(ctx, conv.ID, models.BotParticipant, seed); err != nil {
			// The conversation exists either way; the missing welcome
			// message is not worth failing the caller over.
			log.Printf("Failed to seed welcome message for conversation %s: %v", conv.ID, err)
		}
	}

	return conv, nil
}

// Append adds a message and advances the conversation's last-message marker
// in one transaction. The conversation row is locked and sent_at is assigned
// while the lock is held, so sent_at stays strictly increasing per
// conversation regardless of when competing transactions started.
func (s *Store) Append(ctx context.Context, conversationID uuid.UUID, sender models.Participant, params AppendParams) (*models.Message, *models.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lockQuery := fmt.Sprintf(`SELECT %s FROM conversations WHERE id = $1 FOR UPDATE`, conversationColumns)
	conv, err := scanConversation(tx.QueryRow(ctx, lockQuery, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	if !CanAppend(conv, sender) {
		return nil, nil, ErrPermissionDenied
	}

	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		Type:           params.Type,
		Content:        params.Content,
		ImageKey:       params.ImageKey,
		RelatedImageID: params.RelatedImageID,
		Metadata:       params.Metadata,
		SentAt:         nextSentAt(conv.LastMessageAt, time.Now().UTC()),
	}

	var metadataJSON []byte
	if params.Metadata != nil {
		metadataJSON, err = json.Marshal(params.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal message metadata: %w", err)
		}
	}

	insertQuery := `
		INSERT INTO messages (id, conversation_id, sender_id, sender_role, type, content, image_key, related_image_id, is_read, metadata, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9, $10)
	`
	_, err = tx.Exec(ctx, insertQuery,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderRole, msg.Type,
		msg.Content, msg.ImageKey, msg.RelatedImageID, metadataJSON, msg.SentAt,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert message: %w", err)
	}

	updateQuery := `
		UPDATE conversations
		SET last_message_at = $1, last_message_by = $2, updated_at = NOW()
		WHERE id = $3
	`
	if _, err := tx.Exec(ctx, updateQuery, msg.SentAt, msg.SenderID, conversationID); err != nil {
		return nil, nil, fmt.Errorf("failed to advance conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit message: %w", err)
	}

	conv.LastMessageAt = &msg.SentAt
	conv.LastMessageBy = &msg.SenderID
	return msg, conv, nil
}

// nextSentAt picks the timestamp for a new message. NOW() would not do here:
// it is fixed at transaction start, before the row lock serializes writers,
// so a transaction that started earlier but locked later would insert a
// timestamp in the past. The caller holds the lock, so advancing past the
// last message keeps sent_at strictly increasing per conversation.
func nextSentAt(last *time.Time, now time.Time) time.Time {
	now = now.Truncate(time.Microsecond)
	if last != nil && !now.After(*last) {
		return last.Add(time.Microsecond)
	}
	return now
}

// MarkRead flips is_read on every message in the conversation not authored by
// the viewer, then returns the conversation with the viewer's (now zero)
// unread count.
func (s *Store) MarkRead(ctx context.Context, conversationID uuid.UUID, viewer models.Participant) (*models.Conversation, error) {
	conv, err := s.getByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !CanView(conv, viewer) {
		return nil, ErrPermissionDenied
	}

	query := `
		UPDATE messages SET is_read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read
	`
	if _, err := s.pool.Exec(ctx, query, conversationID, viewer.ID); err != nil {
		return nil, fmt.Errorf("failed to mark messages read: %w", err)
	}

	conv.UnreadCount = 0
	return conv, nil
}

// GetByID loads the conversation with its full ordered message history and
// the viewer's unread count. Access follows the same rule as appending.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID, viewer models.Participant) (*models.Conversation, error) {
	conv, err := s.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanView(conv, viewer) {
		return nil, ErrPermissionDenied
	}

	msgQuery := `
		SELECT id, conversation_id, sender_id, sender_role, type, content, image_key, related_image_id, is_read, metadata, sent_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY sent_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, msgQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, *msg)
		if !msg.IsRead && msg.SenderID != viewer.ID {
			conv.UnreadCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return conv, nil
}

// ListByStudent returns the student's conversations, newest activity first.
func (s *Store) ListByStudent(ctx context.Context, studentID uuid.UUID, f Filter) ([]models.Conversation, error) {
	return s.list(ctx, "student_id", studentID, f)
}

// ListByInstructor returns conversations assigned to the instructor, newest
// activity first.
func (s *Store) ListByInstructor(ctx context.Context, instructorID uuid.UUID, f Filter) ([]models.Conversation, error) {
	return s.list(ctx, "instructor_id", instructorID, f)
}

func (s *Store) list(ctx context.Context, partyColumn string, partyID uuid.UUID, f Filter) ([]models.Conversation, error) {
	var sb strings.Builder
	args := []any{partyID}

	fmt.Fprintf(&sb, `
		SELECT %s,
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = conversations.id
		          AND NOT m.is_read AND m.sender_id <> $1) AS unread_count
		FROM conversations
		WHERE %s = $1
	`, conversationColumns, partyColumn)

	if f.Status != "" {
		args = append(args, f.Status)
		fmt.Fprintf(&sb, " AND status = $%d", len(args))
	}
	if f.ExperimentID != nil {
		args = append(args, *f.ExperimentID)
		fmt.Fprintf(&sb, " AND experiment_id = $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		fmt.Fprintf(&sb, " AND title ILIKE $%d", len(args))
	}

	sb.WriteString(" ORDER BY last_message_at DESC NULLS LAST")

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		conv, err := scanConversationWithUnread(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return convs, nil
}

// Archive retires a conversation. Conversations are never hard-deleted, and
// archiving frees the (experiment, student) pair for a fresh conversation.
func (s *Store) Archive(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET status = 'archived', updated_at = NOW() WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("failed to archive conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) getByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE id = $1`, conversationColumns)
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return conv, nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	var lastAt *time.Time
	err := row.Scan(
		&conv.ID, &conv.ExperimentID, &conv.StudentID, &conv.InstructorID,
		&conv.Title, &conv.Status, &lastAt, &conv.LastMessageBy,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	conv.LastMessageAt = lastAt
	return &conv, nil
}

func scanConversationWithUnread(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	var lastAt *time.Time
	err := row.Scan(
		&conv.ID, &conv.ExperimentID, &conv.StudentID, &conv.InstructorID,
		&conv.Title, &conv.Status, &lastAt, &conv.LastMessageBy,
		&conv.CreatedAt, &conv.UpdatedAt, &conv.UnreadCount,
	)
	if err != nil {
		return nil, err
	}
	conv.LastMessageAt = lastAt
	return &conv, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var metadataJSON []byte
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderRole,
		&msg.Type, &msg.Content, &msg.ImageKey, &msg.RelatedImageID,
		&msg.IsRead, &metadataJSON, &msg.SentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode message metadata: %w", err)
		}
	}
	return &msg, nil
}
