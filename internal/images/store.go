package images

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"circuitlab-backend/internal/models"
	redisclient "circuitlab-backend/pkg/database/redis"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("image record not found")

// Store persists circuit image records. Every status mutation after upload
// comes through here, and terminal writes are guarded so a finished record
// never regresses.
type Store struct {
	pool  *pgxpool.Pool
	cache *redisclient.Client
}

func NewStore(pool *pgxpool.Pool, cache *redisclient.Client) *Store {
	return &Store{pool: pool, cache: cache}
}

const imageColumns = `id, experiment_id, owner_id, storage_key, thumbnail_key, original_filename, status, components, feedback, annotated_key, created_at, updated_at`

// Create inserts a fresh record in pending state at upload intake.
func (s *Store) Create(ctx context.Context, img *models.CircuitImage) error {
	query := `
		INSERT INTO circuit_images (id, experiment_id, owner_id, storage_key, thumbnail_key, original_filename, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		img.ID, img.ExperimentID, img.OwnerID, img.StorageKey, img.ThumbnailKey,
		img.OriginalFilename, models.ImageStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to insert image record: %w", err)
	}
	return nil
}

// Get loads the record with owner and experiment references.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.CircuitImage, error) {
	query := fmt.Sprintf(`SELECT %s FROM circuit_images WHERE id = $1`, imageColumns)
	img, err := scanImage(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load image record: %w", err)
	}
	return img, nil
}

// SetProcessing moves the record into processing. This is the explicit
// (re)entry point of the pipeline, so it accepts any prior state.
func (s *Store) SetProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE circuit_images SET status = $1, updated_at = NOW() WHERE id = $2`,
		models.ImageStatusProcessing, id)
	if err != nil {
		return fmt.Errorf("failed to set processing status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.invalidate(ctx, id)
	return nil
}

// SaveResult records a successful analysis: detected components, the feedback
// report, the annotated image locator and the terminal status. The WHERE
// guard keeps a record that already reached a terminal state from being
// overwritten by a stale run.
func (s *Store) SaveResult(ctx context.Context, id uuid.UUID, components []models.DetectedComponent, feedback, annotatedKey string, status models.ImageStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("saveResult requires a terminal status, got %q", status)
	}

	componentsJSON, err := json.Marshal(components)
	if err != nil {
		return fmt.Errorf("failed to marshal components: %w", err)
	}

	query := `
		UPDATE circuit_images
		SET status = $1, components = $2, feedback = $3, annotated_key = $4, updated_at = NOW()
		WHERE id = $5 AND status = $6
	`
	tag, err := s.pool.Exec(ctx, query, status, componentsJSON, feedback, annotatedKey, id, models.ImageStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to save analysis result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.invalidate(ctx, id)
	return nil
}

// SaveFailure forces the record into failed with a short note. Unlike
// SaveResult it is unguarded: the top-level recovery path must always be able
// to land the record in a terminal state.
func (s *Store) SaveFailure(ctx context.Context, id uuid.UUID, note string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE circuit_images SET status = $1, feedback = $2, updated_at = NOW() WHERE id = $3`,
		models.ImageStatusFailed, note, id)
	if err != nil {
		return fmt.Errorf("failed to save failure: %w", err)
	}
	s.invalidate(ctx, id)
	return nil
}

// ListByExperiment returns a student's uploads for one experiment, newest
// first.
func (s *Store) ListByExperiment(ctx context.Context, experimentID, ownerID uuid.UUID) ([]models.CircuitImage, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM circuit_images
		WHERE experiment_id = $1 AND owner_id = $2
		ORDER BY created_at DESC
	`, imageColumns)
	rows, err := s.pool.Query(ctx, query, experimentID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list image records: %w", err)
	}
	defer rows.Close()

	var imgs []models.CircuitImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		imgs = append(imgs, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate image records: %w", err)
	}
	return imgs, nil
}

func (s *Store) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	cacheKey := fmt.Sprintf("image:%s", id)
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		log.Printf("Warning: failed to invalidate cache for %s: %v", cacheKey, err)
	}
}

func scanImage(row pgx.Row) (*models.CircuitImage, error) {
	var img models.CircuitImage
	var componentsJSON []byte
	err := row.Scan(
		&img.ID, &img.ExperimentID, &img.OwnerID, &img.StorageKey, &img.ThumbnailKey,
		&img.OriginalFilename, &img.Status, &componentsJSON, &img.Feedback,
		&img.AnnotatedKey, &img.CreatedAt, &img.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(componentsJSON) > 0 {
		if err := json.Unmarshal(componentsJSON, &img.Components); err != nil {
			return nil, fmt.Errorf("failed to decode components: %w", err)
		}
	}
	return &img, nil
}
