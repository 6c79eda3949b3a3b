package postgres

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func NewClient(ctx context.Context, connectionString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Ping to verify connection using a short timeout context
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return pool, nil
}

// RunMigrations creates necessary tables if they don't exist
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL,
			instructor_id UUID,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS circuit_images (
			id UUID PRIMARY KEY,
			experiment_id UUID NOT NULL,
			owner_id UUID NOT NULL,
			storage_key TEXT NOT NULL,
			thumbnail_key TEXT NOT NULL DEFAULT '',
			original_filename TEXT NOT NULL,
			status TEXT NOT NULL,
			components JSONB,
			feedback TEXT NOT NULL DEFAULT '',
			annotated_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS circuit_images_owner_idx
			ON circuit_images (owner_id, experiment_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY,
			experiment_id UUID NOT NULL,
			student_id UUID NOT NULL,
			instructor_id UUID,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			last_message_at TIMESTAMP WITH TIME ZONE,
			last_message_by UUID,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		// One active conversation per (experiment, student). getOrCreate
		// relies on this index for race-free idempotency.
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_pair_active_idx
			ON conversations (experiment_id, student_id) WHERE status = 'active';`,
		`CREATE INDEX IF NOT EXISTS conversations_activity_idx
			ON conversations (last_message_at DESC NULLS LAST);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			conversation_id UUID NOT NULL REFERENCES conversations(id),
			sender_id UUID NOT NULL,
			sender_role TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			image_key TEXT,
			related_image_id UUID,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			metadata JSONB,
			sent_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx
			ON messages (conversation_id, sent_at ASC);`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	log.Println("Migrations executed successfully")
	return nil
}
