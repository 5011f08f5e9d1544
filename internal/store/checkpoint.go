package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mangapipe/pkg/models"
)

// CheckpointStore owns ingestion progress. Advance is only called
// after a WriteSet is confirmed durable in both stores, so Load always
// resumes from a fully-durable position.
type CheckpointStore interface {
	Load(ctx context.Context, resource models.ResourceType) (*models.Checkpoint, error)
	Advance(ctx context.Context, resource models.ResourceType, cursor, lastEntityID string) error
}

// SQLiteCheckpoints keeps checkpoints next to the relational catalog.
type SQLiteCheckpoints struct {
	DB *sql.DB
}

func NewSQLiteCheckpoints(db *sql.DB) *SQLiteCheckpoints {
	return &SQLiteCheckpoints{DB: db}
}

// Load returns the checkpoint for a resource, or nil on first run.
func (s *SQLiteCheckpoints) Load(ctx context.Context, resource models.ResourceType) (*models.Checkpoint, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT cursor, last_entity_id, updated_at
		FROM ingest_checkpoints
		WHERE resource_type = ?
	`, string(resource))

	var (
		cp           models.Checkpoint
		lastEntityID sql.NullString
		updatedAt    string
	)
	if err := row.Scan(&cp.Cursor, &lastEntityID, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint for %s: %w", resource, err)
	}

	cp.Resource = resource
	cp.LastEntityID = lastEntityID.String
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint updated_at for %s: %w", resource, err)
	}
	cp.UpdatedAt = t
	return &cp, nil
}

func (s *SQLiteCheckpoints) Advance(ctx context.Context, resource models.ResourceType, cursor, lastEntityID string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO ingest_checkpoints (resource_type, cursor, last_entity_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource_type) DO UPDATE SET
		  cursor = excluded.cursor,
		  last_entity_id = excluded.last_entity_id,
		  updated_at = excluded.updated_at
	`, string(resource), cursor, lastEntityID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("advance checkpoint for %s: %w", resource, err)
	}
	return nil
}

// Reset clears a checkpoint so the next run starts from the beginning.
func (s *SQLiteCheckpoints) Reset(ctx context.Context, resource models.ResourceType) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM ingest_checkpoints WHERE resource_type = ?`, string(resource)); err != nil {
		return fmt.Errorf("reset checkpoint for %s: %w", resource, err)
	}
	return nil
}

// All lists every stored checkpoint (for the status API).
func (s *SQLiteCheckpoints) All(ctx context.Context) ([]models.Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT resource_type, cursor, last_entity_id, updated_at
		FROM ingest_checkpoints
		ORDER BY resource_type
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		var (
			cp           models.Checkpoint
			resource     string
			lastEntityID sql.NullString
			updatedAt    string
		)
		if err := rows.Scan(&resource, &cp.Cursor, &lastEntityID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Resource = models.ResourceType(resource)
		cp.LastEntityID = lastEntityID.String
		t, err := time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse checkpoint updated_at for %s: %w", resource, err)
		}
		cp.UpdatedAt = t
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}
