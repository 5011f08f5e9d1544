package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"mangapipe/pkg/models"
)

// DocStore is the schema-flexible side of the dual write: it keeps the
// full canonical payload plus the content hash the reconciler compares
// against. Writes must be idempotent — the pipeline re-applies them
// freely after partial failures.
type DocStore interface {
	// Load fetches prior state for a batch of entity IDs. Missing IDs
	// are simply absent from the result map.
	Load(ctx context.Context, resource models.ResourceType, ids []string) (map[string]models.StoredDoc, error)
	// Put upserts the document in unconfirmed state.
	Put(ctx context.Context, resource models.ResourceType, id, hash string, updatedAt time.Time, payload []byte) error
	// Confirm marks the document as durable in the relational store
	// too; only confirmed docs reconcile to NoOp.
	Confirm(ctx context.Context, resource models.ResourceType, id, hash string) error
}

// PostgresDocs stores canonical documents in a single JSONB table.
type PostgresDocs struct {
	Pool *pgxpool.Pool
}

func NewPostgresDocs(pool *pgxpool.Pool) *PostgresDocs {
	return &PostgresDocs{Pool: pool}
}

// Migrate creates the document table. Safe to call on every start.
func (s *PostgresDocs) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS catalog_docs (
			resource_type     TEXT        NOT NULL,
			external_id       TEXT        NOT NULL,
			content_hash      TEXT        NOT NULL,
			source_updated_at TIMESTAMPTZ,
			payload           JSONB       NOT NULL,
			relational_synced BOOLEAN     NOT NULL DEFAULT FALSE,
			ingested_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (resource_type, external_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("create catalog_docs: %w", err)
	}
	return nil
}

func (s *PostgresDocs) Load(ctx context.Context, resource models.ResourceType, ids []string) (map[string]models.StoredDoc, error) {
	if len(ids) == 0 {
		return map[string]models.StoredDoc{}, nil
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT external_id, content_hash, source_updated_at, payload, relational_synced
		FROM catalog_docs
		WHERE resource_type = $1 AND external_id = ANY($2)
	`, string(resource), ids)
	if err != nil {
		return nil, fmt.Errorf("load docs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.StoredDoc, len(ids))
	for rows.Next() {
		var (
			id        string
			doc       models.StoredDoc
			updatedAt *time.Time
		)
		if err := rows.Scan(&id, &doc.ContentHash, &updatedAt, &doc.Payload, &doc.Confirmed); err != nil {
			return nil, fmt.Errorf("scan doc: %w", err)
		}
		if updatedAt != nil {
			doc.UpdatedAt = updatedAt.UTC()
		}
		out[id] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows err: %w", err)
	}
	return out, nil
}

func (s *PostgresDocs) Put(ctx context.Context, resource models.ResourceType, id, hash string, updatedAt time.Time, payload []byte) error {
	var at *time.Time
	if !updatedAt.IsZero() {
		u := updatedAt.UTC()
		at = &u
	}

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO catalog_docs (resource_type, external_id, content_hash, source_updated_at, payload, relational_synced, ingested_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, now())
		ON CONFLICT (resource_type, external_id) DO UPDATE SET
		  content_hash      = excluded.content_hash,
		  source_updated_at = excluded.source_updated_at,
		  payload           = excluded.payload,
		  relational_synced = FALSE,
		  ingested_at       = now()
	`, string(resource), id, hash, at, payload)
	if err != nil {
		return fmt.Errorf("upsert doc %s/%s: %w", resource, id, err)
	}
	return nil
}

func (s *PostgresDocs) Confirm(ctx context.Context, resource models.ResourceType, id, hash string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE catalog_docs
		SET relational_synced = TRUE
		WHERE resource_type = $1 AND external_id = $2 AND content_hash = $3
	`, string(resource), id, hash)
	if err != nil {
		return fmt.Errorf("confirm doc %s/%s: %w", resource, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("confirm doc %s/%s: hash changed underneath", resource, id)
	}
	return nil
}
