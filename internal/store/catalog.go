package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mangapipe/pkg/models"
)

// CatalogStore is the relational side of the dual write: per-entity
// tables with foreign keys, the stable read contract for analytics.
type CatalogStore interface {
	Upsert(ctx context.Context, e models.Entity) error
}

// SQLiteCatalog writes canonical entities into the relational schema
// from docs/schema.sql. Foreign keys are enforced, so referential
// existence is validated here, at write time.
type SQLiteCatalog struct {
	DB *sql.DB
}

func NewSQLiteCatalog(db *sql.DB) *SQLiteCatalog {
	return &SQLiteCatalog{DB: db}
}

func (s *SQLiteCatalog) Upsert(ctx context.Context, e models.Entity) error {
	switch v := e.(type) {
	case models.Manga:
		return s.upsertManga(ctx, v)
	case models.Chapter:
		return s.upsertChapter(ctx, v)
	case models.Author:
		return s.upsertAuthor(ctx, v)
	case models.Tag:
		return s.upsertTag(ctx, v)
	default:
		return fmt.Errorf("unsupported entity type %T", e)
	}
}

func (s *SQLiteCatalog) upsertManga(ctx context.Context, m models.Manga) error {
	altJSON, err := json.Marshal(m.AltTitles)
	if err != nil {
		return fmt.Errorf("marshal alt titles for %s: %w", m.ID, err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO manga (id, title, alt_titles, description, status, year, original_language, cover_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  title = excluded.title,
		  alt_titles = excluded.alt_titles,
		  description = excluded.description,
		  status = excluded.status,
		  year = excluded.year,
		  original_language = excluded.original_language,
		  cover_url = excluded.cover_url,
		  created_at = excluded.created_at,
		  updated_at = excluded.updated_at
	`, m.ID, m.Title, string(altJSON), m.Description, string(m.Status), nullInt(m.Year),
		m.OriginalLanguage, m.CoverURL, nullTime(m.CreatedAt), nullTime(m.UpdatedAt)); err != nil {
		return fmt.Errorf("upsert manga %s: %w", m.ID, err)
	}

	// join rows are replaced wholesale; the sets are small
	if _, err := tx.ExecContext(ctx, `DELETE FROM manga_authors WHERE manga_id = ?`, m.ID); err != nil {
		return fmt.Errorf("clear manga_authors for %s: %w", m.ID, err)
	}
	for _, authorID := range m.AuthorIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO manga_authors (manga_id, author_id) VALUES (?, ?)`, m.ID, authorID); err != nil {
			return fmt.Errorf("link author %s to manga %s: %w", authorID, m.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM manga_tags WHERE manga_id = ?`, m.ID); err != nil {
		return fmt.Errorf("clear manga_tags for %s: %w", m.ID, err)
	}
	for _, tagID := range m.TagIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO manga_tags (manga_id, tag_id) VALUES (?, ?)`, m.ID, tagID); err != nil {
			return fmt.Errorf("link tag %s to manga %s: %w", tagID, m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit manga %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLiteCatalog) upsertChapter(ctx context.Context, c models.Chapter) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO chapters (id, manga_id, number, volume, title, language, pages, publish_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  manga_id = excluded.manga_id,
		  number = excluded.number,
		  volume = excluded.volume,
		  title = excluded.title,
		  language = excluded.language,
		  pages = excluded.pages,
		  publish_at = excluded.publish_at,
		  created_at = excluded.created_at,
		  updated_at = excluded.updated_at
	`, c.ID, c.MangaID, c.Number, c.Volume, c.Title, c.Language, nullInt(c.Pages),
		nullTime(c.PublishAt), nullTime(c.CreatedAt), nullTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert chapter %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteCatalog) upsertAuthor(ctx context.Context, a models.Author) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO authors (id, name, biography, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  name = excluded.name,
		  biography = excluded.biography,
		  created_at = excluded.created_at,
		  updated_at = excluded.updated_at
	`, a.ID, a.Name, a.Biography, nullTime(a.CreatedAt), nullTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert author %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteCatalog) upsertTag(ctx context.Context, t models.Tag) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO tags (id, name, tag_group)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  name = excluded.name,
		  tag_group = excluded.tag_group
	`, t.ID, t.Name, t.Group)
	if err != nil {
		return fmt.Errorf("upsert tag %s: %w", t.ID, err)
	}
	return nil
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
