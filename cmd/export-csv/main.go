package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"flag"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"mangapipe/pkg/database"
)

// Dumps the relational catalog to CSV for offline analysis.
func main() {
	var (
		mangaOut   = flag.String("manga", "data/manga.csv", "output CSV path for manga")
		chapterOut = flag.String("chapters", "data/chapters.csv", "output CSV path for chapters")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := database.MustOpen(database.DefaultConfig())
	defer db.Close()

	if err := exportManga(ctx, db, *mangaOut); err != nil {
		log.Fatalf("export manga failed: %v", err)
	}
	if err := exportChapters(ctx, db, *chapterOut); err != nil {
		log.Fatalf("export chapters failed: %v", err)
	}

	log.Printf("exported manga to %s and chapters to %s", *mangaOut, *chapterOut)
}

func exportManga(ctx context.Context, db *sql.DB, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "title", "status", "year", "original_language", "created_at", "updated_at"}); err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, title, status, year, original_language, created_at, updated_at
		FROM manga
		ORDER BY title
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, title                          string
			status, lang, createdAt, updatedAt sql.NullString
			year                               sql.NullInt64
		)
		if err := rows.Scan(&id, &title, &status, &year, &lang, &createdAt, &updatedAt); err != nil {
			return err
		}

		yearStr := ""
		if year.Valid {
			yearStr = strconv.FormatInt(year.Int64, 10)
		}
		if err := w.Write([]string{id, title, status.String, yearStr, lang.String, createdAt.String, updatedAt.String}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}

func exportChapters(ctx context.Context, db *sql.DB, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "manga_id", "number", "volume", "title", "language", "pages", "publish_at"}); err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, manga_id, number, volume, title, language, pages, publish_at
		FROM chapters
		ORDER BY manga_id, number
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, mangaID                            string
			number, volume, title, lang, publishAt sql.NullString
			pages                                  sql.NullInt64
		)
		if err := rows.Scan(&id, &mangaID, &number, &volume, &title, &lang, &pages, &publishAt); err != nil {
			return err
		}

		pagesStr := ""
		if pages.Valid {
			pagesStr = strconv.FormatInt(pages.Int64, 10)
		}
		if err := w.Write([]string{id, mangaID, number.String, volume.String, title.String, lang.String, pagesStr, publishAt.String}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	w.Flush()
	return w.Error()
}
