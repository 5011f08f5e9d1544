package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mangapipe/internal/ingest"
	"mangapipe/internal/normalize"
	"mangapipe/internal/store"
	"mangapipe/internal/upstream"
	"mangapipe/pkg/database"
	"mangapipe/pkg/models"
	"mangapipe/pkg/utils"
)

// One-shot ingestion run, the entrypoint a scheduler task execs.
// Resource types run as independent pipelines sharing one upstream
// rate budget; each resumes from its own checkpoint.
func main() {
	cfg := utils.LoadConfig()

	var (
		resources = flag.String("resources", "manga", "comma-separated resource types to ingest (manga,chapter,author,tag)")
		restart   = flag.Bool("restart", false, "ignore checkpoints and start from the beginning")
		maxPages  = flag.Int("max-pages", 0, "stop after this many pages per resource (0 = run to end)")
		schema    = flag.String("schema", "docs/schema.sql", "relational schema file")
	)
	flag.Parse()

	if cfg.PostgresDSN == "" {
		log.Fatal("MANGAPIPE_PG_DSN is required (document store)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := database.MustOpen(database.DefaultConfig())
	defer db.Close()
	if err := database.MigrateFile(db, *schema); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	pool, err := database.OpenDocPool(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("doc store connect failed: %v", err)
	}
	defer pool.Close()

	docs := store.NewPostgresDocs(pool)
	if err := docs.Migrate(ctx); err != nil {
		log.Fatalf("doc store migrate failed: %v", err)
	}

	// one coordinating limiter: every pipeline draws from the same
	// upstream quota
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst)

	client := upstream.NewClient(upstream.Config{
		BaseURL:      cfg.UpstreamBaseURL,
		Limiter:      limiter,
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		PageLimit:    cfg.PageLimit,
		CreatedSince: cfg.CreatedSince,
		UserAgent:    cfg.UserAgent,
	})

	svc := ingest.NewService(&ingest.Pipeline{
		Fetcher:     client,
		Normalizer:  normalize.New(cfg.DefaultLocale),
		Writer:      store.NewWriter(docs, store.NewSQLiteCatalog(db)),
		Docs:        docs,
		Checkpoints: store.NewSQLiteCheckpoints(db),
		MaxPages:    *maxPages,
	})

	g, gctx := errgroup.WithContext(ctx)
	var failed atomic.Bool

	for _, name := range strings.Split(*resources, ",") {
		resource := models.ResourceType(strings.TrimSpace(name))
		if resource == "" {
			continue
		}
		g.Go(func() error {
			summary, err := svc.Run(gctx, resource, *restart)
			if err != nil {
				log.Printf("[ingest] %s run failed: %v", resource, err)
				failed.Store(true)
				return nil // other pipelines keep going
			}
			log.Printf("[ingest] %s: created=%d updated=%d skipped=%d failed=%d cursor=%q",
				resource, summary.EntitiesCreated, summary.EntitiesUpdated,
				summary.EntitiesSkipped, summary.EntitiesFailed, summary.FinalCursor)
			if summary.EntitiesFailed > 0 {
				failed.Store(true)
			}
			return nil
		})
	}

	_ = g.Wait()

	if failed.Load() {
		os.Exit(1)
	}
}
