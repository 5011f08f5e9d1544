package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"mangapipe/internal/api"
	"mangapipe/internal/events"
	"mangapipe/internal/ingest"
	"mangapipe/internal/normalize"
	"mangapipe/internal/store"
	"mangapipe/internal/upstream"
	"mangapipe/pkg/database"
	"mangapipe/pkg/utils"
)

// Long-running trigger/status server. The scheduler POSTs
// /ingest/:resource and gets the RunSummary back; the dashboard
// subscribes to /ws/runs for live run progress.
func main() {
	cfg := utils.LoadConfig()
	if cfg.PostgresDSN == "" {
		log.Fatal("MANGAPIPE_PG_DSN is required (document store)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCfg := database.DefaultConfig()
	db := database.MustOpen(dbCfg)
	defer db.Close()
	if err := database.Migrate(db); err != nil {
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

	hub := events.NewHub()
	checkpoints := store.NewSQLiteCheckpoints(db)

	svc := ingest.NewService(&ingest.Pipeline{
		Fetcher:     client,
		Normalizer:  normalize.New(cfg.DefaultLocale),
		Writer:      store.NewWriter(docs, store.NewSQLiteCatalog(db)),
		Docs:        docs,
		Checkpoints: checkpoints,
		Events:      hub,
	})

	router := gin.Default()
	_ = router.SetTrustedProxies([]string{"127.0.0.1"})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "db": dbCfg.Path})
	})

	router.GET("/ready", func(c *gin.Context) {
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "catalog_error": err.Error()})
			return
		}
		if err := pool.Ping(pingCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "docs_error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":      "ready",
			"subscribers": hub.Stats().WSClients,
		})
	})

	router.GET("/ws/runs", events.WSHandler(hub))

	apiCfg := utils.LoadAPIConfig()
	tokenSvc := api.TokenService{
		Secret:   []byte(apiCfg.JWTSecret),
		Issuer:   apiCfg.JWTIssuer,
		Duration: apiCfg.JWTDuration,
	}

	protected := router.Group("/")
	protected.Use(api.AuthMiddleware(tokenSvc))
	api.NewHandler(svc, checkpoints).RegisterRoutes(protected)

	httpSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("ingest server listening on %s", cfg.APIAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received")
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	log.Println("server stopped")
}
