//	@title			Avaz Upload API
//	@version		1.0
//	@description	Upload coordination backend for the Avaz music sharing platform. Issues presigned storage credentials, verifies uploads, and finalizes them into song assets.
//
//	@host		localhost:8080
//	@BasePath	/api/v1
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: **Bearer {token}**

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/avaz/service/internal/config"
	"github.com/avaz/service/internal/db"
	"github.com/avaz/service/internal/finalize"
	appMiddleware "github.com/avaz/service/internal/middleware"
	"github.com/avaz/service/internal/reconcile"
	"github.com/avaz/service/internal/song"
	"github.com/avaz/service/internal/storage"
	"github.com/avaz/service/internal/upload"

	_ "github.com/avaz/service/docs/swagger"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg := config.Load()
	ctx := context.Background()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	store, err := storage.NewMinioStorage(
		cfg.StorageEndpoint,
		cfg.StorageAccessKey,
		cfg.StorageSecretKey,
		cfg.StorageBucket,
		cfg.StorageUseSSL,
	)
	if err != nil {
		slog.Error("object storage init failed", "error", err)
		os.Exit(1)
	}

	// Wire dependencies: store → services → handler
	upStore := upload.NewStore(pool, upload.QuotaDefaults{
		MaxFileSize:     cfg.MaxFileSize,
		MaxDailyUploads: cfg.MaxDailyUploads,
		MaxDailyBytes:   cfg.MaxDailyBytes,
		MaxTotalStorage: cfg.MaxTotalStorage,
	})
	songs := song.NewRepository(pool)
	queue := finalize.NewMemoryQueue(1024)

	uploadSvc := upload.NewService(upStore, store, cfg.UploadURLTTL, cfg.SessionTTL)
	verifier := upload.NewVerifier(upStore, store, queue)
	uploadHandler := upload.NewHandler(uploadSvc, verifier)

	worker := finalize.NewWorker(upStore, store, queue, finalize.Config{
		Workers:    cfg.FinalizeWorkers,
		MaxRetries: cfg.FinalizeMaxRetries,
		MaxBytes:   cfg.MaxDownloadBytes,
	}, nil)
	worker.Start(ctx)

	reconciler := reconcile.NewReconciler(upStore, songs, store, reconcile.Config{
		Interval:           cfg.ReconcileInterval,
		FailedRetention:    cfg.FailedRetention,
		OrphanSweepEnabled: cfg.OrphanSweepEnabled,
		OrphanSafetyMargin: cfg.OrphanSafetyMargin,
	})
	reconciler.Start()

	// Router
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Swagger UI, served at /swagger/
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Use(appMiddleware.RequireAuth(cfg.JWTSecret))
			uploadHandler.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine; wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "port", cfg.Port, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	reconciler.Stop()
	worker.Stop()

	slog.Info("server stopped")
}
