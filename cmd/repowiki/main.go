// Package main is the entry point for the repowiki processing service.
// One binary runs the HTTP API, the processing worker and the incremental
// update scheduler with shared infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/repowiki/repowiki/internal/common/config"
	"github.com/repowiki/repowiki/internal/common/httpmw"
	"github.com/repowiki/repowiki/internal/common/logger"
	"github.com/repowiki/repowiki/internal/db"
	"github.com/repowiki/repowiki/internal/events"
	"github.com/repowiki/repowiki/internal/notify"
	"github.com/repowiki/repowiki/internal/platform"
	"github.com/repowiki/repowiki/internal/processing"
	"github.com/repowiki/repowiki/internal/update"
	wikihandlers "github.com/repowiki/repowiki/internal/wiki/handlers"
	wikiservice "github.com/repowiki/repowiki/internal/wiki/service"
	"github.com/repowiki/repowiki/internal/wiki/store"
	"github.com/repowiki/repowiki/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting repowiki...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = pool.Close() }()

	repoStore := store.New(pool)
	if err := repoStore.InitSchema(ctx); err != nil {
		log.Fatal("Failed to initialize schema", zap.Error(err))
	}
	log.Info("Database ready",
		zap.String("driver", cfg.Database.Driver))

	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	notifier := notify.New(eventBus, "repowiki", log)

	tokens := platform.NewClient(cfg.Platform)
	var tokenSource workspace.TokenSource
	if tokens != nil {
		tokenSource = tokens
	}
	manager := workspace.NewManager(cfg.Processing, cfg.Platform, tokenSource, log)

	gen := processing.NewLoggingGenerator(log)

	logService := processing.NewLogService(repoStore, log)
	worker := processing.NewWorker(repoStore, manager, gen, logService, notifier, log)

	updateService := update.NewService(repoStore, manager, gen, notifier, cfg.Processing, cfg.Scheduler, log)
	scheduler := update.NewScheduler(repoStore, updateService, notifier, cfg.Scheduler, log)

	repoService := wikiservice.New(repoStore, notifier, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "repowiki"))
	wikihandlers.RegisterRoutes(router, repoService, logService, scheduler, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "repowiki",
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		log.Info("Processing worker started")
		if err := worker.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("processing worker: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		log.Info("Update scheduler started")
		if err := scheduler.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("update scheduler: %w", err)
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("Shutting down repowiki...")
	case <-groupCtx.Done():
		log.Error("Service failed, shutting down")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := group.Wait(); err != nil {
		log.Error("Shutdown finished with errors", zap.Error(err))
	}
	log.Info("repowiki stopped")
}
