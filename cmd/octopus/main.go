package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/octopus-project/octopus/internal/alerts"
	"github.com/octopus-project/octopus/internal/archive"
	"github.com/octopus-project/octopus/internal/config"
	"github.com/octopus-project/octopus/internal/correlation"
	"github.com/octopus-project/octopus/internal/ingest"
	"github.com/octopus-project/octopus/internal/notifications"
	"github.com/octopus-project/octopus/internal/prices"
	"github.com/octopus-project/octopus/internal/processing"
	"github.com/octopus-project/octopus/internal/scheduler"
	"github.com/octopus-project/octopus/internal/storage"
	"github.com/octopus-project/octopus/internal/trends"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting Octopus")

	// Initialize storage
	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	// Derived-data services; the processor invalidates both caches
	// after every successful write.
	aggregator := trends.NewAggregator(store)
	engine := correlation.NewEngine(store, aggregator)
	processor := processing.NewProcessor(store, aggregator, engine)
	ingestService := ingest.NewService(store)

	// Initialize notification services
	notificationService := notifications.NewService(cfg)

	// Alert evaluation
	evaluator := alerts.NewEvaluator(store, aggregator, engine, notificationService)

	// Price feed polling is optional
	var priceService *prices.Service
	if cfg.PriceFeedURL != "" {
		priceService = prices.NewService(store, prices.NewClient(cfg.PriceFeedURL))
	} else {
		logrus.Info("No price feed configured, price tracking disabled")
	}

	// Report archival is optional
	var archiver archive.Archiver
	if cfg.StorageAccount != "" {
		archiver, err = archive.NewAzureArchive(cfg.StorageAccount, cfg.StorageContainer)
		if err != nil {
			logrus.Fatalf("Failed to initialize archive: %v", err)
		}
	} else {
		logrus.Info("No storage account configured, report archival disabled")
	}

	// Initialize scheduler
	schedulerService := scheduler.NewService(cfg, store, processor, aggregator, evaluator,
		priceService, notificationService, archiver)

	// Start scheduler
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}
	defer schedulerService.Stop()

	// Set up HTTP server
	api := &apiServer{
		config:    cfg,
		store:     store,
		ingest:    ingestService,
		processor: processor,
		trends:    aggregator,
		corr:      engine,
		evaluator: evaluator,
		scheduler: schedulerService,
		archiver:  archiver,
	}

	router := mux.NewRouter()
	api.registerRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// Create a deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
}
