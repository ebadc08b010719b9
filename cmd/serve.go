// services/tracking/cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/fleetops/services/tracking/internal/api"
	"example.com/fleetops/services/tracking/internal/core"
	"example.com/fleetops/services/tracking/internal/fleetapi"
	"example.com/fleetops/services/tracking/internal/infrastructure"
	"example.com/fleetops/services/tracking/internal/poller"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the fleet tracking API server",
	Long:  `Launches the telemetry acquisition loop and the HTTP server that exposes classified vehicle statuses, bucket summaries and status history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Fleet Tracking Service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Connecting to cache...")
	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		return fmt.Errorf("cache connection failed: %w", err)
	}
	defer cache.Close()

	logger.Info("Connecting to messaging service...")
	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		logger.Warn("Messaging service unavailable, continuing without it")
		messaging = nil
	} else {
		defer messaging.Close()
	}

	// --- Service Layer Setup ---
	dataStore := core.NewDataStore(db.DB)
	tracking := core.NewTrackingService(dataStore, cache, messaging, logger)

	if err := tracking.RestoreFromCache(context.Background()); err != nil {
		logger.WithError(err).Info("No cached snapshot to restore")
	}

	// --- Acquisition Loop ---
	fleetClient := fleetapi.NewClient(cfg.FleetAPI, logger)
	loop := poller.New(fleetClient, tracking, cfg.Poller, cfg.FleetAPI, logger)
	loop.Start()

	// --- Push Channel (optional) ---
	var push *infrastructure.PushSubscriber
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		push, err = infrastructure.NewPushSubscriber(*cfg.MQTT, loop.HandlePushMessage, logger)
		if err != nil {
			return fmt.Errorf("push subscriber setup failed: %w", err)
		}
		if err := push.Start(); err != nil {
			logger.WithError(err).Warn("Push channel unavailable, continuing with polling only")
			push = nil
		}
	}

	// --- API Layer Setup ---
	if gin.Mode() == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	handlers := api.NewAPIHandlers(tracking, loop)
	api.SetupRoutes(router, handlers, cfg.Server.APIToken, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Fleet Tracking API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	// Stop producers before the server so no publish races teardown
	if push != nil {
		push.Stop()
	}
	loop.Stop()

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Fleet Tracking Service shutdown complete")
	return nil
}
