package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"

	"sitter-tracking-backend/config"
	"sitter-tracking-backend/internal/api"
	"sitter-tracking-backend/internal/clock"
	"sitter-tracking-backend/internal/db"
	"sitter-tracking-backend/internal/engine"
	"sitter-tracking-backend/internal/feed"
	"sitter-tracking-backend/internal/livefeed"
	"sitter-tracking-backend/internal/notification"
	"sitter-tracking-backend/internal/store"
	"sitter-tracking-backend/internal/surface"
)

func main() {
	logger := log.New(os.Stdout, "trackerd ", log.LstdFlags)

	if err := godotenv.Load(); err != nil {
		logger.Println("no .env file found, using the process environment")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	// Notices are still listed on the dashboard without VAPID keys; only browser push is off.
	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		logger.Println("VAPID keys are not configured; operator web push is disabled")
	}
	webpushOptions := webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")
	appStore := store.NewGormStore(gormDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := livefeed.NewClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()
	source := livefeed.NewSource(redisClient, cfg.Redis.ChannelPrefix)
	publisher := livefeed.NewPublisher(redisClient, cfg.Redis.ChannelPrefix)

	hub := surface.NewHub(cfg.Engine.MapStyle, cfg.Server.AllowedOrigins)
	eng := engine.New(engine.ConfigFrom(cfg.Engine), clock.Real{}, source, hub)
	hub.OnReadiness(eng.SurfaceReady, eng.SurfaceLost)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("engine stopped: %v", err)
		}
	}()

	notices := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, &webpushOptions, hub)
	notices.Start(ctx)

	feedSvc := feed.NewService(cfg.Engine, appStore, eng, notices)
	go feedSvc.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Store:     appStore,
		WebPush:   &webpushOptions,
		Tracker:   eng,
		Refresher: feedSvc,
		Publisher: publisher,
		Notices:   notices,
	})
	router := api.NewRouter(cfg.Server, handler, hub.Handler())
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP server Shutdown: %v", err)
	}

	cancel()
	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		logger.Println("engine did not stop in time")
	}

	logger.Println("Server gracefully stopped")
}
