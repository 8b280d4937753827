// Package main runs the multi-camera counting service
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Spatial-NVR/SpatialCount/internal/api"
	"github.com/Spatial-NVR/SpatialCount/internal/config"
	"github.com/Spatial-NVR/SpatialCount/internal/database"
	"github.com/Spatial-NVR/SpatialCount/internal/detection"
	"github.com/Spatial-NVR/SpatialCount/internal/events"
	"github.com/Spatial-NVR/SpatialCount/internal/logging"
	"github.com/Spatial-NVR/SpatialCount/internal/notify"
	"github.com/Spatial-NVR/SpatialCount/internal/orchestrator"
	"github.com/Spatial-NVR/SpatialCount/internal/store"
)

const (
	defaultConfigPath = "/config/config.yaml"
	logBufferSize     = 1000
	shutdownTimeout   = 30 * time.Second
)

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", defaultConfigPath), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level := getEnv("LOG_LEVEL", cfg.Logging.Level)
	logs := logging.Setup(os.Stdout, level, cfg.Logging.Format, logBufferSize)

	slog.Info("Starting counting service", "config_path", cfg.Path(), "log_level", level)

	if err := run(cfg, logs); err != nil {
		slog.Error("Counting service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Counting service stopped")
}

func run(cfg *config.Config, logs *logging.RingBuffer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(&database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    8,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	st := store.New(db)

	bus, err := events.New(events.Config{
		Host:       cfg.Events.Host,
		Port:       cfg.Events.Port,
		MaxPayload: cfg.Events.MaxPayload,
	})
	if err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer bus.Stop()

	client, err := detection.NewClient(detection.ClientConfig{
		Address:     cfg.Detector.Address,
		Timeout:     cfg.Detector.Timeout,
		JPEGQuality: cfg.Processing.JPEGQuality,
	})
	if err != nil {
		return fmt.Errorf("failed to create detector client: %w", err)
	}
	detector := detection.Serialized(client)

	manager, err := orchestrator.New(orchestrator.Config{
		Store:        st,
		Source:       newSourceFactory(cfg.Stream),
		Detector:     detector,
		Publisher:    bus,
		Settings:     cfg.PipelineSettings(),
		RetryDelay:   cfg.Stream.RetryDelay,
		ProbeTimeout: cfg.Stream.ProbeTimeout,
	})
	if err != nil {
		return err
	}

	dispatcher, err := notify.New(notify.Config{
		Rules:  st,
		Counts: manager,
	})
	if err != nil {
		return err
	}

	cfg.OnChange(func(c *config.Config) {
		manager.ApplySettings(c.PipelineSettings())
	})
	if err := cfg.Watch(); err != nil {
		slog.Warn("Configuration changes will not be picked up", "path", cfg.Path(), "error", err)
	}
	defer cfg.Close()

	hub := api.NewHub(manager, cfg.Server.CORSOrigins)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	defer func() {
		hubCancel()
		<-hub.Done()
	}()

	sub, err := api.Bridge(bus, hub)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	handler, err := api.NewHandler(api.HandlerConfig{
		Counter:    manager,
		Actions:    st,
		Dispatcher: dispatcher,
		Logs:       logs,
		Checks: map[string]api.HealthCheck{
			"database": db.Health,
			"events":   bus.HealthCheck,
			"detector": client.Ready,
		},
	})
	if err != nil {
		return err
	}

	// Cancelled before shutdown so log streams end instead of holding Shutdown open
	reqCtx, reqCancel := context.WithCancel(context.Background())
	defer reqCancel()

	router := api.NewRouter(handler, hub, api.RouterConfig{
		CORSOrigins:    cfg.Server.CORSOrigins,
		WriteRateLimit: cfg.Server.RateLimit,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return reqCtx },
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Cameras are probed and started in the background; count requests wait for them
	go func() {
		if err := manager.Start(ctx); err != nil {
			slog.Error("Failed to start cameras", "error", err)
		}
		if err := dispatcher.Start(ctx); err != nil {
			slog.Error("Failed to start notification dispatcher", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("Shutting down", "signal", sig.String())
	case runErr = <-serverErr:
		slog.Error("Server error", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	reqCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	select {
	case <-manager.Ready():
	case <-shutdownCtx.Done():
	}
	dispatcher.Stop()
	manager.Stop(shutdownCtx)
	cancel()

	return runErr
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
