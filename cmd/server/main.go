package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quotewire/quotewire/api"
	"github.com/quotewire/quotewire/auth"
	"github.com/quotewire/quotewire/internal/config"
	"github.com/quotewire/quotewire/internal/slogging"
	"github.com/quotewire/quotewire/internal/telemetry"
)

func main() {
	configFile := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            cfg.GetLogLevel(),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()
	defer func() {
		_ = logger.Close()
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slogging.Logger) error {
	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}
	logger.Info("Starting quotewire server - Instance: %s", instanceID)

	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.SigningMethod)

	metrics, err := telemetry.NewWebSocketMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	store := api.NewInMemoryQuoteStore()

	hub := api.NewWebSocketHub(cfg, validator, store, nil, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bridge *api.FanoutBridge
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() {
			_ = client.Close()
		}()

		bridge = api.NewFanoutBridge(client, instanceID, hub.Router)
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("failed to start fanout bridge: %w", err)
		}
		hub.AttachBridge(bridge)
		logger.Info("Fanout bridge connected to redis at %s", cfg.RedisAddr())
	} else {
		logger.Warn("Redis disabled; running single-instance without cross-instance fanout")
	}

	hub.StartBackground(ctx)

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	hub.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.Server.Interface + ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if bridge != nil {
		if err := bridge.Close(); err != nil {
			logger.Warn("Failed to close fanout bridge: %v", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
