package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/telehealth-signaling/config"
	"github.com/mossy-p/telehealth-signaling/internal/handlers"
	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/redis"
	"github.com/mossy-p/telehealth-signaling/internal/signaling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logger.New(cfg.Environment, cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("signaling server stopped", logger.Err(err))
		os.Exit(1)
	}
}

// run serves until SIGINT/SIGTERM or a listener failure. Every resource it
// opens is released before it returns.
func run(cfg *config.Config, log *slog.Logger) error {
	connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	store, err := redis.Connect(connectCtx, cfg.Redis)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close redis", logger.Err(err))
		}
	}()
	store = store.WithPresenceTTL(cfg.Signaling.PresenceTTL)
	log.Info("redis connection established", slog.String("addr", cfg.Redis.Addr()))

	relay := signaling.NewRelay(signaling.NewRegistry(log), store, store, signaling.Options{
		MaxMessageBytes:      cfg.Signaling.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.Signaling.MaxMessagesPerSecond,
		SendBuffer:           cfg.Signaling.SendBuffer,
	}, log)
	// Hijacked websocket connections are not tracked by Shutdown.
	defer relay.Close()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.New(store, relay, cfg.JWTSecret, cfg.AllowedOrigins, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting signaling server", slog.String("port", cfg.Port), slog.String("env", cfg.Environment))
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	relay.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", logger.Err(err))
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}
