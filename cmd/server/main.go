package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatroom-e2ee/auth"
	"chatroom-e2ee/configs"
	"chatroom-e2ee/crypto/key_ed25519"
	"chatroom-e2ee/server"
	"chatroom-e2ee/store"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	logger = logrus.New()
)

// Main function to start the server
func main() {
	cfg, err := configs.Load()
	if err != nil {
		logger.Fatalf("Error loading config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if len(cfg.AuthPublicKey) == 0 {
		logger.Fatal("E2EE_AUTH_PUBLIC_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatalf("Error connecting to redis at %s: %v", cfg.RedisAddress, err)
	}

	s := server.NewServer(
		ctx,
		store.NewRedis(redisClient, cfg.KeyPrefix),
		auth.NewVerifier(key_ed25519.PublicKey(cfg.AuthPublicKey)),
		logger,
	)
	defer s.Close()

	httpServer := &http.Server{Addr: cfg.ServerAddress, Handler: s.Router()}
	go func() {
		logger.Infof("Server running on http://%s", cfg.ServerAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Error starting server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Closing server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error shutting down: %v", err)
	}
}
