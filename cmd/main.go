/*
Package main is the entry point for the Room Relay server.

It is responsible for loading configuration, initializing the global logging system,
starting the chat Router, setting up the HTTP server, and gracefully shutting all of
them down on SIGINT or SIGTERM.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"roomrelay/internal/app/chat"
	"roomrelay/internal/app/directory"
	"roomrelay/internal/configs"
	"roomrelay/internal/handler"
	"roomrelay/internal/pkg/logx"
)

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Float64("join_rate", cfg.JoinRate).
		Float64("send_rate", cfg.SendRate).
		Msg("Configuration loaded successfully")

	router := chat.NewRouter(directory.New())
	go router.Run()

	deps := &handler.AppDeps{
		Router: router,
		Config: cfg,
	}
	h, stopLimiters := handler.Router(deps)

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     h,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logx.Info("Room Relay server starting", "addr", "http://localhost"+serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				logx.Info("Received shutdown signal. Stopping HTTP server...")
				return server.Shutdown(ctx)
			},
			"chat-router": func(ctx context.Context) error {
				router.Shutdown()
				select {
				case <-router.Done():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
			"rate-limiters": func(ctx context.Context) error {
				stopLimiters()
				return nil
			},
		},
	)

	exitCode := <-wait
	logx.Info("Server stopped.", "exit_code", exitCode)
	os.Exit(exitCode)
}
