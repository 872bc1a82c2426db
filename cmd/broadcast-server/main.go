package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	srv "github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/server"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/logger"
)

func main() {
	cli, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag package already printed usage/error
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	// Config precedence: defaults < config file < environment < flags.
	var cfg srv.Config
	if cli.configFile != "" {
		if err := cfg.LoadFile(cli.configFile); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(2)
		}
	}
	cfg.FromEnv()
	cli.apply(&cfg)

	// Initialize global logger and set level from the resolved config.
	logger.Init()
	if cfg.LogLevel != "" {
		if err := logger.SetLevel(cfg.LogLevel); err != nil {
			fmt.Printf("Warning: invalid log level %q, using default\n", cfg.LogLevel)
		}
	}
	log := logger.Logger().With("component", "cli")

	server, err := srv.New(cfg)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	log.Info("server started", "addr", server.Addr().String(), "version", version)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Perform shutdown in a separate goroutine in case it blocks; we just wait or force exit on timeout.
	done := make(chan struct{})
	go func() {
		if err := server.Stop(shutdownCtx); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
		os.Exit(1)
	}
}
